// Package output runs one frame clock per display output on a dedicated
// dispatch goroutine and marshals all external calls onto it.
package output

import (
	"context"
	"fmt"
	"sync"

	"github.com/NaveLIL/erez-frameclock/frameclock"
	"github.com/NaveLIL/erez-frameclock/logger"
	"github.com/NaveLIL/erez-frameclock/models"
	"github.com/NaveLIL/erez-frameclock/monotime"
	"github.com/NaveLIL/erez-frameclock/storage"
	"github.com/NaveLIL/erez-frameclock/wakeup"
)

// Config describes one output.
type Config struct {
	// Name identifies the output.
	Name string
	// RefreshRate is the display refresh rate in Hz.
	RefreshRate float32
	// MinRefreshRate is the variable-refresh-rate floor; 0 means fixed
	// at RefreshRate.
	MinRefreshRate float32
	// VblankDurationUs is the vertical blanking duration.
	VblankDurationUs int64
	// Mode selects fixed or variable refresh prediction.
	Mode frameclock.Mode
	// TripleBuffering is the process-wide buffering override.
	TripleBuffering frameclock.TripleBufferingPolicy
	// DisableDynamicMaxRenderTime pins the render budget to the
	// fallback fraction.
	DisableDynamicMaxRenderTime bool
	// Source is the wakeup primitive; nil means a portable timer source
	// on the system clock.
	Source wakeup.Source
	// Clock is the monotonic time source; nil means the system clock.
	Clock monotime.Clock
	// Listener produces the frames.
	Listener frameclock.FrameListener
	// HistoryFrames is the timing history depth; 0 means 600.
	HistoryFrames int
}

// Stats is a point-in-time health view of an output.
type Stats struct {
	Name        string
	State       frameclock.State
	Mode        frameclock.Mode
	RefreshRate float32
	FrameCount  int64
	InFlight    int
	// OldestPendingUs is how long the oldest unresolved frame has been
	// in flight, 0 when none is.
	OldestPendingUs int64
	// MaxRenderTimeUs is the current dispatch-lead budget.
	MaxRenderTimeUs int64
	// MaxRenderTime describes how that budget was derived.
	MaxRenderTime string
	Summary       storage.Summary
}

// Output owns one frame clock. The clock itself is single-threaded; the
// output's dispatch goroutine is the only one that touches it, and the
// exported methods hand work to that goroutine.
type Output struct {
	name    string
	clock   *frameclock.Clock
	source  wakeup.Source
	mono    monotime.Clock
	history *storage.RingBuffer
	log     *logger.Logger

	ops  chan func()
	done chan struct{}

	// Dispatch times of unresolved frames, oldest first. Only the
	// dispatch goroutine touches this.
	pendingDispatchUs []int64

	running bool
	mu      sync.RWMutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an output and its frame clock. The clock does not run
// until Start is called.
func New(cfg Config) (*Output, error) {
	mono := cfg.Clock
	if mono == nil {
		mono = monotime.System{}
	}
	src := cfg.Source
	if src == nil {
		src = wakeup.NewTimerSource(mono)
	}
	historyFrames := cfg.HistoryFrames
	if historyFrames <= 0 {
		historyFrames = 600
	}

	o := &Output{
		name:    cfg.Name,
		source:  src,
		mono:    mono,
		history: storage.NewRingBuffer(historyFrames),
		log:     logger.Get(),
		ops:     make(chan func(), 16),
		done:    make(chan struct{}),
	}

	clock, err := frameclock.New(frameclock.Config{
		Name:                        cfg.Name,
		RefreshRate:                 cfg.RefreshRate,
		MinRefreshRate:              cfg.MinRefreshRate,
		VblankDurationUs:            cfg.VblankDurationUs,
		Mode:                        cfg.Mode,
		TripleBuffering:             cfg.TripleBuffering,
		DisableDynamicMaxRenderTime: cfg.DisableDynamicMaxRenderTime,
		Source:                      src,
		Clock:                       mono,
		Listener:                    cfg.Listener,
		Recorder:                    o,
	})
	if err != nil {
		return nil, fmt.Errorf("creating clock for %s: %w", cfg.Name, err)
	}
	o.clock = clock
	return o, nil
}

// Start launches the dispatch goroutine.
func (o *Output) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.mu.Unlock()

	ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go o.dispatchLoop(ctx)

	o.log.Output(o.name).Infof("Output started at %.2f Hz (%s)",
		o.clock.RefreshRate(), o.clock.Mode())
	return nil
}

// Stop destroys the clock and waits for the dispatch goroutine.
func (o *Output) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	o.do(func() { o.clock.Destroy() })

	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	if err := o.source.Close(); err != nil {
		o.log.Output(o.name).Warnf("Closing wakeup source: %v", err)
	}
	o.log.Output(o.name).Info("Output stopped")
}

// dispatchLoop is the single goroutine that owns the clock.
func (o *Output) dispatchLoop(ctx context.Context) {
	defer o.wg.Done()
	defer close(o.done)
	defer func() {
		if r := recover(); r != nil {
			o.log.Output(o.name).Errorf("Panic in dispatch loop: %v", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-o.source.Fires():
			inFlight := o.clock.State()
			o.clock.Dispatch(t)
			if o.clock.State().FramesInFlight() > inFlight.FramesInFlight() {
				o.pendingDispatchUs = append(o.pendingDispatchUs, int64(t))
			}
		case op := <-o.ops:
			op()
		}
	}
}

// RecordTiming stores one resolved frame. It is called by the clock on
// the dispatch goroutine.
func (o *Output) RecordTiming(t models.FrameTiming) {
	if len(o.pendingDispatchUs) > 0 {
		o.pendingDispatchUs = o.pendingDispatchUs[1:]
	}
	o.history.Add(t)
	o.log.LogTiming(&t)
}

// do runs fn on the dispatch goroutine and waits for it. After the loop
// has exited, fn runs inline; the clock is destroyed by then and every
// call on it is a no-op.
func (o *Output) do(fn func()) {
	ran := make(chan struct{})
	op := func() {
		defer close(ran)
		fn()
	}
	select {
	case o.ops <- op:
		select {
		case <-ran:
		case <-o.done:
		}
	case <-o.done:
		fn()
	}
}

// Name returns the output name.
func (o *Output) Name() string {
	return o.name
}

// History returns the frame timing history buffer.
func (o *Output) History() *storage.RingBuffer {
	return o.history
}

// Clock returns the owned frame clock. It must only be used from frame
// listener or timeline callbacks, which already run on the dispatch
// goroutine.
func (o *Output) Clock() *frameclock.Clock {
	return o.clock
}

// ScheduleUpdate requests a dispatch at the next predicted update time.
func (o *Output) ScheduleUpdate() error {
	var err error
	o.do(func() { err = o.clock.ScheduleUpdate() })
	return err
}

// ScheduleUpdateNow requests an immediate dispatch.
func (o *Output) ScheduleUpdateNow() error {
	var err error
	o.do(func() { err = o.clock.ScheduleUpdateNow() })
	return err
}

// SetMode switches between fixed and variable refresh prediction.
func (o *Output) SetMode(mode frameclock.Mode) {
	o.do(func() { o.clock.SetMode(mode) })
}

// Inhibit pauses the clock.
func (o *Output) Inhibit() {
	o.do(func() { o.clock.Inhibit() })
}

// Uninhibit resumes the clock, replaying latched scheduling requests.
func (o *Output) Uninhibit() {
	o.do(func() { o.clock.Uninhibit() })
}

// NotifyPresented delivers presentation feedback from the display
// backend's completion channel.
func (o *Output) NotifyPresented(info frameclock.FrameInfo) {
	o.do(func() { o.clock.NotifyPresented(info) })
}

// NotifyReady delivers a no-content resolution.
func (o *Output) NotifyReady() {
	o.do(func() { o.clock.NotifyReady() })
}

// RecordFlipTime records a buffer submission time and its hints.
func (o *Output) RecordFlipTime(timeUs int64, hints frameclock.FlipHint) {
	o.do(func() { o.clock.RecordFlipTime(timeUs, hints) })
}

// AddTimeline registers a timeline with the clock.
func (o *Output) AddTimeline(t frameclock.Timeline) {
	o.do(func() { o.clock.AddTimeline(t) })
}

// RemoveTimeline unregisters a timeline.
func (o *Output) RemoveTimeline(t frameclock.Timeline) {
	o.do(func() { o.clock.RemoveTimeline(t) })
}

// RefreshRate returns the clock's current refresh rate.
func (o *Output) RefreshRate() float32 {
	var rate float32
	o.do(func() { rate = o.clock.RefreshRate() })
	return rate
}

// Priority returns the clock's scheduling priority.
func (o *Output) Priority() int {
	var p int
	o.do(func() { p = o.clock.Priority() })
	return p
}

// Stats returns a consistent health snapshot.
func (o *Output) Stats() Stats {
	var s Stats
	o.do(func() {
		snap := o.clock.Snapshot()
		s = Stats{
			Name:            o.name,
			State:           snap.State,
			Mode:            snap.Mode,
			RefreshRate:     snap.RefreshRate,
			FrameCount:      snap.FrameCount,
			InFlight:        snap.InFlight,
			MaxRenderTimeUs: snap.MaxRenderTimeUs,
			MaxRenderTime:   o.clock.MaxRenderTimeDebugString(),
		}
		if len(o.pendingDispatchUs) > 0 {
			s.OldestPendingUs = int64(o.mono.Now()) - o.pendingDispatchUs[0]
		}
	})
	s.Summary = o.history.Summarize()
	return s
}

// RefreshIntervalUs returns the refresh interval for the current rate.
func (s Stats) RefreshIntervalUs() int64 {
	if s.RefreshRate <= 0 {
		return 0
	}
	return int64(0.5 + 1_000_000/float64(s.RefreshRate))
}
