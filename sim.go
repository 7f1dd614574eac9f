package main

import (
	"math/rand"
	"sync"
	"time"

	"github.com/NaveLIL/erez-frameclock/config"
	"github.com/NaveLIL/erez-frameclock/frameclock"
	"github.com/NaveLIL/erez-frameclock/logger"
	"github.com/NaveLIL/erez-frameclock/monotime"
	"github.com/NaveLIL/erez-frameclock/output"
)

// simDisplay emulates the display backend for one output: rendering takes
// a configurable jittered duration, buffers flip at the next vblank in
// fixed mode or as soon as ready in variable mode, and presentation
// feedback is reported back through the output like a real completion
// channel would.
type simDisplay struct {
	cfg  config.OutputConfig
	mono monotime.Clock
	log  *logger.Logger

	refreshIntervalUs int64
	variable          bool

	mu  sync.Mutex
	out *output.Output

	wg   sync.WaitGroup
	stop chan struct{}
}

func newSimDisplay(cfg config.OutputConfig, mono monotime.Clock) *simDisplay {
	return &simDisplay{
		cfg:               cfg,
		mono:              mono,
		log:               logger.Get(),
		refreshIntervalUs: int64(0.5 + 1_000_000/cfg.RefreshRate),
		variable:          cfg.Mode == "variable",
		stop:              make(chan struct{}),
	}
}

// attach wires the display to its output once the output exists.
func (d *simDisplay) attach(out *output.Output) {
	d.mu.Lock()
	d.out = out
	d.mu.Unlock()
}

func (d *simDisplay) output() *output.Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out
}

// close stops in-flight completions and waits for them.
func (d *simDisplay) close() {
	close(d.stop)
	d.wg.Wait()
}

// BeforeFrame runs before timelines tick; the simulation needs nothing
// here.
func (d *simDisplay) BeforeFrame(frame *frameclock.Frame) {}

// Frame simulates submitting a frame. The render work completes on a
// separate goroutine, like a GPU would, and resolves the frame through
// the output's public feedback API.
func (d *simDisplay) Frame(frame *frameclock.Frame) frameclock.DispatchResult {
	dispatchUs := int64(d.mono.Now())

	renderUs := d.cfg.RenderTimeUs
	if d.cfg.RenderJitterUs > 0 {
		renderUs += rand.Int63n(2*d.cfg.RenderJitterUs) - d.cfg.RenderJitterUs
	}
	if renderUs < 0 {
		renderUs = 0
	}

	d.wg.Add(1)
	go d.complete(dispatchUs, renderUs)

	return frameclock.ResultPendingPresented
}

// complete waits out the simulated render time and delivers flip and
// presentation feedback.
func (d *simDisplay) complete(dispatchUs, renderUs int64) {
	defer d.wg.Done()

	// Two thirds CPU until swap, the rest on the GPU.
	cpuUs := renderUs * 2 / 3
	gpuUs := renderUs - cpuUs

	swapTimeUs := dispatchUs + cpuUs
	readyTimeUs := swapTimeUs + gpuUs
	flipTimeUs := swapTimeUs + 100

	var presentationUs int64
	var flags frameclock.FrameInfoFlag
	if d.variable {
		presentationUs = readyTimeUs + d.cfg.VblankDurationUs
	} else {
		// Align to the next vblank after rendering finishes.
		presentationUs = ((readyTimeUs / d.refreshIntervalUs) + 1) * d.refreshIntervalUs
		flags = frameclock.FrameInfoFlagVSync
	}

	if !d.sleepUntil(presentationUs) {
		return
	}
	out := d.output()
	if out == nil {
		return
	}

	out.RecordFlipTime(flipTimeUs, 0)
	out.NotifyPresented(frameclock.FrameInfo{
		PresentationTimeUs:           presentationUs,
		Flags:                        flags,
		CPUTimeBeforeBufferSwapUs:    swapTimeUs,
		GPURenderingDurationNs:       gpuUs * 1000,
		HasValidGPURenderingDuration: true,
	})

	// Constant damage: ask for the next frame as soon as this one is
	// on screen.
	if err := out.ScheduleUpdate(); err != nil {
		d.log.Output(d.cfg.Name).Errorf("Rescheduling after presentation: %v", err)
	}
}

// sleepUntil blocks until the monotonic time passes t. It returns false
// when the display is shutting down.
func (d *simDisplay) sleepUntil(t int64) bool {
	for {
		nowUs := int64(d.mono.Now())
		if nowUs >= t {
			return true
		}
		select {
		case <-d.stop:
			return false
		case <-sleepTimer(t - nowUs):
		}
	}
}

func sleepTimer(us int64) <-chan time.Time {
	return time.After(time.Duration(us) * time.Microsecond)
}

// animTimeline is a continuously running animation driven by the clock's
// predicted presentation times.
type animTimeline struct {
	mu        sync.Mutex
	ticks     int64
	lastMs    int64
	firstMs   int64
	hasFirst  bool
	outputLog string
}

// Tick advances the animation to the given presentation time.
func (a *animTimeline) Tick(presentationTimeMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ticks++
	a.lastMs = presentationTimeMs
	if !a.hasFirst {
		a.firstMs = presentationTimeMs
		a.hasFirst = true
	}
}

// Progress returns tick count and the animated time span in ms.
func (a *animTimeline) Progress() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ticks, a.lastMs - a.firstMs
}
