// Package frameclock implements a per-output adaptive frame scheduler.
// Each clock decides when to wake up rendering so that a finished frame
// reaches the display just before its vblank, adapting to measured render
// latency, variable refresh rate and triple buffering.
package frameclock

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NaveLIL/erez-frameclock/logger"
	"github.com/NaveLIL/erez-frameclock/models"
	"github.com/NaveLIL/erez-frameclock/monotime"
	"github.com/NaveLIL/erez-frameclock/wakeup"
)

// TimingRecorder receives one record per resolved frame.
type TimingRecorder interface {
	RecordTiming(models.FrameTiming)
}

// Config describes one output's clock.
type Config struct {
	// Name identifies the output in logs and timing records.
	Name string
	// RefreshRate is the display refresh rate in Hz.
	RefreshRate float32
	// MinRefreshRate is the lowest rate a variable refresh rate display
	// will fall to; 0 means same as RefreshRate.
	MinRefreshRate float32
	// VblankDurationUs is the vertical blanking duration.
	VblankDurationUs int64
	// Mode selects the prediction algorithm.
	Mode Mode
	// TripleBuffering controls double frame dispatch.
	TripleBuffering TripleBufferingPolicy
	// DisableDynamicMaxRenderTime pins the render-time budget to the
	// fallback fraction of the refresh interval.
	DisableDynamicMaxRenderTime bool
	// Source is the wakeup primitive; required.
	Source wakeup.Source
	// Clock is the monotonic time source; nil means the system clock.
	Clock monotime.Clock
	// Listener produces frames; may also be set later with SetListener.
	Listener FrameListener
	// Recorder, if set, receives a timing record per resolved frame.
	Recorder TimingRecorder
}

// frameRecord is the per-dispatch bookkeeping needed to resolve a frame
// later. With two frames in flight the older one lives in prev.
type frameRecord struct {
	count                    int64
	dispatchTimeUs           int64
	latenessUs               int64
	deadlineEvasionUs        int64
	flipTimeUs               int64
	hasTarget                bool
	targetPresentationTimeUs int64
}

// Clock schedules frame dispatches for a single output. It is not safe
// for concurrent use; all calls must come from the goroutine that owns
// the output's dispatch loop.
type Clock struct {
	name string
	log  *logrus.Entry

	source   wakeup.Source
	clock    monotime.Clock
	listener FrameListener
	recorder TimingRecorder

	mode                        Mode
	state                       State
	tripleBuffering             TripleBufferingPolicy
	disableDynamicMaxRenderTime bool

	refreshRate              float32
	refreshIntervalUs        int64
	minimumRefreshIntervalUs int64
	vblankDurationUs         int64

	estimator durationEstimator

	frameCount int64
	last       frameRecord
	prev       frameRecord

	lastFlipHints FlipHint

	lastPresentationTimeUs int64
	lastPresentationFlags  FrameInfoFlag

	nextUpdateTimeUs        int64
	hasNextPresentationTime bool
	nextPresentationTimeUs  int64
	hasNextFrameDeadline    bool
	nextFrameDeadlineUs     int64

	inhibitCount         int
	pendingReschedule    bool
	pendingRescheduleNow bool

	timelines []Timeline

	destroyed bool
	onDestroy []func()
}

// New creates a clock for one output. The clock starts in the Init state
// and dispatches nothing until ScheduleUpdate is called.
func New(cfg Config) (*Clock, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("frameclock: wakeup source is required")
	}
	if cfg.RefreshRate <= 0 {
		return nil, fmt.Errorf("frameclock: invalid refresh rate %f", cfg.RefreshRate)
	}
	mono := cfg.Clock
	if mono == nil {
		mono = monotime.System{}
	}
	minRate := cfg.MinRefreshRate
	if minRate <= 0 {
		minRate = cfg.RefreshRate
	}

	c := &Clock{
		name:                        cfg.Name,
		log:                         logger.Get().Clock(cfg.Name),
		source:                      cfg.Source,
		clock:                       mono,
		listener:                    cfg.Listener,
		recorder:                    cfg.Recorder,
		mode:                        cfg.Mode,
		state:                       StateInit,
		tripleBuffering:             cfg.TripleBuffering,
		disableDynamicMaxRenderTime: cfg.DisableDynamicMaxRenderTime,
		vblankDurationUs:            cfg.VblankDurationUs,
		minimumRefreshIntervalUs:    int64(0.5 + 1_000_000/float64(minRate)),
	}
	c.setRefreshRate(cfg.RefreshRate)
	return c, nil
}

// SetListener installs the frame listener. Installing a second listener
// is a programming error and is ignored.
func (c *Clock) SetListener(l FrameListener) {
	if c.listener != nil {
		c.log.Warn("listener already set, ignoring")
		return
	}
	c.listener = l
}

// OnDestroy registers a handler invoked exactly once when the clock is
// destroyed.
func (c *Clock) OnDestroy(fn func()) {
	c.onDestroy = append(c.onDestroy, fn)
}

// Name returns the output name.
func (c *Clock) Name() string {
	return c.name
}

// Mode returns the current prediction mode.
func (c *Clock) Mode() Mode {
	return c.mode
}

// State returns the current dispatch state.
func (c *Clock) State() State {
	return c.state
}

// RefreshRate returns the display refresh rate in Hz.
func (c *Clock) RefreshRate() float32 {
	return c.refreshRate
}

// Priority orders outputs in a host event loop; faster displays win.
func (c *Clock) Priority() int {
	return int(0.5 + float64(c.refreshRate)*1000)
}

// NextUpdateTimeUs returns the currently armed wakeup time.
func (c *Clock) NextUpdateTimeUs() int64 {
	return c.nextUpdateTimeUs
}

func (c *Clock) setRefreshRate(rate float32) {
	c.refreshRate = rate
	c.refreshIntervalUs = int64(0.5 + 1_000_000/float64(rate))
}

// SetMode switches the prediction algorithm. A pending schedule is torn
// down and replayed so the wakeup time is recomputed under the new mode.
func (c *Clock) SetMode(mode Mode) {
	if c.destroyed || c.mode == mode {
		return
	}
	c.mode = mode

	switch c.state {
	case StateInit, StateIdle, StateDispatchedOne, StateDispatchedTwo:
		return
	case StateScheduled:
		c.pendingReschedule = true
		c.state = StateIdle
	case StateScheduledNow:
		c.pendingReschedule = true
		c.pendingRescheduleNow = true
		c.state = StateIdle
	case StateDispatchedOneAndScheduled:
		c.pendingReschedule = true
		c.state = StateDispatchedOne
	case StateDispatchedOneAndScheduledNow:
		c.pendingReschedule = true
		c.pendingRescheduleNow = true
		c.state = StateDispatchedOne
	}
	c.source.Disarm()
	c.maybeReschedule()
}

// canTripleBuffer reports whether a second frame may be dispatched while
// one is in flight.
func (c *Clock) canTripleBuffer() bool {
	switch c.tripleBuffering {
	case TripleBufferingNever:
		return false
	case TripleBufferingAlways:
		return true
	case TripleBufferingAuto:
	default:
		c.log.WithField("policy", int(c.tripleBuffering)).
			Warn("unknown triple buffering policy, treating as auto")
	}
	return c.mode == ModeFixed &&
		c.lastFlipHints&FlipHintDirectScanout == 0
}

// arm commits a wakeup time. Arm failures are fatal for the output and
// are returned to the caller.
func (c *Clock) arm(timeUs int64) error {
	c.nextUpdateTimeUs = timeUs
	if err := c.source.Arm(monotime.Time(timeUs)); err != nil {
		return fmt.Errorf("arming wakeup for %s: %w", c.name, err)
	}
	return nil
}

// armNow arms an immediate wakeup with no presentation prediction.
func (c *Clock) armNow(nowUs int64) error {
	c.hasNextPresentationTime = false
	c.hasNextFrameDeadline = false
	return c.arm(nowUs)
}

// armPredicted arms a wakeup from a prediction.
func (c *Clock) armPredicted(p prediction) error {
	c.hasNextPresentationTime = p.hasNextPresentationTime
	c.nextPresentationTimeUs = p.nextPresentationTimeUs
	c.hasNextFrameDeadline = p.hasNextFrameDeadline
	c.nextFrameDeadlineUs = p.nextFrameDeadlineUs
	return c.arm(p.nextUpdateTimeUs)
}

// ScheduleUpdate requests a dispatch at the next predicted update time.
// It is idempotent while a wakeup is already pending. The returned error
// is non-nil only if the wakeup primitive failed to arm.
func (c *Clock) ScheduleUpdate() error {
	if c.destroyed {
		return nil
	}
	if c.inhibitCount > 0 {
		c.pendingReschedule = true
		return nil
	}

	now := c.clock.Now()

	switch c.state {
	case StateInit:
		c.state = StateScheduled
		return c.armNow(int64(now))
	case StateIdle:
		// A vsync-gated output with nothing animating has no cadence
		// to keep; dispatch right away to minimize input latency.
		if c.mode == ModeFixed &&
			c.lastPresentationTimeUs != 0 &&
			c.lastPresentationFlags&FrameInfoFlagVSync != 0 &&
			!c.hasTimelines() {
			p := c.calculateNextUpdateFixed(now)
			p.nextUpdateTimeUs = int64(now)
			c.state = StateScheduledNow
			return c.armPredicted(p)
		}
		c.state = StateScheduled
		return c.armPredicted(c.calculateNextUpdate(now))
	case StateScheduled, StateScheduledNow:
		return nil
	case StateDispatchedOne:
		if !c.canTripleBuffer() {
			c.pendingReschedule = true
			return nil
		}
		if c.tripleBuffering == TripleBufferingAlways {
			c.state = StateDispatchedOneAndScheduledNow
			return c.armNow(int64(now))
		}
		c.state = StateDispatchedOneAndScheduled
		return c.armPredicted(c.calculateNextUpdate(now))
	case StateDispatchedOneAndScheduled, StateDispatchedOneAndScheduledNow:
		return nil
	case StateDispatchedTwo:
		c.pendingReschedule = true
		return nil
	}

	c.log.WithField("state", c.state).Warn("schedule update in unknown state")
	return nil
}

// ScheduleUpdateNow requests an immediate dispatch, bypassing prediction.
// In-flight limits still apply. The returned error is non-nil only if the
// wakeup primitive failed to arm.
func (c *Clock) ScheduleUpdateNow() error {
	if c.destroyed {
		return nil
	}
	if c.inhibitCount > 0 {
		c.pendingReschedule = true
		c.pendingRescheduleNow = true
		return nil
	}

	now := c.clock.Now()

	switch c.state {
	case StateInit, StateIdle, StateScheduled:
		c.state = StateScheduledNow
		return c.armNow(int64(now))
	case StateScheduledNow:
		return nil
	case StateDispatchedOne:
		if !c.canTripleBuffer() {
			c.pendingReschedule = true
			c.pendingRescheduleNow = true
			return nil
		}
		c.state = StateDispatchedOneAndScheduledNow
		return c.armNow(int64(now))
	case StateDispatchedOneAndScheduled:
		c.state = StateDispatchedOneAndScheduledNow
		return c.armNow(int64(now))
	case StateDispatchedOneAndScheduledNow:
		return nil
	case StateDispatchedTwo:
		c.pendingReschedule = true
		c.pendingRescheduleNow = true
		return nil
	}

	c.log.WithField("state", c.state).Warn("schedule update now in unknown state")
	return nil
}

// Inhibit pauses scheduling. While inhibited, the wakeup stays disarmed
// and scheduling requests are latched for replay. Calls nest.
func (c *Clock) Inhibit() {
	if c.destroyed {
		return
	}
	c.inhibitCount++
	if c.inhibitCount > 1 {
		return
	}

	switch c.state {
	case StateInit, StateIdle, StateDispatchedOne, StateDispatchedTwo:
	case StateScheduled:
		c.pendingReschedule = true
		c.state = StateIdle
	case StateScheduledNow:
		c.pendingReschedule = true
		c.pendingRescheduleNow = true
		c.state = StateIdle
	case StateDispatchedOneAndScheduled:
		c.pendingReschedule = true
		c.state = StateDispatchedOne
	case StateDispatchedOneAndScheduledNow:
		c.pendingReschedule = true
		c.pendingRescheduleNow = true
		c.state = StateDispatchedOne
	}
	c.source.Disarm()
}

// Uninhibit undoes one Inhibit; dropping to zero replays any latched
// scheduling request. Calling it with no matching Inhibit is a
// programming error and is ignored.
func (c *Clock) Uninhibit() {
	if c.destroyed {
		return
	}
	if c.inhibitCount == 0 {
		c.log.Warn("uninhibit without matching inhibit")
		return
	}
	c.inhibitCount--
	if c.inhibitCount == 0 {
		c.maybeReschedule()
	}
}

// maybeReschedule replays a latched scheduling request, or keeps the
// clock running while timelines need ticking.
func (c *Clock) maybeReschedule() {
	if c.inhibitCount > 0 {
		return
	}
	if !c.pendingReschedule && !c.hasTimelines() {
		return
	}
	c.pendingReschedule = false

	var err error
	if c.pendingRescheduleNow {
		c.pendingRescheduleNow = false
		err = c.ScheduleUpdateNow()
	} else {
		err = c.ScheduleUpdate()
	}
	if err != nil {
		c.log.WithError(err).Error("replaying latched schedule failed")
	}
}

// Dispatch runs one frame. It is called by the owning loop when the
// wakeup fires, with the fire time on the monotonic timebase.
func (c *Clock) Dispatch(now monotime.Time) {
	if c.destroyed {
		return
	}
	nowUs := int64(now)

	latenessUs := nowUs - c.nextUpdateTimeUs
	if latenessUs < 0 || latenessUs >= c.refreshIntervalUs/4 {
		latenessUs = 0
	}

	c.source.Disarm()

	switch c.state {
	case StateScheduled, StateScheduledNow:
		c.state = StateDispatchedOne
	case StateDispatchedOneAndScheduled, StateDispatchedOneAndScheduledNow:
		c.prev = c.last
		c.state = StateDispatchedTwo
	case StateInit, StateIdle, StateDispatchedOne, StateDispatchedTwo:
		c.log.WithField("state", c.state).Warn("dispatch in non-scheduled state")
		return
	}

	var deadlineEvasionUs int64
	if c.hasNextFrameDeadline && nowUs > c.nextFrameDeadlineUs {
		deadlineEvasionUs = nowUs - c.nextFrameDeadlineUs
	}

	c.frameCount++
	c.last = frameRecord{
		count:                    c.frameCount,
		dispatchTimeUs:           nowUs,
		latenessUs:               latenessUs,
		deadlineEvasionUs:        deadlineEvasionUs,
		hasTarget:                c.hasNextPresentationTime,
		targetPresentationTimeUs: c.nextPresentationTimeUs,
	}

	if c.listener == nil {
		c.log.Warn("dispatch without listener")
		c.resolveOne()
		return
	}

	var frame *Frame
	if alloc, ok := c.listener.(FrameAllocator); ok {
		frame = alloc.NewFrame()
	}
	if frame == nil {
		frame = &Frame{}
	}
	frame.Count = c.frameCount
	frame.HasTargetPresentationTime = c.hasNextPresentationTime
	frame.TargetPresentationTimeUs = c.nextPresentationTimeUs
	frame.HasFrameDeadline = c.hasNextFrameDeadline
	frame.FrameDeadlineUs = c.nextFrameDeadlineUs

	c.listener.BeforeFrame(frame)

	// Animations sample the instant the frame will be seen, not the
	// instant it is produced.
	timelineTimeUs := nowUs
	if c.hasNextPresentationTime {
		timelineTimeUs = c.nextPresentationTimeUs
	}
	c.advanceTimelines(timelineTimeUs / 1000)

	if c.destroyed {
		return
	}

	result := c.listener.Frame(frame)
	frame.Result = result

	switch result {
	case ResultPendingPresented:
	case ResultIdle:
		c.resolveOne()
	}
}

// resolveOne collapses the state machine by one in-flight frame and
// replays any latched scheduling request.
func (c *Clock) resolveOne() {
	switch c.state {
	case StateDispatchedOne:
		c.state = StateIdle
	case StateDispatchedOneAndScheduled:
		c.state = StateScheduled
	case StateDispatchedOneAndScheduledNow:
		c.state = StateScheduledNow
	case StateDispatchedTwo:
		c.state = StateDispatchedOne
	case StateInit, StateIdle, StateScheduled, StateScheduledNow:
		c.log.WithField("state", c.state).Warn("frame resolution with none in flight")
		return
	}
	c.maybeReschedule()
}

// resolvedRecord returns the bookkeeping for the frame being resolved.
// With two frames in flight the older one resolves first.
func (c *Clock) resolvedRecord() (frameRecord, bool) {
	switch c.state {
	case StateDispatchedOne, StateDispatchedOneAndScheduled, StateDispatchedOneAndScheduledNow:
		return c.last, true
	case StateDispatchedTwo:
		return c.prev, true
	case StateInit, StateIdle, StateScheduled, StateScheduledNow:
		return frameRecord{}, false
	}
	return frameRecord{}, false
}

// NotifyPresented resolves the oldest in-flight frame with presentation
// feedback, feeding the duration estimator and the timing history.
func (c *Clock) NotifyPresented(info FrameInfo) {
	if c.destroyed {
		return
	}
	rec, ok := c.resolvedRecord()
	if !ok {
		c.log.WithField("state", c.state).Warn("presentation feedback with none in flight")
		return
	}

	if info.PresentationTimeUs > 0 {
		c.lastPresentationTimeUs = info.PresentationTimeUs
	}
	c.lastPresentationFlags = info.Flags

	if info.RefreshRate > 1.0 {
		c.setRefreshRate(info.RefreshRate)
	}

	var dispatchToSwapUs, swapToGPUDoneUs, swapToFlipUs int64
	if info.HasValidGPURenderingDuration || c.estimator.everGotMeasurements {
		dispatchToSwapUs, swapToGPUDoneUs, swapToFlipUs =
			c.recordFrameMeasurements(rec, info)
	}

	c.recordTiming(rec, info.PresentationTimeUs, true,
		dispatchToSwapUs, swapToGPUDoneUs, swapToFlipUs)
	c.resolveOne()
}

// recordFrameMeasurements feeds one resolved frame into the estimator and
// returns the measured durations.
func (c *Clock) recordFrameMeasurements(rec frameRecord, info FrameInfo) (int64, int64, int64) {
	var dispatchToSwapUs, swapToGPUDoneUs, swapToFlipUs int64

	if info.CPUTimeBeforeBufferSwapUs == 0 {
		// Cursor-only update, no buffer swap and no rendering.
		if rec.flipTimeUs == 0 {
			return 0, 0, 0
		}
		swapToFlipUs = rec.flipTimeUs - rec.dispatchTimeUs
	} else {
		dispatchToSwapUs = info.CPUTimeBeforeBufferSwapUs - rec.dispatchTimeUs
		if info.HasValidGPURenderingDuration {
			swapToGPUDoneUs = info.GPURenderingDurationNs / 1000
		}
		if rec.flipTimeUs != 0 {
			swapToFlipUs = rec.flipTimeUs - info.CPUTimeBeforeBufferSwapUs
		}
	}
	if dispatchToSwapUs < 0 {
		dispatchToSwapUs = 0
	}
	if swapToFlipUs < 0 {
		swapToFlipUs = 0
	}

	c.log.WithFields(logrus.Fields{
		"frame":            rec.count,
		"lateness_us":      rec.latenessUs,
		"dispatch2swap_us": dispatchToSwapUs,
		"swap2gpudone_us":  swapToGPUDoneUs,
		"swap2flip_us":     swapToFlipUs,
	}).Debug("frame timings")

	c.estimator.addMeasurement(rec.latenessUs, dispatchToSwapUs,
		swapToGPUDoneUs, swapToFlipUs, rec.deadlineEvasionUs,
		c.refreshIntervalUs)
	c.estimator.maybePromote(c.lastPresentationTimeUs)

	return dispatchToSwapUs, swapToGPUDoneUs, swapToFlipUs
}

// NotifyReady resolves the oldest in-flight frame that produced no
// presentable content. No timing data is recorded.
func (c *Clock) NotifyReady() {
	if c.destroyed {
		return
	}
	rec, ok := c.resolvedRecord()
	if !ok {
		c.log.WithField("state", c.state).Warn("ready feedback with none in flight")
		return
	}
	c.recordTiming(rec, 0, false, 0, 0, 0)
	c.resolveOne()
}

// RecordFlipTime records when the newest dispatched frame's buffer was
// submitted to the hardware. The hints steer the triple-buffer policy.
func (c *Clock) RecordFlipTime(timeUs int64, hints FlipHint) {
	if c.destroyed {
		return
	}
	c.last.flipTimeUs = timeUs
	c.lastFlipHints = hints
}

// recordTiming hands one resolved frame to the timing recorder.
func (c *Clock) recordTiming(rec frameRecord, presentationTimeUs int64, presented bool, dispatchToSwapUs, swapToGPUDoneUs, swapToFlipUs int64) {
	if c.recorder == nil {
		return
	}
	missed := presented && rec.hasTarget &&
		presentationTimeUs > rec.targetPresentationTimeUs+c.refreshIntervalUs/2
	c.recorder.RecordTiming(models.FrameTiming{
		Output:                   c.name,
		Sequence:                 rec.count,
		DispatchTimeUs:           rec.dispatchTimeUs,
		LatenessUs:               rec.latenessUs,
		TargetPresentationTimeUs: rec.targetPresentationTimeUs,
		PresentationTimeUs:       presentationTimeUs,
		DispatchToSwapUs:         dispatchToSwapUs,
		SwapToGPUDoneUs:          swapToGPUDoneUs,
		SwapToFlipUs:             swapToFlipUs,
		Presented:                presented,
		Missed:                   missed,
		Timestamp:                time.Now(),
	})
}

// Destroy disarms the wakeup and notifies destroy handlers exactly once.
// Every entry point is a no-op afterwards.
func (c *Clock) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.source.Disarm()

	handlers := c.onDestroy
	c.onDestroy = nil
	for _, fn := range handlers {
		fn()
	}
	c.timelines = nil
}

// Snapshot is a point-in-time view of the clock for stats reporting.
type Snapshot struct {
	Name                   string
	State                  State
	Mode                   Mode
	RefreshRate            float32
	FrameCount             int64
	InFlight               int
	NextUpdateTimeUs       int64
	NextPresentationTimeUs int64
	LastPresentationTimeUs int64
	MaxRenderTimeUs        int64
}

// Snapshot returns the clock's current scheduling view.
func (c *Clock) Snapshot() Snapshot {
	return Snapshot{
		Name:                   c.name,
		State:                  c.state,
		Mode:                   c.mode,
		RefreshRate:            c.refreshRate,
		FrameCount:             c.frameCount,
		InFlight:               c.state.FramesInFlight(),
		NextUpdateTimeUs:       c.nextUpdateTimeUs,
		NextPresentationTimeUs: c.nextPresentationTimeUs,
		LastPresentationTimeUs: c.lastPresentationTimeUs,
		MaxRenderTimeUs:        c.computeMaxRenderTimeUs(),
	}
}
