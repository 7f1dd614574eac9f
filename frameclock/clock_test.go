package frameclock

import (
	"errors"
	"testing"

	"github.com/NaveLIL/erez-frameclock/models"
	"github.com/NaveLIL/erez-frameclock/monotime"
	"github.com/NaveLIL/erez-frameclock/wakeup"
)

type testListener struct {
	result      DispatchResult
	beforeCount int
	frameCount  int
	lastFrame   *Frame
	events      *[]string
}

func (l *testListener) BeforeFrame(f *Frame) {
	l.beforeCount++
	if l.events != nil {
		*l.events = append(*l.events, "before")
	}
}

func (l *testListener) Frame(f *Frame) DispatchResult {
	l.frameCount++
	l.lastFrame = f
	if l.events != nil {
		*l.events = append(*l.events, "frame")
	}
	return l.result
}

type recordTimeline struct {
	ticks  []int64
	events *[]string
}

func (tl *recordTimeline) Tick(presentationTimeMs int64) {
	tl.ticks = append(tl.ticks, presentationTimeMs)
	if tl.events != nil {
		*tl.events = append(*tl.events, "tick")
	}
}

type captureRecorder struct {
	timings []models.FrameTiming
}

func (r *captureRecorder) RecordTiming(t models.FrameTiming) {
	r.timings = append(r.timings, t)
}

func newTestClock(t *testing.T, cfg Config) (*Clock, *monotime.Simulated, *wakeup.Manual, *testListener) {
	t.Helper()

	sim := monotime.NewSimulated(0)
	src := wakeup.NewManual()
	listener := &testListener{result: ResultPendingPresented}

	if cfg.Name == "" {
		cfg.Name = "test-output"
	}
	if cfg.RefreshRate == 0 {
		cfg.RefreshRate = 60.0
	}
	cfg.Source = src
	cfg.Clock = sim
	cfg.Listener = listener

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c, sim, src, listener
}

// fireAndDispatch simulates the wakeup firing at the armed time.
func fireAndDispatch(t *testing.T, c *Clock, sim *monotime.Simulated, src *wakeup.Manual) {
	t.Helper()

	at, armed := src.Armed()
	if !armed {
		t.Fatal("Expected an armed wakeup")
	}
	if at > sim.Now() {
		sim.Set(at)
	}
	src.Fire(at)
	c.Dispatch(<-src.Fires())
}

// presentFirstFrame drives the cold-start frame through dispatch and
// presentation so the clock has presentation history.
func presentFirstFrame(t *testing.T, c *Clock, sim *monotime.Simulated, src *wakeup.Manual, presentationTimeUs int64) {
	t.Helper()

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	c.NotifyPresented(FrameInfo{PresentationTimeUs: presentationTimeUs})

	if c.State() != StateIdle {
		t.Fatalf("Expected idle after first presentation, got %v", c.State())
	}
}

func TestColdStartSchedulesImmediately(t *testing.T) {
	c, _, src, _ := newTestClock(t, Config{})

	if c.State() != StateInit {
		t.Errorf("Expected init state, got %v", c.State())
	}

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}

	at, armed := src.Armed()
	if !armed {
		t.Fatal("Expected an armed wakeup")
	}
	if at != 0 {
		t.Errorf("Expected cold start wakeup at 0, got %d", at)
	}
	if c.State() != StateScheduled {
		t.Errorf("Expected scheduled state, got %v", c.State())
	}
}

func TestFixedPredictionOneIntervalAhead(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})
	presentFirstFrame(t, c, sim, src, 1000)

	sim.Set(1000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}

	snap := c.Snapshot()
	if snap.NextPresentationTimeUs != 17667 {
		t.Errorf("Expected next presentation 17667, got %d", snap.NextPresentationTimeUs)
	}
	// Fallback render budget is 0.875 of the interval.
	at, _ := src.Armed()
	if at != 3084 {
		t.Errorf("Expected wakeup at 3084, got %d", at)
	}
}

func TestFixedPredictionPhaseLocksAfterIdle(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})
	presentFirstFrame(t, c, sim, src, 1000)

	sim.Set(40000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}

	snap := c.Snapshot()
	if snap.NextPresentationTimeUs != 51001 {
		t.Errorf("Expected next presentation 51001, got %d", snap.NextPresentationTimeUs)
	}
	at, _ := src.Armed()
	if at != 40000 {
		t.Errorf("Expected wakeup floored at now 40000, got %d", at)
	}
}

func TestFixedPredictionPhaseLockProperty(t *testing.T) {
	const refreshIntervalUs = 16667
	const lastPresentation = 1000

	c, sim, _, _ := newTestClock(t, Config{})
	src := c.source.(*wakeup.Manual)
	presentFirstFrame(t, c, sim, src, lastPresentation)

	for i := 0; i < 100; i++ {
		now := int64(lastPresentation + i*refreshIntervalUs + i*137)
		sim.Set(monotime.Time(now))

		if i == 0 {
			if err := c.ScheduleUpdate(); err != nil {
				t.Fatalf("ScheduleUpdate failed: %v", err)
			}
		} else {
			c.Inhibit()
			c.Uninhibit()
		}

		next := c.Snapshot().NextPresentationTimeUs
		if (next-lastPresentation)%refreshIntervalUs != 0 {
			t.Fatalf("Prediction at now=%d not phase locked: %d", now, next)
		}
		if next <= now {
			t.Fatalf("Prediction at now=%d not in the future: %d", now, next)
		}
	}
}

func TestScheduleUpdateIdempotent(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})
	presentFirstFrame(t, c, sim, src, 1000)

	sim.Set(1000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	arms := src.ArmCount()
	at, _ := src.Armed()

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	if src.ArmCount() != arms {
		t.Errorf("Expected no additional arm, got %d arms", src.ArmCount())
	}
	at2, _ := src.Armed()
	if at2 != at {
		t.Errorf("Expected wakeup time unchanged at %d, got %d", at, at2)
	}
	if c.NextUpdateTimeUs() != int64(at) {
		t.Errorf("Expected next update %d, got %d", at, c.NextUpdateTimeUs())
	}
}

func TestScheduleUpdateIdempotentWhileDispatched(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})
	presentFirstFrame(t, c, sim, src, 1000)

	sim.Set(1000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	if c.State() != StateDispatchedOne {
		t.Fatalf("Expected dispatched-one, got %v", c.State())
	}

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	if c.State() != StateDispatchedOneAndScheduled {
		t.Fatalf("Expected dispatched-one-and-scheduled, got %v", c.State())
	}
	arms := src.ArmCount()

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	if src.ArmCount() != arms {
		t.Errorf("Expected no additional arm, got %d arms", src.ArmCount())
	}
}

func TestInhibitReplayMatchesDirectSchedule(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})
	presentFirstFrame(t, c, sim, src, 1000)

	sim.Set(5000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	directAt, _ := src.Armed()
	directState := c.State()

	// Inhibiting tears the schedule down and latches it; uninhibiting
	// must reproduce the exact same wakeup.
	for depth := 1; depth <= 3; depth++ {
		for i := 0; i < depth; i++ {
			c.Inhibit()
		}
		if _, armed := src.Armed(); armed {
			t.Fatal("Expected wakeup disarmed while inhibited")
		}
		if c.State() != StateIdle {
			t.Fatalf("Expected idle while inhibited, got %v", c.State())
		}
		for i := 0; i < depth; i++ {
			c.Uninhibit()
		}

		replayAt, armed := src.Armed()
		if !armed {
			t.Fatal("Expected wakeup rearmed after uninhibit")
		}
		if replayAt != directAt {
			t.Errorf("Expected replayed wakeup at %d, got %d", directAt, replayAt)
		}
		if c.State() != directState {
			t.Errorf("Expected state %v after replay, got %v", directState, c.State())
		}
	}
}

func TestUninhibitWithoutInhibit(t *testing.T) {
	c, _, src, _ := newTestClock(t, Config{})

	c.Uninhibit()

	if c.State() != StateInit {
		t.Errorf("Expected state unchanged, got %v", c.State())
	}
	if src.ArmCount() != 0 {
		t.Errorf("Expected no arms, got %d", src.ArmCount())
	}
}

func TestAtMostTwoFramesInFlight(t *testing.T) {
	c, sim, src, listener := newTestClock(t, Config{
		TripleBuffering: TripleBufferingAlways,
	})

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	if c.State() != StateDispatchedOne {
		t.Fatalf("Expected dispatched-one, got %v", c.State())
	}

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	if c.State() != StateDispatchedOneAndScheduledNow {
		t.Fatalf("Expected dispatched-one-and-scheduled-now, got %v", c.State())
	}
	fireAndDispatch(t, c, sim, src)
	if c.State() != StateDispatchedTwo {
		t.Fatalf("Expected dispatched-two, got %v", c.State())
	}

	// A third frame must never enter flight.
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	if c.State() != StateDispatchedTwo {
		t.Errorf("Expected dispatched-two after schedule, got %v", c.State())
	}
	if _, armed := src.Armed(); armed {
		t.Error("Expected no wakeup armed with two frames in flight")
	}

	c.Dispatch(sim.Now())
	if c.State() != StateDispatchedTwo {
		t.Errorf("Expected dispatch in dispatched-two to be a no-op, got %v", c.State())
	}
	if listener.frameCount != 2 {
		t.Errorf("Expected 2 frames dispatched, got %d", listener.frameCount)
	}

	// Resolving one frame replays the deferred schedule; with the
	// always policy that means an immediate wakeup again.
	c.NotifyPresented(FrameInfo{PresentationTimeUs: int64(sim.Now())})
	if c.State() != StateDispatchedOneAndScheduledNow {
		t.Errorf("Expected replayed schedule after presentation, got %v", c.State())
	}
}

func TestTripleBufferingNeverDefers(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{
		TripleBuffering: TripleBufferingNever,
	})

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	arms := src.ArmCount()

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	if c.State() != StateDispatchedOne {
		t.Errorf("Expected dispatched-one to persist, got %v", c.State())
	}
	if src.ArmCount() != arms {
		t.Errorf("Expected no additional arm, got %d", src.ArmCount())
	}

	// The deferred request replays once the frame resolves.
	c.NotifyPresented(FrameInfo{PresentationTimeUs: 1000})
	if c.State() != StateScheduled {
		t.Errorf("Expected scheduled after replay, got %v", c.State())
	}
}

func TestTripleBufferingAutoBlockedByDirectScanout(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{
		TripleBuffering: TripleBufferingAuto,
	})

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	c.RecordFlipTime(int64(sim.Now())+500, FlipHintDirectScanout)

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	if c.State() != StateDispatchedOne {
		t.Errorf("Expected direct scanout to defer buffering, got %v", c.State())
	}
}

func TestTripleBufferingUnknownPolicyTreatedAsAuto(t *testing.T) {
	c, _, _, _ := newTestClock(t, Config{
		TripleBuffering: TripleBufferingPolicy(99),
	})

	if !c.canTripleBuffer() {
		t.Error("Expected unknown policy to behave like auto in fixed mode")
	}

	c.SetMode(ModeVariable)
	if c.canTripleBuffer() {
		t.Error("Expected unknown policy to behave like auto in variable mode")
	}
}

func TestDispatchResultIdleCollapses(t *testing.T) {
	c, sim, src, listener := newTestClock(t, Config{})
	listener.result = ResultIdle

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)

	if c.State() != StateIdle {
		t.Errorf("Expected idle after idle result, got %v", c.State())
	}
}

func TestTimelineKeepsClockRunning(t *testing.T) {
	c, sim, src, listener := newTestClock(t, Config{})
	listener.result = ResultIdle

	tl := &recordTimeline{}
	c.AddTimeline(tl)

	if c.State() != StateScheduled {
		t.Fatalf("Expected adding a timeline to schedule, got %v", c.State())
	}
	fireAndDispatch(t, c, sim, src)

	// Idle result with a registered timeline reschedules instead of
	// going idle.
	if c.State() != StateScheduled {
		t.Errorf("Expected rescheduled state, got %v", c.State())
	}
	if len(tl.ticks) != 1 {
		t.Errorf("Expected 1 timeline tick, got %d", len(tl.ticks))
	}

	c.RemoveTimeline(tl)
	c.RemoveTimeline(tl)
}

func TestAddTimelineIsIdempotent(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})
	presentFirstFrame(t, c, sim, src, 1000)

	tl := &recordTimeline{}
	c.AddTimeline(tl)
	armCount := src.ArmCount()
	c.AddTimeline(tl)

	if src.ArmCount() != armCount {
		t.Errorf("Expected re-adding a timeline not to reschedule, got %d arms", src.ArmCount())
	}

	fireAndDispatch(t, c, sim, src)
	if len(tl.ticks) != 1 {
		t.Errorf("Expected 1 tick per dispatch, got %d", len(tl.ticks))
	}

	c.RemoveTimeline(tl)
	if c.hasTimelines() {
		t.Error("Expected timeline fully removed after a single remove")
	}
}

func TestTimelineTicksAtPredictedPresentation(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})
	presentFirstFrame(t, c, sim, src, 1000)

	tl := &recordTimeline{}
	c.AddTimeline(tl)
	fireAndDispatch(t, c, sim, src)

	if len(tl.ticks) != 1 {
		t.Fatalf("Expected 1 tick, got %d", len(tl.ticks))
	}
	if tl.ticks[0] != 17667/1000 {
		t.Errorf("Expected tick at predicted presentation 17 ms, got %d", tl.ticks[0])
	}
}

func TestDispatchOrdering(t *testing.T) {
	var events []string

	c, sim, src, listener := newTestClock(t, Config{})
	listener.events = &events
	presentFirstFrame(t, c, sim, src, 1000)
	events = events[:0]

	tl := &recordTimeline{events: &events}
	c.AddTimeline(tl)
	fireAndDispatch(t, c, sim, src)

	want := []string{"before", "tick", "frame"}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %v", len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Expected event %d to be %q, got %q", i, want[i], events[i])
		}
	}
}

func TestDispatchLatenessClamping(t *testing.T) {
	rec := &captureRecorder{}
	c, sim, src, _ := newTestClock(t, Config{Recorder: rec})
	presentFirstFrame(t, c, sim, src, 1000)

	sim.Set(1000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	at, _ := src.Armed()

	// Slightly late dispatch counts as lateness.
	sim.Set(at + 100)
	src.Fire(sim.Now())
	c.Dispatch(<-src.Fires())
	c.NotifyPresented(FrameInfo{PresentationTimeUs: 17667})

	if len(rec.timings) != 2 {
		t.Fatalf("Expected 2 timing records, got %d", len(rec.timings))
	}
	if rec.timings[1].LatenessUs != 100 {
		t.Errorf("Expected lateness 100, got %d", rec.timings[1].LatenessUs)
	}

	// A quarter interval or more is a glitch, not lateness.
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	at, _ = src.Armed()
	sim.Set(at + 5000)
	src.Fire(sim.Now())
	c.Dispatch(<-src.Fires())
	c.NotifyPresented(FrameInfo{PresentationTimeUs: int64(sim.Now()) + 1000})

	if rec.timings[2].LatenessUs != 0 {
		t.Errorf("Expected glitch lateness clamped to 0, got %d", rec.timings[2].LatenessUs)
	}
}

func TestVsyncGatedIdleDispatchesNow(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	c.NotifyPresented(FrameInfo{
		PresentationTimeUs: 1000,
		Flags:              FrameInfoFlagVSync,
	})

	sim.Set(5000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}

	if c.State() != StateScheduledNow {
		t.Errorf("Expected scheduled-now, got %v", c.State())
	}
	at, _ := src.Armed()
	if at != 5000 {
		t.Errorf("Expected immediate wakeup at 5000, got %d", at)
	}
}

func TestVariableModeHeartbeatWithoutMeasurements(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{
		Mode:           ModeVariable,
		MinRefreshRate: 30.0,
	})
	presentFirstFrame(t, c, sim, src, 1000)

	sim.Set(40000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}

	// 30 Hz floor: 1000 + 33333 is in the past, so one more interval.
	at, _ := src.Armed()
	if at != 67666 {
		t.Errorf("Expected heartbeat wakeup at 67666, got %d", at)
	}
	snap := c.Snapshot()
	if snap.NextPresentationTimeUs != 0 {
		t.Errorf("Expected no presentation prediction, got %d", snap.NextPresentationTimeUs)
	}
}

func TestVariableModeUsesRenderBudget(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{
		Mode:           ModeVariable,
		MinRefreshRate: 30.0,
	})

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	c.NotifyPresented(FrameInfo{
		PresentationTimeUs:           1000,
		CPUTimeBeforeBufferSwapUs:    2000,
		HasValidGPURenderingDuration: true,
		GPURenderingDurationNs:       3_000_000,
	})

	sim.Set(1000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}

	// Budget is 2000 + 3000 measured plus the 2000 jitter constant.
	at, _ := src.Armed()
	if at != 17667-7000 {
		t.Errorf("Expected wakeup at 10667, got %d", at)
	}
	snap := c.Snapshot()
	if snap.NextPresentationTimeUs != 17667 {
		t.Errorf("Expected next presentation 17667, got %d", snap.NextPresentationTimeUs)
	}
}

func TestRefreshRateUpdateFromPresentation(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	c.NotifyPresented(FrameInfo{
		PresentationTimeUs: 1000,
		RefreshRate:        120.0,
	})

	if c.RefreshRate() != 120.0 {
		t.Errorf("Expected refresh rate 120, got %f", c.RefreshRate())
	}
	if c.Priority() != 120000 {
		t.Errorf("Expected priority 120000, got %d", c.Priority())
	}
}

func TestRefreshRateBelowOneIgnored(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	c.NotifyPresented(FrameInfo{PresentationTimeUs: 1000, RefreshRate: 0.5})

	if c.RefreshRate() != 60.0 {
		t.Errorf("Expected refresh rate unchanged at 60, got %f", c.RefreshRate())
	}
}

func TestNotifyReadyCollapsesWithoutMeasurements(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)

	c.NotifyReady()
	if c.State() != StateIdle {
		t.Errorf("Expected idle after ready, got %v", c.State())
	}
	if c.estimator.everGotMeasurements {
		t.Error("Expected ready feedback to record no measurements")
	}
}

func TestNotifyPresentedWithNoneInFlight(t *testing.T) {
	c, _, _, _ := newTestClock(t, Config{})

	c.NotifyPresented(FrameInfo{PresentationTimeUs: 1000})

	if c.State() != StateInit {
		t.Errorf("Expected state unchanged, got %v", c.State())
	}
}

func TestDestroyWithFrameInFlight(t *testing.T) {
	c, sim, src, listener := newTestClock(t, Config{})

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	if _, armed := src.Armed(); !armed {
		t.Fatal("Expected an armed wakeup before destroy")
	}

	destroyCount := 0
	c.OnDestroy(func() {
		destroyCount++
		// Recursive destruction must not notify twice.
		c.Destroy()
	})

	c.Destroy()
	c.Destroy()

	if destroyCount != 1 {
		t.Errorf("Expected exactly 1 destroy notification, got %d", destroyCount)
	}
	if _, armed := src.Armed(); armed {
		t.Error("Expected wakeup disarmed after destroy")
	}

	// No entry point may reach the listener anymore.
	frames := listener.frameCount
	if err := c.ScheduleUpdate(); err != nil {
		t.Errorf("ScheduleUpdate after destroy failed: %v", err)
	}
	c.Dispatch(sim.Now())
	c.NotifyPresented(FrameInfo{PresentationTimeUs: 1000})
	c.NotifyReady()

	if listener.frameCount != frames {
		t.Errorf("Expected no listener calls after destroy, got %d new", listener.frameCount-frames)
	}
	if src.ArmCount() != 2 {
		t.Errorf("Expected no arms after destroy, got %d", src.ArmCount())
	}
}

func TestScheduleUpdateArmFailure(t *testing.T) {
	c, _, src, _ := newTestClock(t, Config{})

	src.FailArms(errors.New("timer gone"))
	if err := c.ScheduleUpdate(); err == nil {
		t.Error("Expected arm failure to surface as an error")
	}
}

func TestSetListenerTwiceIgnored(t *testing.T) {
	c, sim, src, listener := newTestClock(t, Config{})

	other := &testListener{result: ResultIdle}
	c.SetListener(other)

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)

	if listener.frameCount != 1 {
		t.Errorf("Expected original listener to receive the frame, got %d", listener.frameCount)
	}
	if other.frameCount != 0 {
		t.Errorf("Expected second listener ignored, got %d frames", other.frameCount)
	}
}

func TestSetModeReschedules(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{MinRefreshRate: 30.0})
	presentFirstFrame(t, c, sim, src, 1000)

	sim.Set(40000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}

	c.SetMode(ModeVariable)

	if c.Mode() != ModeVariable {
		t.Errorf("Expected variable mode, got %v", c.Mode())
	}
	if c.State() != StateScheduled {
		t.Errorf("Expected rescheduled state, got %v", c.State())
	}
	// No measurements yet, so the variable predictor falls back to the
	// minimum refresh heartbeat.
	at, _ := src.Armed()
	if at != 67666 {
		t.Errorf("Expected heartbeat wakeup at 67666, got %d", at)
	}
}

func TestMaxRenderTimeDebugString(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})

	got := c.MaxRenderTimeDebugString()
	if got != "14583 us (fixed fallback)" {
		t.Errorf("Expected fallback budget description, got %q", got)
	}

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	fireAndDispatch(t, c, sim, src)
	c.NotifyPresented(FrameInfo{
		PresentationTimeUs:           1000,
		CPUTimeBeforeBufferSwapUs:    2000,
		HasValidGPURenderingDuration: true,
		GPURenderingDurationNs:       3_000_000,
	})

	got = c.MaxRenderTimeDebugString()
	if got != "7000 us (estimate 5000 + vblank 0 + constant 2000)" {
		t.Errorf("Expected measured budget description, got %q", got)
	}
}

func TestEarlyPresentationSkipsInterval(t *testing.T) {
	c, sim, src, _ := newTestClock(t, Config{})
	presentFirstFrame(t, c, sim, src, 1000)

	sim.Set(1000)
	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}
	// Predicted presentation is 17667, but the frame made the vblank a
	// whole interval earlier than predicted.
	fireAndDispatch(t, c, sim, src)
	c.NotifyPresented(FrameInfo{PresentationTimeUs: 1100})

	if err := c.ScheduleUpdate(); err != nil {
		t.Fatalf("ScheduleUpdate failed: %v", err)
	}

	// The naive candidate 1100+16667 lands just after the previous
	// prediction, so the clock skips ahead one more interval.
	snap := c.Snapshot()
	if snap.NextPresentationTimeUs != 17667+16667 {
		t.Errorf("Expected next presentation %d, got %d", 17667+16667, snap.NextPresentationTimeUs)
	}
}
