package frameclock

// Mode selects the prediction algorithm for an output.
type Mode int

const (
	// ModeFixed is for displays presenting on a fixed vsync cadence.
	ModeFixed Mode = iota
	// ModeVariable is for variable-refresh-rate displays.
	ModeVariable
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeFixed:
		return "fixed"
	case ModeVariable:
		return "variable"
	}
	return "unknown"
}

// TripleBufferingPolicy controls whether a second frame may be dispatched
// while one is still in flight. It is injected at construction; hosts
// typically read one process-wide value from the environment.
type TripleBufferingPolicy int

const (
	// TripleBufferingAuto buffers a second frame only in fixed mode and
	// only when the last buffer submission was not a direct-scanout
	// attempt.
	TripleBufferingAuto TripleBufferingPolicy = iota
	// TripleBufferingNever keeps at most one frame in flight.
	TripleBufferingNever
	// TripleBufferingAlways dispatches a second frame immediately when
	// asked to while one is in flight.
	TripleBufferingAlways
)

// String returns the policy name.
func (p TripleBufferingPolicy) String() string {
	switch p {
	case TripleBufferingAuto:
		return "auto"
	case TripleBufferingNever:
		return "never"
	case TripleBufferingAlways:
		return "always"
	}
	return "unknown"
}

// DispatchResult is what the frame listener reports back from a dispatch.
type DispatchResult int

const (
	// ResultPendingPresented means a frame was submitted and the clock
	// must wait for NotifyPresented or NotifyReady.
	ResultPendingPresented DispatchResult = iota
	// ResultIdle means nothing was submitted.
	ResultIdle
)

// FrameInfoFlag is a bit set describing a presentation.
type FrameInfoFlag uint32

const (
	// FrameInfoFlagVSync marks a presentation that was gated on the
	// vertical blanking interval.
	FrameInfoFlagVSync FrameInfoFlag = 1 << iota
)

// FrameInfo carries presentation feedback for a resolved frame.
type FrameInfo struct {
	// PresentationTimeUs is when the frame became visible; 0 if unknown.
	PresentationTimeUs int64
	// RefreshRate is the display's reported refresh rate in Hz; values
	// of 1.0 and below are ignored.
	RefreshRate float32
	// Flags describes the presentation.
	Flags FrameInfoFlag
	// CPUTimeBeforeBufferSwapUs is when CPU work finished before the
	// buffer swap; 0 if unavailable (cursor-only updates).
	CPUTimeBeforeBufferSwapUs int64
	// GPURenderingDurationNs is the measured GPU rendering duration.
	GPURenderingDurationNs int64
	// HasValidGPURenderingDuration reports whether
	// GPURenderingDurationNs was measured.
	HasValidGPURenderingDuration bool
}

// FlipHint is a bit set describing a buffer submission.
type FlipHint uint32

const (
	// FlipHintDirectScanout marks a submission that attempted direct
	// scanout, bypassing compositor buffering.
	FlipHintDirectScanout FlipHint = 1 << iota
)

// Frame is one dispatch of the frame clock. It is created by the driver
// (or by the listener via NewFrame) and only valid for the duration of the
// dispatch callbacks.
type Frame struct {
	// Count is the frame sequence number, never reused.
	Count int64
	// HasTargetPresentationTime reports whether TargetPresentationTimeUs
	// holds a valid prediction.
	HasTargetPresentationTime bool
	// TargetPresentationTimeUs is the predicted presentation time.
	TargetPresentationTimeUs int64
	// HasFrameDeadline reports whether FrameDeadlineUs is valid.
	HasFrameDeadline bool
	// FrameDeadlineUs is the latest moment rendering may finish and
	// still meet the target presentation time.
	FrameDeadlineUs int64
	// Result carries the listener's dispatch result.
	Result DispatchResult
}

// FrameListener produces the content of each dispatched frame.
type FrameListener interface {
	// BeforeFrame runs at the start of a dispatch, before timelines are
	// ticked.
	BeforeFrame(frame *Frame)
	// Frame produces and submits the frame. ResultPendingPresented
	// commits the clock to waiting for NotifyPresented or NotifyReady.
	Frame(frame *Frame) DispatchResult
}

// FrameAllocator is implemented by listeners that attach per-frame state;
// when present, NewFrame supplies the frame handed to the callbacks.
type FrameAllocator interface {
	NewFrame() *Frame
}
