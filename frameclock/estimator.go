package frameclock

const (
	// longtermPromotionIntervalUs is how often the short-term estimate
	// decays into the long-term one.
	longtermPromotionIntervalUs = 1_000_000
)

// durationEstimator tracks how long frames take end to end so the clock
// can decide how early to dispatch. It keeps two horizons: a short-term
// maximum that resets every promotion interval, and a long-term estimate
// that decays toward the short-term one.
type durationEstimator struct {
	gotMeasurements     bool
	everGotMeasurements bool

	shorttermUs int64
	longtermUs  int64

	nextPromotionTimeUs int64
}

// addMeasurement folds one frame's total duration into the estimates.
func (e *durationEstimator) addMeasurement(latenessUs, dispatchToSwapUs, swapToGPUDoneUs, swapToFlipUs, deadlineEvasionUs, refreshIntervalUs int64) {
	swapMax := swapToGPUDoneUs
	if swapToFlipUs > swapMax {
		swapMax = swapToFlipUs
	}
	totalUs := latenessUs + dispatchToSwapUs + swapMax + deadlineEvasionUs

	if totalUs > e.shorttermUs {
		e.shorttermUs = totalUs
	}
	if e.shorttermUs > 2*refreshIntervalUs {
		e.shorttermUs = 2 * refreshIntervalUs
	}

	e.gotMeasurements = true
	e.everGotMeasurements = true
}

// maybePromote decays the long-term estimate toward the short-term one
// once per promotion interval and resets the short-term window.
func (e *durationEstimator) maybePromote(nowUs int64) {
	if !e.gotMeasurements {
		return
	}
	if e.nextPromotionTimeUs == 0 {
		e.nextPromotionTimeUs = nowUs + longtermPromotionIntervalUs
		return
	}
	if nowUs < e.nextPromotionTimeUs {
		return
	}
	if e.longtermUs > e.shorttermUs {
		e.longtermUs -= (e.longtermUs - e.shorttermUs) / 2
	} else {
		e.longtermUs = e.shorttermUs
	}
	e.shorttermUs = 0
	e.nextPromotionTimeUs = nowUs + longtermPromotionIntervalUs
}

// estimateUs returns the current duration estimate, the larger of the two
// horizons.
func (e *durationEstimator) estimateUs() int64 {
	if e.longtermUs > e.shorttermUs {
		return e.longtermUs
	}
	return e.shorttermUs
}
