package frameclock

import (
	"fmt"

	"github.com/NaveLIL/erez-frameclock/monotime"
)

const (
	// maxRenderTimeConstantUs absorbs variation the estimator cannot
	// see, such as scheduling jitter between the wakeup and dispatch.
	maxRenderTimeConstantUs = 2000

	// syncDelayFallbackFraction of the refresh interval is used as the
	// render-time budget until real measurements exist.
	syncDelayFallbackFraction = 0.875
)

// prediction is the outcome of one scheduling computation.
type prediction struct {
	nextUpdateTimeUs int64

	hasNextPresentationTime bool
	nextPresentationTimeUs  int64

	hasNextFrameDeadline bool
	nextFrameDeadlineUs  int64
}

// computeMaxRenderTimeUs is how early before the predicted presentation
// the clock has to dispatch. It combines the estimator bound with the
// vblank duration and a jitter constant, capped at two refresh intervals.
func (c *Clock) computeMaxRenderTimeUs() int64 {
	refreshIntervalUs := c.refreshIntervalUs

	if !c.estimator.everGotMeasurements || c.disableDynamicMaxRenderTime {
		return int64(float64(refreshIntervalUs) * syncDelayFallbackFraction)
	}

	maxRenderTimeUs := c.estimator.estimateUs() +
		c.vblankDurationUs +
		maxRenderTimeConstantUs

	if maxRenderTimeUs < 0 {
		maxRenderTimeUs = 0
	}
	if maxRenderTimeUs > 2*refreshIntervalUs {
		maxRenderTimeUs = 2 * refreshIntervalUs
	}
	return maxRenderTimeUs
}

// MaxRenderTimeDebugString describes how the current render-time budget
// was derived, for diagnostics.
func (c *Clock) MaxRenderTimeDebugString() string {
	if !c.estimator.everGotMeasurements || c.disableDynamicMaxRenderTime {
		return fmt.Sprintf("%d us (fixed fallback)", c.computeMaxRenderTimeUs())
	}
	return fmt.Sprintf("%d us (estimate %d + vblank %d + constant %d)",
		c.computeMaxRenderTimeUs(),
		c.estimator.estimateUs(),
		c.vblankDurationUs,
		maxRenderTimeConstantUs)
}

// coldStartUpdateTimeUs seeds the first wakeup before any presentation
// has ever been observed.
func (c *Clock) coldStartUpdateTimeUs(nowUs int64) int64 {
	if c.last.dispatchTimeUs != 0 {
		return c.last.dispatchTimeUs - c.last.latenessUs + c.refreshIntervalUs
	}
	return nowUs
}

// calculateNextUpdateFixed predicts the next update for a display with a
// fixed vsync cadence. The presentation prediction stays phase locked to
// the last observed presentation no matter how long the clock idled.
func (c *Clock) calculateNextUpdateFixed(now monotime.Time) prediction {
	nowUs := int64(now)
	refreshIntervalUs := c.refreshIntervalUs

	if c.lastPresentationTimeUs == 0 {
		return prediction{nextUpdateTimeUs: c.coldStartUpdateTimeUs(nowUs)}
	}

	minRenderTimeAllowedUs := refreshIntervalUs / 2
	maxRenderTimeAllowedUs := c.computeMaxRenderTimeUs()
	if minRenderTimeAllowedUs > maxRenderTimeAllowedUs {
		minRenderTimeAllowedUs = maxRenderTimeAllowedUs
	}

	lastPresentationTimeUs := c.lastPresentationTimeUs

	// How many presentations ahead to aim depends on how many frames
	// are already heading for the intervening vblanks.
	var nextPresentationTimeUs int64
	switch c.state {
	case StateInit, StateIdle, StateScheduled, StateScheduledNow:
		nextPresentationTimeUs = lastPresentationTimeUs + refreshIntervalUs
	case StateDispatchedOne, StateDispatchedOneAndScheduled, StateDispatchedOneAndScheduledNow:
		nextPresentationTimeUs = lastPresentationTimeUs + 2*refreshIntervalUs
	case StateDispatchedTwo:
		nextPresentationTimeUs = lastPresentationTimeUs + 3*refreshIntervalUs
	}

	// The last presentation may be many intervals in the past. Advance
	// to the first vblank after now while keeping the presentation
	// phase, so the cadence never drifts.
	if nextPresentationTimeUs < nowUs {
		presentationPhaseUs := lastPresentationTimeUs % refreshIntervalUs
		currentPhaseUs := (nowUs - presentationPhaseUs) % refreshIntervalUs
		currentIntervalStartUs := nowUs - presentationPhaseUs - currentPhaseUs

		nextPresentationTimeUs = currentIntervalStartUs +
			presentationPhaseUs +
			refreshIntervalUs
	}

	// An earlier than expected presentation event would otherwise make
	// the new prediction land right next to the previous one; skip a
	// whole interval instead of waking twice for the same vblank.
	if c.hasNextPresentationTime {
		sinceLastNextUs := nextPresentationTimeUs - c.nextPresentationTimeUs
		if sinceLastNextUs > 0 && sinceLastNextUs < refreshIntervalUs/2 {
			nextPresentationTimeUs = c.nextPresentationTimeUs + refreshIntervalUs
		}
	}

	for nextPresentationTimeUs < nowUs+minRenderTimeAllowedUs {
		nextPresentationTimeUs += refreshIntervalUs
	}

	nextUpdateTimeUs := nextPresentationTimeUs - maxRenderTimeAllowedUs
	if nextUpdateTimeUs < nowUs {
		nextUpdateTimeUs = nowUs
	}

	return prediction{
		nextUpdateTimeUs:        nextUpdateTimeUs,
		hasNextPresentationTime: true,
		nextPresentationTimeUs:  nextPresentationTimeUs,
		hasNextFrameDeadline:    true,
		nextFrameDeadlineUs:     nextPresentationTimeUs - refreshIntervalUs/2,
	}
}

// calculateNextUpdateVariable predicts the next update for a variable
// refresh rate display. No phase alignment is enforced; the display will
// present whenever the frame is ready, bounded below by the minimum
// refresh interval.
func (c *Clock) calculateNextUpdateVariable(now monotime.Time) prediction {
	nowUs := int64(now)
	refreshIntervalUs := c.refreshIntervalUs

	if c.lastPresentationTimeUs == 0 {
		return prediction{nextUpdateTimeUs: c.coldStartUpdateTimeUs(nowUs)}
	}

	// Without measurements there is no render-time budget to subtract,
	// so degrade to a heartbeat at the minimum refresh rate.
	if !c.estimator.everGotMeasurements {
		nextUpdateTimeUs := c.lastPresentationTimeUs + c.minimumRefreshIntervalUs
		for nextUpdateTimeUs < nowUs {
			nextUpdateTimeUs += c.minimumRefreshIntervalUs
		}
		return prediction{nextUpdateTimeUs: nextUpdateTimeUs}
	}

	maxRenderTimeAllowedUs := c.computeMaxRenderTimeUs()

	nextPresentationTimeUs := c.lastPresentationTimeUs + refreshIntervalUs
	nextUpdateTimeUs := nextPresentationTimeUs - maxRenderTimeAllowedUs
	if nextUpdateTimeUs < nowUs {
		nextUpdateTimeUs = nowUs
	}

	p := prediction{
		nextUpdateTimeUs:        nextUpdateTimeUs,
		hasNextPresentationTime: true,
		nextPresentationTimeUs:  nextPresentationTimeUs,
		hasNextFrameDeadline:    true,
		nextFrameDeadlineUs:     nextPresentationTimeUs,
	}
	// A budget larger than the interval pushes the update past the
	// presentation; the prediction would be wrong, so drop it.
	if nextUpdateTimeUs > nextPresentationTimeUs {
		p.hasNextPresentationTime = false
		p.nextPresentationTimeUs = 0
		p.hasNextFrameDeadline = false
		p.nextFrameDeadlineUs = 0
	}
	return p
}

// calculateNextUpdate selects the predictor for the current mode.
func (c *Clock) calculateNextUpdate(now monotime.Time) prediction {
	switch c.mode {
	case ModeVariable:
		return c.calculateNextUpdateVariable(now)
	default:
		return c.calculateNextUpdateFixed(now)
	}
}
