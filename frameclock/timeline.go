package frameclock

// Timeline is advanced by the clock on every dispatch. While any timeline
// is registered the clock keeps rescheduling instead of going idle.
type Timeline interface {
	// Tick advances the timeline to the predicted presentation time, in
	// milliseconds on the clock's monotonic timebase.
	Tick(presentationTimeMs int64)
}

// AddTimeline registers a timeline. Registering a timeline that is
// already present is a no-op. Registering the first timeline while the
// clock is idle schedules an update so the timeline starts advancing.
func (c *Clock) AddTimeline(t Timeline) {
	if c.destroyed {
		return
	}
	for _, existing := range c.timelines {
		if existing == t {
			return
		}
	}
	wasEmpty := len(c.timelines) == 0
	c.timelines = append(c.timelines, t)
	if wasEmpty {
		c.maybeReschedule()
	}
}

// RemoveTimeline unregisters a timeline. Unknown timelines are ignored.
func (c *Clock) RemoveTimeline(t Timeline) {
	for i, existing := range c.timelines {
		if existing == t {
			c.timelines = append(c.timelines[:i], c.timelines[i+1:]...)
			return
		}
	}
}

// hasTimelines reports whether any timeline is registered.
func (c *Clock) hasTimelines() bool {
	return len(c.timelines) > 0
}

// advanceTimelines ticks every registered timeline. A snapshot is taken
// first so timelines may add or remove timelines from their Tick.
func (c *Clock) advanceTimelines(presentationTimeMs int64) {
	snapshot := make([]Timeline, len(c.timelines))
	copy(snapshot, c.timelines)
	for _, t := range snapshot {
		t.Tick(presentationTimeMs)
	}
}
