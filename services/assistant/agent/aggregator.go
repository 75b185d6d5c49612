package agent

import (
	"time"
	"unicode/utf8"
)

// StreamAggregator batches an ever-growing accumulated text into
// display updates. An update fires when enough new characters arrived
// since the last one, or enough time passed, whichever comes first.
// Reasoning spans are stripped before emission; if nothing visible
// remains, the update is suppressed.
//
// Not safe for concurrent use; one aggregator serves one stream.
type StreamAggregator struct {
	minChars int
	interval time.Duration
	emit     func(text string)

	accumulated string
	lastLen     int // rune count at the last emission
	lastEmit    time.Time

	now func() time.Time
}

// NewStreamAggregator creates an aggregator that hands batched updates
// to emit. The time threshold is armed from construction, not from the
// first delta.
func NewStreamAggregator(minChars int, interval time.Duration, emit func(text string)) *StreamAggregator {
	a := &StreamAggregator{
		minChars: minChars,
		interval: interval,
		emit:     emit,
		now:      time.Now,
	}
	a.lastEmit = a.now()
	return a
}

// Add appends a delta and emits if a threshold is crossed.
func (a *StreamAggregator) Add(delta string) {
	a.accumulated += delta

	grown := utf8.RuneCountInString(a.accumulated)-a.lastLen >= a.minChars
	due := a.now().Sub(a.lastEmit) >= a.interval
	if !grown && !due {
		return
	}

	visible := StripThinking(a.accumulated)
	if visible == "" {
		return
	}
	a.emit(visible)
	a.lastLen = utf8.RuneCountInString(a.accumulated)
	a.lastEmit = a.now()
}

// Flush performs the final emission with the complete stripped text,
// regardless of thresholds. Empty visible text emits nothing.
func (a *StreamAggregator) Flush() {
	visible := StripThinking(a.accumulated)
	if visible == "" {
		return
	}
	a.emit(visible)
	a.lastLen = utf8.RuneCountInString(a.accumulated)
	a.lastEmit = a.now()
}
