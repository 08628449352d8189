// Package reminder computes backward-shifted send times for event
// reminders and enqueues them idempotently. The core question it answers:
// given N recipients and a throughput estimate, when must sending start so
// the last batch still lands before the reminder's nominal target?
package reminder

import (
	"math"
	"time"

	"github.com/clubops/mailroom/internal/queue"
)

// Offset is a named lead time before an event's start at which a reminder
// should arrive. The set is closed; new kinds are added here, never via
// free-form strings.
type Offset string

const (
	Offset24h Offset = "24h"
	Offset1h  Offset = "1h"
	Offset5m  Offset = "5min"
)

// AllOffsets lists every reminder kind in scheduling order.
var AllOffsets = []Offset{Offset24h, Offset1h, Offset5m}

// Valid reports whether the offset is a known reminder kind.
func (o Offset) Valid() bool {
	switch o {
	case Offset24h, Offset1h, Offset5m:
		return true
	}
	return false
}

// Lead returns how long before the event the reminder should arrive.
func (o Offset) Lead() time.Duration {
	switch o {
	case Offset24h:
		return 24 * time.Hour
	case Offset1h:
		return time.Hour
	case Offset5m:
		return 5 * time.Minute
	}
	return 0
}

// Priority maps offsets to queue priority. The scale is inverted relative
// to urgency on purpose: the 24h wave is the largest and needs the most
// clearing time, so it dispatches first.
func (o Offset) Priority() int {
	switch o {
	case Offset24h:
		return queue.PriorityReminder24h
	case Offset1h:
		return queue.PriorityReminder1h
	case Offset5m:
		return queue.PriorityReminder5m
	}
	return queue.PriorityDefault
}

// ComputeSendStartTime returns when sending must begin so that n emails,
// dispatched in batches of batchSize with perEmailDelay spacing, all land
// at or before target. A 20% safety buffer absorbs queue contention.
func ComputeSendStartTime(target time.Time, n, batchSize int, perEmailDelay time.Duration) time.Time {
	if n <= 0 || batchSize <= 0 {
		return target
	}
	batches := int(math.Ceil(float64(n) / float64(batchSize)))
	duration := time.Duration(batches*batchSize) * perEmailDelay
	buffered := time.Duration(float64(duration) * 1.2)
	return target.Add(-buffered)
}
