package karma

import (
	"sort"
	"time"
)

// Event is an activity placed on the timeline.
type Event struct {
	Activity *Activity
	// Index is the activity's position in the original karma log.
	Index int
	At    time.Time
	// Timed is false when the timestamp was unparsable and the policy excludes it.
	Timed bool
}

// Partition is a karma log split by activity type, each slice in log order.
type Partition struct {
	UpvotesReceived []Event
	UpvotesSent     []Event
	Comments        []Event
	Posts           []Event

	// Fallbacks counts known-type events whose timestamp could not be parsed.
	Fallbacks int

	types map[ActivityType]struct{}
}

// Split partitions log. Unknown activity types are dropped from every
// partition but still counted by DistinctTypes.
func Split(log []Activity, n *Normalizer) *Partition {
	p := &Partition{types: make(map[ActivityType]struct{})}
	for i := range log {
		a := &log[i]
		p.types[a.Type] = struct{}{}
		if !a.Type.Known() {
			continue
		}
		at, timed, fellBack := n.Normalize(a.Timestamp)
		if fellBack {
			p.Fallbacks++
		}
		ev := Event{Activity: a, Index: i, At: at, Timed: timed}
		switch a.Type {
		case UpvoteReceived:
			p.UpvotesReceived = append(p.UpvotesReceived, ev)
		case UpvoteSent:
			p.UpvotesSent = append(p.UpvotesSent, ev)
		case Comment:
			p.Comments = append(p.Comments, ev)
		case PostCreated:
			p.Posts = append(p.Posts, ev)
		}
	}
	return p
}

// DistinctTypes returns the number of distinct type values in the raw log,
// unknown types included.
func (p *Partition) DistinctTypes() int {
	return len(p.types)
}

// OnlyType returns the single activity type of the log when exactly one is present.
func (p *Partition) OnlyType() (ActivityType, bool) {
	if len(p.types) != 1 {
		return "", false
	}
	for t := range p.types {
		return t, true
	}
	return "", false
}

// Chronology returns the instants of the timed events, sorted ascending.
func Chronology(events []Event) []time.Time {
	out := make([]time.Time, 0, len(events))
	for _, ev := range events {
		if ev.Timed {
			out = append(out, ev.At)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
