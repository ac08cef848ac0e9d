package transport

// State is the phase of a Sender.
type State uint8

const (
	Idle State = iota
	Traversing
	AllocatingRegion
	Writing
	AwaitingCredit
	Flushed
	Draining
	Done
	Broken
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Traversing:
		return "traversing"
	case AllocatingRegion:
		return "allocating-region"
	case Writing:
		return "writing"
	case AwaitingCredit:
		return "awaiting-credit"
	case Flushed:
		return "flushed"
	case Draining:
		return "draining"
	case Done:
		return "done"
	case Broken:
		return "broken"
	}
	return "unknown"
}
