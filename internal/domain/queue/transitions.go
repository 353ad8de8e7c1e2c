package queue

// Operation names, also used in InvalidTransitionError and change events.
const (
	OpEnqueue      = "enqueue"
	OpCallNext     = "call_next"
	OpComplete     = "complete"
	OpSkip         = "skip"
	OpCancel       = "cancel"
	OpReposition   = "reposition"
	OpReprioritize = "reprioritize"
)

// transitionMap lists, per operation, the statuses an entry may be in
// beforehand and the status it ends in.
var transitionMap = map[string]struct {
	from []Status
	to   Status
}{
	OpCallNext:   {from: []Status{StatusWaiting}, to: StatusInProgress},
	OpComplete:   {from: []Status{StatusInProgress}, to: StatusCompleted},
	OpSkip:       {from: []Status{StatusWaiting}, to: StatusSkipped},
	OpCancel:     {from: []Status{StatusWaiting}, to: StatusCancelled},
	OpReposition: {from: []Status{StatusWaiting}, to: StatusWaiting},
}

// ValidTransition reports whether op may run against an entry in status from.
func ValidTransition(op string, from Status) bool {
	t, ok := transitionMap[op]
	if !ok {
		return false
	}
	for _, s := range t.from {
		if s == from {
			return true
		}
	}
	return false
}

// TargetStatus is the status op leaves an entry in.
func TargetStatus(op string) (Status, bool) {
	t, ok := transitionMap[op]
	return t.to, ok
}
