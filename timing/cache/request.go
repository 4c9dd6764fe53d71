package cache

// Command is the kind of memory transaction.
type Command int

// Memory commands.
const (
	CmdRead Command = iota
	CmdWrite
	CmdWriteback
)

func (c Command) String() string {
	switch c {
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdWriteback:
		return "writeback"
	default:
		return "unknown"
	}
}

// Request is one transaction travelling down the hierarchy. The issuer
// owns Op; the receiving level only hands it back through Callback.
type Request struct {
	// Prev is the level that issued the request, nil for the core.
	Prev     Level
	Cmd      Command
	Addr     uint64
	LineSize int

	// ActionID is the owner's action id when the request was issued.
	ActionID uint64
	Op       any

	// Callback is invoked once the request completes. Requests whose
	// owner has since been squashed are dropped instead.
	Callback func(req *Request)

	// GetActionID extracts the current action id from Op. Nil means the
	// request can never become stale.
	GetActionID func(op any) uint64

	// EnqueuedAt is stamped by the level that accepts the request.
	EnqueuedAt uint64
}

// Stale reports whether the owning operation was squashed after the
// request was issued.
func (r *Request) Stale() bool {
	return r.GetActionID != nil && r.GetActionID(r.Op) != r.ActionID
}

// Complete delivers the request unless it has gone stale. It reports
// whether the callback ran.
func (r *Request) Complete() bool {
	if r.Stale() {
		return false
	}
	if r.Callback != nil {
		r.Callback(r)
	}
	return true
}

// Level is one stage of the memory hierarchy as seen from above. It is
// driven entirely through enqueue, step and completion callbacks.
type Level interface {
	Name() string
	// Enqueuable reports whether a request for addr would be accepted
	// this cycle.
	Enqueuable(addr uint64) bool
	// Enqueue hands a request to the level. It returns false when the
	// level cannot take it this cycle.
	Enqueue(req *Request) bool
	// Step advances the level to cycle now.
	Step(now uint64)
}
