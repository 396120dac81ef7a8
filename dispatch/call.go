package dispatch

// Direction says which way a call crosses the boundary.
type Direction uint8

const (
	// Inbound is a request arriving from the client runtime.
	Inbound Direction = iota
	// Outbound is an asynchronous response being delivered back.
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Kind selects what the host does with a call.
type Kind string

const (
	// KindCall invokes an extension function. Without an explicit scope the
	// call begins one and ends it when it returns.
	KindCall Kind = "call"
	// KindBegin opens an explicit scope for the caller's thread.
	KindBegin Kind = "begin"
	// KindEnd tells the host the caller is done with its scope.
	KindEnd Kind = "end"
	// KindRelease drops an owned resource handle the caller was given.
	KindRelease Kind = "release"
	// KindStats reports host counters.
	KindStats Kind = "stats"
)

// Call is one unit of work carried by a transport.
type Call struct {
	ID       string `json:"id,omitempty"`
	Kind     Kind   `json:"kind"`
	Function string `json:"function,omitempty"`
	// Args are positional arguments. Numbers arrive as float64 or
	// json.Number depending on the decoder.
	Args []any `json:"args,omitempty"`
	// ByRef lists argument indexes passed by reference. Each must hold a
	// resource handle.
	ByRef     []int     `json:"by_ref,omitempty"`
	Thread    uint64    `json:"thread"`
	Handle    uint32    `json:"handle,omitempty"`
	Direction Direction `json:"direction,omitempty"`
}

// Result is what a call produced.
type Result struct {
	Stats any `json:"stats,omitempty"`
	// Refs holds the final value of every by-reference argument, keyed by
	// argument index.
	Refs   map[int]any `json:"refs,omitempty"`
	Scope  string      `json:"scope,omitempty"`
	Values []any       `json:"values,omitempty"`
	// Owned lists handles transferred to the caller. Each must be released
	// exactly once with a KindRelease call.
	Owned []uint32 `json:"owned,omitempty"`
}
