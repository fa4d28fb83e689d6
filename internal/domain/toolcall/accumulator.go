package toolcall

// Accumulator collects tool calls announced on a stream, keyed by id, in
// first-seen order. Repeated ids are ignored.
type Accumulator struct {
	order []string
	calls map[string]ToolCall
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[string]ToolCall)}
}

// Add records c unless its id is empty or already known. It reports whether
// c was added.
func (a *Accumulator) Add(c ToolCall) bool {
	if c.ID == "" {
		return false
	}
	if _, ok := a.calls[c.ID]; ok {
		return false
	}
	a.calls[c.ID] = c
	a.order = append(a.order, c.ID)
	return true
}

// Get returns the call with the given id.
func (a *Accumulator) Get(id string) (ToolCall, bool) {
	c, ok := a.calls[id]
	return c, ok
}

// Len returns the number of distinct calls seen.
func (a *Accumulator) Len() int { return len(a.order) }

// All returns every call in first-seen order.
func (a *Accumulator) All() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.calls[id])
	}
	return out
}

// Frontend returns the frontend calls in first-seen order.
func (a *Accumulator) Frontend() []ToolCall {
	var out []ToolCall
	for _, id := range a.order {
		if c := a.calls[id]; c.IsFrontend {
			out = append(out, c)
		}
	}
	return out
}
