// Package stage defines the fixed, ordered set of document pipeline stages and
// the pure transition rules between them.
package stage

// ID identifies one pipeline stage.
type ID string

const (
	Intake    ID = "intake"
	OCR       ID = "ocr"
	Classify  ID = "classify"
	Extract   ID = "extract"
	Reconcile ID = "reconcile"
	Actions   ID = "actions"
)

// order is the registry. Stages always execute in this sequence.
var order = []ID{Intake, OCR, Classify, Extract, Reconcile, Actions}

// All returns the stages in execution order. The returned slice is a copy.
func All() []ID {
	out := make([]ID, len(order))
	copy(out, order)
	return out
}

// First returns the entry stage of every run.
func First() ID { return order[0] }

// Last returns the final stage of every run.
func Last() ID { return order[len(order)-1] }

// Valid reports whether id is a registered stage.
func Valid(id ID) bool {
	return Index(id) >= 0
}

// Index returns the position of id in the registry, or -1.
func Index(id ID) int {
	for i, s := range order {
		if s == id {
			return i
		}
	}
	return -1
}

// Next returns the stage after id. ok is false when id is the last stage or
// is not registered.
func Next(id ID) (next ID, ok bool) {
	i := Index(id)
	if i < 0 || i == len(order)-1 {
		return "", false
	}
	return order[i+1], true
}

// IsLast reports whether id is the final stage.
func IsLast(id ID) bool {
	return id == Last()
}

// Parse validates a raw stage name. Empty input returns ("", true) so callers
// can treat it as "no filter".
func Parse(raw string) (ID, bool) {
	if raw == "" {
		return "", true
	}
	id := ID(raw)
	return id, Valid(id)
}

// FirstMatching returns the first stage in registry order for which match
// returns true.
func FirstMatching(match func(ID) bool) (ID, bool) {
	for _, s := range order {
		if match(s) {
			return s, true
		}
	}
	return "", false
}

func (id ID) String() string { return string(id) }
