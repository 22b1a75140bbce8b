package conflict

import "fmt"

// UnresolvableError reports a conflict set that scheduling could not
// dissolve: the tasks remain mutually conflicting after the layer-splitting
// budget is exhausted. It is escalated outward rather than auto-resolved.
type UnresolvableError struct {
	TaskA     string
	TaskB     string
	Layer     int // baseline dependency layer where the split gave up
	Conflicts []Conflict
}

func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("unresolvable conflict between tasks %q and %q in layer %d (%d conflicting pattern pairs)",
		e.TaskA, e.TaskB, e.Layer, len(e.Conflicts))
}
