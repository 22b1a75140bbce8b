// Package conflict decides whether two tasks' file impacts are safe to run
// concurrently. Conflicts are derived on demand from FileImpact pairs and
// never stored independently of their inputs.
package conflict

import (
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"github.com/aleistner/swell/internal/graph"
)

// Kind classifies a conflict by the pair of operations involved.
type Kind string

const (
	KindWriteWrite   Kind = "write-write"
	KindWriteDelete  Kind = "write-delete"
	KindDeleteDelete Kind = "delete-delete"
	KindReadWrite    Kind = "read-write" // blocking only under strict isolation
	KindUnknown      Kind = "unknown"    // both tasks declared no impacts
)

// Conflict is an unsafe overlap between two tasks' file operations.
type Conflict struct {
	TaskA    string
	TaskB    string
	Kind     Kind
	PatternA string
	PatternB string
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s between %s(%s) and %s(%s)", c.Kind, c.TaskA, c.PatternA, c.TaskB, c.PatternB)
}

// Detector matches file-impact pairs against the blocking table.
//
// Fail-safe policy: a task with no declared impacts is conservatively
// treated as conflicting with every other unknown-impact task. Tasks with
// declared impacts are matched precisely against each other.
type Detector struct {
	strict bool // read-write pairs block under strict isolation
}

// NewDetector creates a detector. strictIsolation makes read-write pairs
// blocking in addition to the always-blocking write/delete combinations.
func NewDetector(strictIsolation bool) *Detector {
	return &Detector{strict: strictIsolation}
}

// CanRunParallel reports whether two tasks have no blocking conflict.
func (d *Detector) CanRunParallel(a, b *graph.Task) bool {
	return len(d.DetectConflicts(a, b)) == 0
}

// DetectConflicts returns every blocking conflict between two tasks.
func (d *Detector) DetectConflicts(a, b *graph.Task) []Conflict {
	if a.ID == b.ID {
		return nil
	}

	// Unknown vs unknown: assume the worst. Unknown vs declared is not
	// conservative; a declared task is matched only against declared peers.
	if !a.HasDeclaredImpacts() && !b.HasDeclaredImpacts() {
		return []Conflict{{TaskA: a.ID, TaskB: b.ID, Kind: KindUnknown}}
	}
	if !a.HasDeclaredImpacts() || !b.HasDeclaredImpacts() {
		return nil
	}

	var out []Conflict
	for _, ia := range a.Impacts {
		for _, ib := range b.Impacts {
			kind, blocking := d.classify(ia.Op, ib.Op)
			if !blocking {
				continue
			}
			if !PatternsOverlap(ia.Pattern, ib.Pattern) {
				continue
			}
			out = append(out, Conflict{
				TaskA:    a.ID,
				TaskB:    b.ID,
				Kind:     kind,
				PatternA: ia.Pattern,
				PatternB: ib.Pattern,
			})
		}
	}
	return out
}

// classify looks up the operation pair in the blocking table.
func (d *Detector) classify(a, b graph.Op) (Kind, bool) {
	switch {
	case a == graph.OpDelete && b == graph.OpDelete:
		return KindDeleteDelete, true
	case a == graph.OpDelete && b.Writes(), b == graph.OpDelete && a.Writes():
		return KindWriteDelete, true
	case a.Writes() && b.Writes():
		return KindWriteWrite, true
	case a == graph.OpRead && b.Writes(), b == graph.OpRead && a.Writes():
		return KindReadWrite, d.strict
	}
	// read-read never blocks
	return "", false
}

// PatternsOverlap reports whether some concrete path could satisfy both
// patterns. Literal-vs-literal compares cleaned paths; glob-vs-literal
// matches the literal against the compiled glob; glob-vs-glob falls back to
// a conservative literal-prefix comparison.
func PatternsOverlap(a, b string) bool {
	a, b = path.Clean(a), path.Clean(b)
	ga, gb := isGlob(a), isGlob(b)

	switch {
	case !ga && !gb:
		return a == b
	case ga && !gb:
		return globMatches(a, b)
	case !ga && gb:
		return globMatches(b, a)
	}

	// Both are globs. Deciding glob/glob intersection exactly is not worth
	// the machinery at this scale; overlap is assumed whenever the literal
	// prefixes (everything before the first metacharacter) are compatible.
	pa, pb := literalPrefix(a), literalPrefix(b)
	return strings.HasPrefix(pa, pb) || strings.HasPrefix(pb, pa)
}

func isGlob(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func globMatches(pattern, literal string) bool {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		// Unparseable pattern: fail safe, assume overlap.
		return true
	}
	if g.Match(literal) {
		return true
	}
	// "src/**" style patterns should cover the directory's own entries even
	// when the separator-aware matcher is stricter about boundaries.
	if strings.HasSuffix(pattern, "/**") {
		return strings.HasPrefix(literal, strings.TrimSuffix(pattern, "/**")+"/")
	}
	return false
}

func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?[{"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}
