package checker

import (
	"encoding/json"
	"fmt"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
	"github.com/emilykmarx/selfsame/introspect"
)

// Query names one paired comparison in the battery.
type Query string

const (
	QueryThreadInfo     Query = "ThreadInfo"
	QueryThreadState    Query = "ThreadState"
	QueryFrameLocation  Query = "FrameLocation"
	QueryFrameCount     Query = "FrameCount"
	QueryStackTrace     Query = "StackTrace"
	QueryOwnedLocks     Query = "OwnedLocks"
	QueryOwnedLockDepth Query = "OwnedLocksWithDepth"
	QueryContendedLock  Query = "ContendedLock"
)

type Outcome string

const (
	Passed  Outcome = "passed"
	Failed  Outcome = "failed"
	Skipped Outcome = "skipped"
)

// Finding is one observed divergence between the sentinel-handle answer and
// the explicit-handle answer. Values are rendered for display; Index is the
// element index for list queries, -1 otherwise.
type Finding struct {
	Query    Query
	Field    string
	Index    int
	Sentinel string
	Explicit string
}

func (f Finding) String() string {
	if f.Index >= 0 {
		return fmt.Sprintf("%v #%v: %v != %v", f.Field, f.Index, f.Sentinel, f.Explicit)
	}
	return fmt.Sprintf("%v: %v != %v", f.Field, f.Sentinel, f.Explicit)
}

type QueryOutcome struct {
	Query   Query
	Outcome Outcome
}

// Report is the result of one battery run against one thread.
type Report struct {
	// Thread the battery probed (also what the sentinel handle resolved to).
	Thread introspect.ThreadRef
	// Per-query outcomes, in battery order.
	Queries  []QueryOutcome
	Findings []Finding
	// Resolved method names from the stack trace query, innermost frame
	// first, one list per handle variant.
	SentinelStack []string
	ExplicitStack []string
}

// Outcome returns the outcome recorded for query, or "" if it never ran.
func (r *Report) Outcome(query Query) Outcome {
	for _, qo := range r.Queries {
		if qo.Query == query {
			return qo.Outcome
		}
	}
	return ""
}

// Passed reports whether every comparison that ran matched. Skipped queries
// do not count against the run.
func (r *Report) Passed() bool {
	for _, qo := range r.Queries {
		if qo.Outcome == Failed {
			return false
		}
	}
	return len(r.Findings) == 0
}

// CanonicalJSON renders the report as RFC 8785 canonicalized JSON, so
// drivers can diff report bytes across runs and hosts.
func (r *Report) CanonicalJSON() ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return jsoncanonicalizer.Transform(raw)
}
