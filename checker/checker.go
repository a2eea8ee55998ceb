// Package checker runs paired thread-introspection queries against a host:
// each query is asked once through the current-thread sentinel handle and
// once through an explicit handle resolved to the same thread, and any
// divergence between the two answers is accumulated into a report. A
// divergence never aborts the battery; only a host interface error does.
package checker

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/emilykmarx/selfsame/introspect"
	"github.com/google/go-cmp/cmp"
	set "github.com/hashicorp/go-set"
)

type Checker struct {
	config Config
	host   introspect.Introspector
	logger *slog.Logger

	finding_log *csv.Writer
}

func New(config *Config, host introspect.Introspector) (*Checker, error) {
	conf := *config
	if conf.Probe_depth == 0 {
		conf.Probe_depth = DefaultProbeDepth
	}
	if conf.Max_frames == 0 {
		conf.Max_frames = DefaultMaxFrames
	}
	if conf.Lock_order == "" {
		conf.Lock_order = Positional
	}
	if conf.Lock_order != Positional && conf.Lock_order != Unordered {
		return nil, fmt.Errorf("unknown LockOrder: %v", conf.Lock_order)
	}

	c := Checker{
		config: conf,
		host:   host,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: conf.Level()})),
	}

	if conf.Finding_log_filename != "" {
		finding_log_file, err := os.Create(conf.Finding_log_filename)
		if err != nil {
			return nil, err
		}
		c.finding_log = csv.NewWriter(finding_log_file)
		// Flushed so a clean run still leaves a parseable log.
		c.finding_log.Write(findingLogHeader)
		c.finding_log.Flush()
	}
	return &c, nil
}

func (c *Checker) Logf(lvl slog.Level, query Query, format string, args ...any) {
	if !c.logger.Enabled(context.Background(), lvl) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), lvl, fmt.Sprintf(format, args...), pcs[0])
	if query != "" {
		r.Add("query", string(query))
	}
	_ = c.logger.Handler().Handle(context.Background(), r)
}

// Host-owned buffers go back on every exit path, match or mismatch; callers
// defer this right after a successful query.
func (c *Checker) release(res any) {
	if err := c.host.Release(res); err != nil {
		log.Panicf("releasing host result: %v\n", err)
	}
}

// RunAll resolves the calling thread, then runs the battery with each query
// asked through the sentinel handle first and the explicit handle second.
// Queries the host lacks a capability for are skipped, not failed.
func (c *Checker) RunAll() (*Report, error) {
	cur, err := c.host.CurrentThread()
	if err != nil {
		return nil, fmt.Errorf("resolving current thread: %v", err)
	}
	sentinel := introspect.ImplicitCurrent()
	explicit := introspect.Explicit(cur)
	caps := c.host.Capabilities()

	if c.config.Mount_events && caps.MountEvents {
		if n, ok := c.host.(introspect.MountNotifier); ok {
			n.OnMount(func(ref introspect.ThreadRef) {
				c.Logf(slog.LevelInfo, "", "thread %#x mounted", uint64(ref))
			})
		}
	}

	report := &Report{Thread: cur}

	battery := []struct {
		query Query
		skip  bool
		check func(sentinel, explicit introspect.ThreadHandle, report *Report) ([]Finding, error)
	}{
		{QueryThreadInfo, false, c.checkThreadInfo},
		{QueryThreadState, false, c.checkThreadState},
		{QueryFrameLocation, false, c.checkFrameLocation},
		{QueryFrameCount, false, c.checkFrameCount},
		{QueryStackTrace, false, c.checkStackTrace},
		{QueryOwnedLocks, !caps.OwnedLocks, c.checkOwnedLocks},
		{QueryOwnedLockDepth, !caps.OwnedLockDepth, c.checkOwnedLockDepth},
		{QueryContendedLock, !caps.ContendedLock, c.checkContendedLock},
	}

	for _, q := range battery {
		if q.skip {
			c.Logf(slog.LevelInfo, q.query, "host lacks the capability; skipping")
			report.Queries = append(report.Queries, QueryOutcome{Query: q.query, Outcome: Skipped})
			continue
		}
		findings, err := q.check(sentinel, explicit, report)
		if err != nil {
			return nil, fmt.Errorf("%v: %v", q.query, err)
		}
		outcome := Passed
		for _, f := range findings {
			outcome = Failed
			c.Logf(slog.LevelWarn, f.Query, "sentinel and explicit answers diverge: %v", f)
			if c.finding_log != nil {
				WriteFinding(c.finding_log, f)
			}
		}
		report.Queries = append(report.Queries, QueryOutcome{Query: q.query, Outcome: outcome})
		report.Findings = append(report.Findings, findings...)
	}

	// Diagnostics only; a completed battery is not voided by a bad graph file.
	if c.config.Stack_graph_filename != "" {
		if _, err := WriteStackGraph(c.config.Stack_graph_filename, report); err != nil {
			c.Logf(slog.LevelError, "", "writing stack graph: %v", err)
		}
	}
	return report, nil
}

// Name compares by content, context and group by reference identity.
func (c *Checker) checkThreadInfo(sentinel, explicit introspect.ThreadHandle, report *Report) ([]Finding, error) {
	inf0, err := c.host.ThreadInfo(sentinel)
	if err != nil {
		return nil, fmt.Errorf("ThreadInfo(%v): %v", sentinel, err)
	}
	defer c.release(inf0)
	inf1, err := c.host.ThreadInfo(explicit)
	if err != nil {
		return nil, fmt.Errorf("ThreadInfo(%v): %v", explicit, err)
	}
	defer c.release(inf1)

	c.Logf(slog.LevelInfo, QueryThreadInfo, "current thread: %v", inf0.DisplayName())
	if cmp.Equal(*inf0, *inf1) {
		return nil, nil
	}
	c.Logf(slog.LevelDebug, QueryThreadInfo, "info diff:\n%v", cmp.Diff(*inf0, *inf1))

	findings := []Finding{}
	if inf0.Name != inf1.Name {
		findings = append(findings, Finding{Query: QueryThreadInfo, Field: "name", Index: -1,
			Sentinel: inf0.DisplayName(), Explicit: inf1.DisplayName()})
	}
	if inf0.Priority != inf1.Priority {
		findings = append(findings, Finding{Query: QueryThreadInfo, Field: "priority", Index: -1,
			Sentinel: strconv.Itoa(inf0.Priority), Explicit: strconv.Itoa(inf1.Priority)})
	}
	if inf0.Context != inf1.Context {
		findings = append(findings, Finding{Query: QueryThreadInfo, Field: "context", Index: -1,
			Sentinel: refString(inf0.Context), Explicit: refString(inf1.Context)})
	}
	if inf0.Group != inf1.Group {
		findings = append(findings, Finding{Query: QueryThreadInfo, Field: "group", Index: -1,
			Sentinel: refString(inf0.Group), Explicit: refString(inf1.Group)})
	}
	return findings, nil
}

func (c *Checker) checkThreadState(sentinel, explicit introspect.ThreadHandle, report *Report) ([]Finding, error) {
	state0, err := c.host.ThreadState(sentinel)
	if err != nil {
		return nil, fmt.Errorf("ThreadState(%v): %v", sentinel, err)
	}
	state1, err := c.host.ThreadState(explicit)
	if err != nil {
		return nil, fmt.Errorf("ThreadState(%v): %v", explicit, err)
	}

	c.Logf(slog.LevelInfo, QueryThreadState, "current thread state: %v", state0)
	if state0 == state1 {
		return nil, nil
	}
	return []Finding{{Query: QueryThreadState, Field: "state", Index: -1,
		Sentinel: stateString(state0), Explicit: stateString(state1)}}, nil
}

// Method and location are independent signals for the probed frame.
func (c *Checker) checkFrameLocation(sentinel, explicit introspect.ThreadHandle, report *Report) ([]Finding, error) {
	depth := c.config.Probe_depth
	frame0, err := c.host.FrameLocation(sentinel, depth)
	if err != nil {
		return nil, fmt.Errorf("FrameLocation(%v, %v): %v", sentinel, depth, err)
	}
	frame1, err := c.host.FrameLocation(explicit, depth)
	if err != nil {
		return nil, fmt.Errorf("FrameLocation(%v, %v): %v", explicit, depth, err)
	}

	name0, err := c.host.MethodName(frame0.Method)
	if err != nil {
		return nil, fmt.Errorf("MethodName(%#x): %v", uint64(frame0.Method), err)
	}
	c.Logf(slog.LevelInfo, QueryFrameLocation, "frame #%v: %v at location %v", depth, name0, frame0.Location)

	findings := []Finding{}
	if frame0.Method != frame1.Method {
		name1, err := c.host.MethodName(frame1.Method)
		if err != nil {
			return nil, fmt.Errorf("MethodName(%#x): %v", uint64(frame1.Method), err)
		}
		findings = append(findings, Finding{Query: QueryFrameLocation, Field: "method", Index: -1,
			Sentinel: name0, Explicit: name1})
	}
	if frame0.Location != frame1.Location {
		findings = append(findings, Finding{Query: QueryFrameLocation, Field: "location", Index: -1,
			Sentinel: strconv.FormatInt(frame0.Location, 10), Explicit: strconv.FormatInt(frame1.Location, 10)})
	}
	return findings, nil
}

func (c *Checker) checkFrameCount(sentinel, explicit introspect.ThreadHandle, report *Report) ([]Finding, error) {
	count0, err := c.host.FrameCount(sentinel)
	if err != nil {
		return nil, fmt.Errorf("FrameCount(%v): %v", sentinel, err)
	}
	count1, err := c.host.FrameCount(explicit)
	if err != nil {
		return nil, fmt.Errorf("FrameCount(%v): %v", explicit, err)
	}

	c.Logf(slog.LevelInfo, QueryFrameCount, "current thread frame count: %v", count0)
	if count0 == count1 {
		return nil, nil
	}
	return []Finding{{Query: QueryFrameCount, Field: "count", Index: -1,
		Sentinel: strconv.Itoa(count0), Explicit: strconv.Itoa(count1)}}, nil
}

// Frames are compared by method only; instruction offsets within a frame are
// the location query's job. Both resolved snapshots land in the report for
// the divergence graph.
func (c *Checker) checkStackTrace(sentinel, explicit introspect.ThreadHandle, report *Report) ([]Finding, error) {
	frames0, err := c.host.StackTrace(sentinel, c.config.Max_frames)
	if err != nil {
		return nil, fmt.Errorf("StackTrace(%v): %v", sentinel, err)
	}
	defer c.release(frames0)
	frames1, err := c.host.StackTrace(explicit, c.config.Max_frames)
	if err != nil {
		return nil, fmt.Errorf("StackTrace(%v): %v", explicit, err)
	}
	defer c.release(frames1)

	findings := []Finding{}
	if len(frames0) != len(frames1) {
		findings = append(findings, Finding{Query: QueryStackTrace, Field: "count", Index: -1,
			Sentinel: strconv.Itoa(len(frames0)), Explicit: strconv.Itoa(len(frames1))})
	}

	// Unequal counts are already a finding; still compare the frames both
	// snapshots have.
	names0 := []string{}
	names1 := []string{}
	for idx := 0; idx < min(len(frames0), len(frames1)); idx++ {
		name0, err := c.host.MethodName(frames0[idx].Method)
		if err != nil {
			return nil, fmt.Errorf("MethodName(%#x): %v", uint64(frames0[idx].Method), err)
		}
		name1 := name0
		if frames0[idx].Method != frames1[idx].Method {
			if name1, err = c.host.MethodName(frames1[idx].Method); err != nil {
				return nil, fmt.Errorf("MethodName(%#x): %v", uint64(frames1[idx].Method), err)
			}
			findings = append(findings, Finding{Query: QueryStackTrace, Field: "method", Index: idx,
				Sentinel: name0, Explicit: name1})
		}
		c.Logf(slog.LevelDebug, QueryStackTrace, "frame #%v: %v", idx, name0)
		names0 = append(names0, name0)
		names1 = append(names1, name1)
	}
	// Resolve the tail of the longer snapshot so the report holds both in full.
	for idx := len(names0); idx < len(frames0); idx++ {
		name, err := c.host.MethodName(frames0[idx].Method)
		if err != nil {
			return nil, fmt.Errorf("MethodName(%#x): %v", uint64(frames0[idx].Method), err)
		}
		names0 = append(names0, name)
	}
	for idx := len(names1); idx < len(frames1); idx++ {
		name, err := c.host.MethodName(frames1[idx].Method)
		if err != nil {
			return nil, fmt.Errorf("MethodName(%#x): %v", uint64(frames1[idx].Method), err)
		}
		names1 = append(names1, name)
	}
	report.SentinelStack = names0
	report.ExplicitStack = names1

	c.Logf(slog.LevelInfo, QueryStackTrace, "current thread stack: %v frames", len(frames0))
	return findings, nil
}

func (c *Checker) checkOwnedLocks(sentinel, explicit introspect.ThreadHandle, report *Report) ([]Finding, error) {
	locks0, err := c.host.OwnedLocks(sentinel)
	if err != nil {
		return nil, fmt.Errorf("OwnedLocks(%v): %v", sentinel, err)
	}
	defer c.release(locks0)
	locks1, err := c.host.OwnedLocks(explicit)
	if err != nil {
		return nil, fmt.Errorf("OwnedLocks(%v): %v", explicit, err)
	}
	defer c.release(locks1)

	c.Logf(slog.LevelInfo, QueryOwnedLocks, "current thread owns %v locks", len(locks0))

	findings := []Finding{}
	if len(locks0) != len(locks1) {
		findings = append(findings, Finding{Query: QueryOwnedLocks, Field: "count", Index: -1,
			Sentinel: strconv.Itoa(len(locks0)), Explicit: strconv.Itoa(len(locks1))})
	}

	if c.config.Lock_order == Unordered {
		for _, lock := range missingFrom(locks0, locks1) {
			findings = append(findings, Finding{Query: QueryOwnedLocks, Field: "lock", Index: -1,
				Sentinel: lockString(lock), Explicit: "absent"})
		}
		for _, lock := range missingFrom(locks1, locks0) {
			findings = append(findings, Finding{Query: QueryOwnedLocks, Field: "lock", Index: -1,
				Sentinel: "absent", Explicit: lockString(lock)})
		}
		return findings, nil
	}

	for idx := 0; idx < min(len(locks0), len(locks1)); idx++ {
		if locks0[idx] != locks1[idx] {
			findings = append(findings, Finding{Query: QueryOwnedLocks, Field: "lock", Index: idx,
				Sentinel: lockString(locks0[idx]), Explicit: lockString(locks1[idx])})
		}
		c.Logf(slog.LevelDebug, QueryOwnedLocks, "lock #%v: %v", idx, lockString(locks0[idx]))
	}
	return findings, nil
}

// Lock reference and stack depth are independent signals per element.
func (c *Checker) checkOwnedLockDepth(sentinel, explicit introspect.ThreadHandle, report *Report) ([]Finding, error) {
	inf0, err := c.host.OwnedLocksWithDepth(sentinel)
	if err != nil {
		return nil, fmt.Errorf("OwnedLocksWithDepth(%v): %v", sentinel, err)
	}
	defer c.release(inf0)
	inf1, err := c.host.OwnedLocksWithDepth(explicit)
	if err != nil {
		return nil, fmt.Errorf("OwnedLocksWithDepth(%v): %v", explicit, err)
	}
	defer c.release(inf1)

	findings := []Finding{}
	if len(inf0) != len(inf1) {
		findings = append(findings, Finding{Query: QueryOwnedLockDepth, Field: "count", Index: -1,
			Sentinel: strconv.Itoa(len(inf0)), Explicit: strconv.Itoa(len(inf1))})
	}

	if c.config.Lock_order == Unordered {
		for _, ld := range missingFrom(inf0, inf1) {
			findings = append(findings, Finding{Query: QueryOwnedLockDepth, Field: "lock", Index: -1,
				Sentinel: lockDepthString(ld), Explicit: "absent"})
		}
		for _, ld := range missingFrom(inf1, inf0) {
			findings = append(findings, Finding{Query: QueryOwnedLockDepth, Field: "lock", Index: -1,
				Sentinel: "absent", Explicit: lockDepthString(ld)})
		}
		return findings, nil
	}

	for idx := 0; idx < min(len(inf0), len(inf1)); idx++ {
		if inf0[idx].Lock != inf1[idx].Lock {
			findings = append(findings, Finding{Query: QueryOwnedLockDepth, Field: "lock", Index: idx,
				Sentinel: lockString(inf0[idx].Lock), Explicit: lockString(inf1[idx].Lock)})
		}
		if inf0[idx].Depth != inf1[idx].Depth {
			findings = append(findings, Finding{Query: QueryOwnedLockDepth, Field: "depth", Index: idx,
				Sentinel: strconv.Itoa(inf0[idx].Depth), Explicit: strconv.Itoa(inf1[idx].Depth)})
		}
		c.Logf(slog.LevelDebug, QueryOwnedLockDepth, "lock #%v: %v", idx, lockDepthString(inf0[idx]))
	}
	return findings, nil
}

func (c *Checker) checkContendedLock(sentinel, explicit introspect.ThreadHandle, report *Report) ([]Finding, error) {
	mon0, err := c.host.ContendedLock(sentinel)
	if err != nil {
		return nil, fmt.Errorf("ContendedLock(%v): %v", sentinel, err)
	}
	mon1, err := c.host.ContendedLock(explicit)
	if err != nil {
		return nil, fmt.Errorf("ContendedLock(%v): %v", explicit, err)
	}

	c.Logf(slog.LevelInfo, QueryContendedLock, "current thread contends for: %v", lockString(mon0))
	if mon0 == mon1 {
		return nil, nil
	}
	return []Finding{{Query: QueryContendedLock, Field: "lock", Index: -1,
		Sentinel: lockString(mon0), Explicit: lockString(mon1)}}, nil
}

// missingFrom returns the elements of list that other lacks, in list order.
func missingFrom[T comparable](list, other []T) []T {
	s := set.From(other)
	missing := []T{}
	for _, v := range list {
		if !s.Contains(v) {
			missing = append(missing, v)
		}
	}
	return missing
}

func refString(ref introspect.ObjRef) string {
	if ref == 0 {
		return "none"
	}
	return fmt.Sprintf("%#x", uint64(ref))
}

func lockString(lock introspect.LockRef) string {
	return refString(introspect.ObjRef(lock))
}

func lockDepthString(ld introspect.LockDepth) string {
	return fmt.Sprintf("%v at depth %v", lockString(ld.Lock), ld.Depth)
}

func stateString(state introspect.StateMask) string {
	return fmt.Sprintf("%#x (%v)", uint32(state), state)
}
