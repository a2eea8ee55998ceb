package hosttest_test

import (
	"errors"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/emilykmarx/selfsame/introspect"
	"github.com/emilykmarx/selfsame/introspect/hosttest"
	"github.com/google/go-cmp/cmp"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s - %s\n", fname, line, s, err)
	}
}

func assertEqual(t testing.TB, expected, actual any, msg string) {
	t.Helper()
	if diff := cmp.Diff(expected, actual); diff != "" {
		_, file, line, _ := runtime.Caller(1)
		fname := filepath.Base(file)
		t.Fatalf("failed assertion at %s:%d: %s:\n%v\n", fname, line, msg, diff)
	}
}

func TestVariantAnswers(t *testing.T) {
	script := hosttest.Healthy()
	script.ExplicitInfo.Priority = 1
	script.ExplicitState = introspect.StateAlive | introspect.StateWaiting
	host := hosttest.New(script)

	cur, err := host.CurrentThread()
	assertNoError(err, t, "CurrentThread")
	assertEqual(t, introspect.ThreadRef(7), cur, "scripted thread")

	inf0, err := host.ThreadInfo(introspect.ImplicitCurrent())
	assertNoError(err, t, "sentinel ThreadInfo")
	inf1, err := host.ThreadInfo(introspect.Explicit(cur))
	assertNoError(err, t, "explicit ThreadInfo")
	assertEqual(t, 5, inf0.Priority, "sentinel answer")
	assertEqual(t, 1, inf1.Priority, "explicit answer")

	state, err := host.ThreadState(introspect.Explicit(cur))
	assertNoError(err, t, "explicit ThreadState")
	assertEqual(t, true, state.Has(introspect.StateWaiting), "explicit state")

	assertNoError(host.Release(inf0), t, "release sentinel info")
	assertNoError(host.Release(inf1), t, "release explicit info")
	assertEqual(t, []string{}, host.Leaked(), "ledger")
}

func TestExplicitUnknownThread(t *testing.T) {
	host := hosttest.New(hosttest.Healthy())
	bogus := introspect.Explicit(99)

	if _, err := host.ThreadInfo(bogus); !errors.Is(err, introspect.ErrInvalidThread) {
		t.Fatalf("ThreadInfo(%v): expected invalid thread handle, got %v", bogus, err)
	}
	if _, err := host.StackTrace(bogus, 30); !errors.Is(err, introspect.ErrInvalidThread) {
		t.Fatalf("StackTrace(%v): expected invalid thread handle, got %v", bogus, err)
	}
	if _, err := host.OwnedLocks(bogus); !errors.Is(err, introspect.ErrInvalidThread) {
		t.Fatalf("OwnedLocks(%v): expected invalid thread handle, got %v", bogus, err)
	}
}

func TestErrorInjection(t *testing.T) {
	script := hosttest.Healthy()
	script.Errors = map[string]error{
		"ThreadState/sentinel": introspect.ErrThreadNotAlive,
		"CurrentThread":        introspect.ErrNotAttached,
	}
	host := hosttest.New(script)

	if _, err := host.ThreadState(introspect.ImplicitCurrent()); !errors.Is(err, introspect.ErrThreadNotAlive) {
		t.Fatalf("expected scripted error on the sentinel variant, got %v", err)
	}
	// The explicit variant stays healthy.
	_, err := host.ThreadState(introspect.Explicit(7))
	assertNoError(err, t, "explicit ThreadState")

	if _, err := host.CurrentThread(); !errors.Is(err, introspect.ErrNotAttached) {
		t.Fatalf("expected scripted CurrentThread error, got %v", err)
	}
}

func TestFrameQueries(t *testing.T) {
	host := hosttest.New(hosttest.Healthy())
	sentinel := introspect.ImplicitCurrent()

	count, err := host.FrameCount(sentinel)
	assertNoError(err, t, "FrameCount")
	assertEqual(t, 12, count, "frame count")

	frame, err := host.FrameLocation(sentinel, 1)
	assertNoError(err, t, "FrameLocation")
	name, err := host.MethodName(frame.Method)
	assertNoError(err, t, "MethodName")
	assertEqual(t, "probe.fn1", name, "frame method")
	assertEqual(t, int64(4), frame.Location, "frame location")

	if _, err := host.FrameLocation(sentinel, 12); !errors.Is(err, introspect.ErrNoFrame) {
		t.Fatalf("expected no frame at depth 12, got %v", err)
	}
	if _, err := host.MethodName(0xdead); err == nil {
		t.Fatalf("expected unknown method error")
	}
}

func TestStackTraceClamp(t *testing.T) {
	host := hosttest.New(hosttest.Healthy())
	frames, err := host.StackTrace(introspect.ImplicitCurrent(), 5)
	assertNoError(err, t, "StackTrace")
	assertEqual(t, 5, len(frames), "clamped to the request")
	assertNoError(host.Release(frames), t, "release frames")
}

func TestLedger(t *testing.T) {
	host := hosttest.New(hosttest.Healthy())
	sentinel := introspect.ImplicitCurrent()

	inf, err := host.ThreadInfo(sentinel)
	assertNoError(err, t, "ThreadInfo")
	frames, err := host.StackTrace(sentinel, 30)
	assertNoError(err, t, "StackTrace")

	leaked := host.Leaked()
	assertEqual(t, 2, len(leaked), "everything outstanding")

	assertNoError(host.Release(inf), t, "release info")
	assertNoError(host.Release(frames), t, "release frames")
	assertEqual(t, []string{}, host.Leaked(), "all returned")
	assertEqual(t, []string{}, host.DoubleReleased(), "no double release")

	if err := host.Release(frames); err == nil {
		t.Fatalf("expected a double release error")
	}
	if doubles := host.DoubleReleased(); len(doubles) != 1 || !strings.Contains(doubles[0], "StackTrace") {
		t.Fatalf("double release not recorded: %v", doubles)
	}
}

func TestReleaseUntracked(t *testing.T) {
	script := hosttest.Healthy()
	script.SentinelLocks = nil
	host := hosttest.New(script)

	locks, err := host.OwnedLocks(introspect.ImplicitCurrent())
	assertNoError(err, t, "OwnedLocks")
	assertEqual(t, 0, len(locks), "scripted zero locks")

	// Empty results carry no allocation; handing them back is a no-op.
	assertNoError(host.Release(locks), t, "release empty result")
	assertNoError(host.Release(nil), t, "release nil")
	assertEqual(t, []string{}, host.Leaked(), "ledger")

	if err := host.Release(&hosttest.Script{}); err == nil {
		t.Fatalf("expected an error for a result the host never allocated")
	}
}

func TestDistinctAllocationsPerCall(t *testing.T) {
	host := hosttest.New(hosttest.Healthy())
	sentinel := introspect.ImplicitCurrent()

	first, err := host.StackTrace(sentinel, 30)
	assertNoError(err, t, "first StackTrace")
	second, err := host.StackTrace(sentinel, 30)
	assertNoError(err, t, "second StackTrace")
	assertEqual(t, first, second, "same scripted answer")

	assertNoError(host.Release(first), t, "release first")
	assertNoError(host.Release(second), t, "release second")
	assertEqual(t, []string{}, host.Leaked(), "ledger")
}

func TestOnMountFires(t *testing.T) {
	host := hosttest.New(hosttest.Healthy())
	mounted := []introspect.ThreadRef{}
	host.OnMount(func(ref introspect.ThreadRef) {
		mounted = append(mounted, ref)
	})
	assertEqual(t, []introspect.ThreadRef{7}, mounted, "mount callback fired for the scripted thread")
	assertEqual(t, 1, host.MountRegistrations(), "registration recorded")
}
