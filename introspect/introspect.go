// Package introspect defines the contract between the equivalence checker
// and a thread-introspection host. A host exposes a fixed set of queries
// about a thread (metadata, state, stack, locks), each accepting either an
// explicit thread handle or a sentinel meaning "the thread this call is
// about by default" - for a debug-server host, its selected thread.
// The host's answers are treated as opaque: the checker only ever compares
// them against each other.
package introspect

import (
	"errors"
	"fmt"
)

// ThreadRef is an opaque reference to a thread known to the host.
// Zero is never a valid reference.
type ThreadRef uint64

// ObjRef is an opaque reference to a host-managed object. Two ObjRefs are
// the same object iff they are equal; zero means "none".
type ObjRef uint64

// MethodID identifies a method/function in the host. Resolvable to a
// human-readable name via Introspector.MethodName.
type MethodID ObjRef

// ThreadHandle selects the thread a query is about: either an explicit
// reference, or the implicit current thread. The zero value is an invalid
// explicit handle; construct handles with Explicit or ImplicitCurrent.
type ThreadHandle struct {
	Ref     ThreadRef // meaningful only when Current is false
	Current bool      // sentinel: "the current thread"
}

// Explicit returns a handle naming ref.
func Explicit(ref ThreadRef) ThreadHandle {
	return ThreadHandle{Ref: ref}
}

// ImplicitCurrent returns the sentinel handle the host must resolve to the
// current thread.
func ImplicitCurrent() ThreadHandle {
	return ThreadHandle{Current: true}
}

func (h ThreadHandle) String() string {
	if h.Current {
		return "current"
	}
	return fmt.Sprintf("thread(%#x)", uint64(h.Ref))
}

// ThreadInfo is a point-in-time metadata snapshot of one thread.
// Name compares by content; Context and Group compare by identity.
type ThreadInfo struct {
	Name     string
	Priority int
	Context  ObjRef // execution context the thread is mounted on
	Group    ObjRef // spawn group the thread belongs to
}

// DisplayName is Name, or a placeholder for unnamed threads. Display only -
// comparisons use Name.
func (inf *ThreadInfo) DisplayName() string {
	if inf.Name == "" {
		return "<unnamed thread>"
	}
	return inf.Name
}

// Frame is one call-stack frame: the method executing and the instruction
// offset within it.
type Frame struct {
	Method   MethodID
	Location int64
}

// LockRef references a lock object; zero means "none".
type LockRef ObjRef

// LockDepth pairs an owned lock with the stack depth it was acquired at.
type LockDepth struct {
	Lock  LockRef
	Depth int
}

// Capabilities reports which optional queries the host supports. The
// checker skips queries the host lacks; it never negotiates.
type Capabilities struct {
	OwnedLocks     bool
	OwnedLockDepth bool
	ContendedLock  bool
	MountEvents    bool
}

// Errors a host returns when a query cannot be answered. Any of these on a
// call expected to succeed for a live, queryable thread is fatal to a
// checker run.
var (
	// ErrThreadNotAlive: the referenced thread has terminated.
	ErrThreadNotAlive = errors.New("thread not alive")
	// ErrInvalidThread: the handle does not reference a thread the host knows.
	ErrInvalidThread = errors.New("invalid thread handle")
	// ErrNoFrame: the requested stack depth does not exist.
	ErrNoFrame = errors.New("no frame at depth")
	// ErrUnsupported: the host lacks the capability for this query.
	ErrUnsupported = errors.New("unsupported by host")
	// ErrNotAttached: the host connection is gone.
	ErrNotAttached = errors.New("not attached to host")
)

// Introspector is the thread-introspection interface. Every query accepts a
// ThreadHandle, explicit or sentinel.
//
// Results backed by host-owned storage - *ThreadInfo, and the slices from
// StackTrace, OwnedLocks and OwnedLocksWithDepth - must be handed back via
// Release exactly once, on every path. Scalar results need no release.
type Introspector interface {
	// CurrentThread resolves the thread the sentinel handle refers to.
	CurrentThread() (ThreadRef, error)

	ThreadInfo(h ThreadHandle) (*ThreadInfo, error)
	ThreadState(h ThreadHandle) (StateMask, error)
	FrameCount(h ThreadHandle) (int, error)
	FrameLocation(h ThreadHandle, depth int) (Frame, error)
	// StackTrace returns at most maxFrames frames, outermost last.
	StackTrace(h ThreadHandle, maxFrames int) ([]Frame, error)
	OwnedLocks(h ThreadHandle) ([]LockRef, error)
	OwnedLocksWithDepth(h ThreadHandle) ([]LockDepth, error)
	// ContendedLock returns the lock the thread is blocked acquiring, or zero.
	ContendedLock(h ThreadHandle) (LockRef, error)

	// MethodName resolves a MethodID from a prior result of this host.
	MethodName(m MethodID) (string, error)

	Capabilities() Capabilities

	// Release returns a buffer-bearing result to the host. Release(nil) is
	// a no-op.
	Release(res any) error
}

// MountNotifier is implemented by hosts that can report a thread being
// mounted onto an execution context. Diagnostic only; registration must not
// affect query results.
type MountNotifier interface {
	OnMount(func(ThreadRef))
}
