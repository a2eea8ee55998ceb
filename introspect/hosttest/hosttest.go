// Package hosttest provides a scripted in-memory introspection host for
// exercising the checker without a live debug server. Answers are canned per
// handle variant, errors are injectable per call, and an allocation ledger
// records every buffer handed out so tests can verify the release
// discipline. A host serves one checker at a time; it is not safe for
// concurrent use.
package hosttest

import (
	"fmt"
	"reflect"

	"github.com/emilykmarx/selfsame/introspect"
)

// Script is the set of answers a Host returns, split per handle variant. A
// healthy host answers both variants identically; tests introduce divergence
// by varying one side. Start from Healthy() and modify rather than building
// from scratch.
type Script struct {
	// Thread the sentinel handle resolves to, and the only explicit handle
	// the host accepts.
	Current introspect.ThreadRef
	Caps    introspect.Capabilities

	SentinelInfo introspect.ThreadInfo
	ExplicitInfo introspect.ThreadInfo

	SentinelState introspect.StateMask
	ExplicitState introspect.StateMask

	// Stacks, innermost frame first. Frame counts and single-frame
	// locations are answered from these too.
	SentinelStack []introspect.Frame
	ExplicitStack []introspect.Frame

	SentinelLocks []introspect.LockRef
	ExplicitLocks []introspect.LockRef

	SentinelLockDepths []introspect.LockDepth
	ExplicitLockDepths []introspect.LockDepth

	SentinelContended introspect.LockRef
	ExplicitContended introspect.LockRef

	// Method => name, shared by both variants.
	Methods map[introspect.MethodID]string

	// Error to return per call, keyed "<query>/<variant>" where variant is
	// "sentinel" or "explicit", e.g. "ThreadState/sentinel". CurrentThread
	// takes no handle; its key is just "CurrentThread".
	Errors map[string]error
}

// Healthy is the script of a thread the battery should pass on: named
// "probe" at priority 5, mid-call with a 12-frame stack, holding two locks
// and contending for none.
func Healthy() Script {
	frames := make([]introspect.Frame, 12)
	methods := map[introspect.MethodID]string{}
	for i := range frames {
		m := introspect.MethodID(0x42000 + 0x40*i)
		frames[i] = introspect.Frame{Method: m, Location: int64(4 * i)}
		methods[m] = fmt.Sprintf("probe.fn%d", i)
	}
	info := introspect.ThreadInfo{Name: "probe", Priority: 5, Context: 0xaa01, Group: 0xbb01}
	locks := []introspect.LockRef{0xc0de10, 0xc0de20}
	depths := []introspect.LockDepth{{Lock: locks[0], Depth: 11}, {Lock: locks[1], Depth: 10}}
	return Script{
		Current:            7,
		Caps:               introspect.Capabilities{OwnedLocks: true, OwnedLockDepth: true, ContendedLock: true, MountEvents: true},
		SentinelInfo:       info,
		ExplicitInfo:       info,
		SentinelState:      introspect.StateAlive | introspect.StateRunning,
		ExplicitState:      introspect.StateAlive | introspect.StateRunning,
		SentinelStack:      frames,
		ExplicitStack:      frames,
		SentinelLocks:      locks,
		ExplicitLocks:      locks,
		SentinelLockDepths: depths,
		ExplicitLockDepths: depths,
		Methods:            methods,
	}
}

// A result the host handed out and may see back via Release. The result
// itself is pinned so backing storage is never reused for a later
// allocation.
type alloc struct {
	res      any
	key      uintptr
	desc     string
	released int
}

type Host struct {
	script Script
	allocs []*alloc
	mounts []func(introspect.ThreadRef)
}

func New(script Script) *Host {
	return &Host{script: script}
}

func variant(h introspect.ThreadHandle) string {
	if h.Current {
		return "sentinel"
	}
	return "explicit"
}

func pick[T any](h introspect.ThreadHandle, sentinel, explicit T) T {
	if h.Current {
		return sentinel
	}
	return explicit
}

// checkHandle returns any scripted error for the call, then validates an
// explicit handle against the one thread this host knows.
func (h *Host) checkHandle(query string, hd introspect.ThreadHandle) error {
	if err := h.script.Errors[query+"/"+variant(hd)]; err != nil {
		return err
	}
	if !hd.Current && hd.Ref != h.script.Current {
		return introspect.ErrInvalidThread
	}
	return nil
}

// resultKey identifies a result by its backing storage. Results without any
// (nil pointers, empty slices) have no key and are not tracked.
func resultKey(res any) (uintptr, bool) {
	if res == nil {
		return 0, false
	}
	v := reflect.ValueOf(res)
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return 0, false
		}
		return v.Pointer(), true
	case reflect.Slice:
		if v.IsNil() || v.Len() == 0 {
			return 0, false
		}
		return v.Pointer(), true
	}
	return 0, false
}

func (h *Host) track(res any, desc string) {
	if key, ok := resultKey(res); ok {
		h.allocs = append(h.allocs, &alloc{res: res, key: key, desc: desc})
	}
}

func (h *Host) CurrentThread() (introspect.ThreadRef, error) {
	if err := h.script.Errors["CurrentThread"]; err != nil {
		return 0, err
	}
	return h.script.Current, nil
}

func (h *Host) ThreadInfo(hd introspect.ThreadHandle) (*introspect.ThreadInfo, error) {
	if err := h.checkHandle("ThreadInfo", hd); err != nil {
		return nil, err
	}
	inf := pick(hd, h.script.SentinelInfo, h.script.ExplicitInfo)
	h.track(&inf, fmt.Sprintf("ThreadInfo(%v)", hd))
	return &inf, nil
}

func (h *Host) ThreadState(hd introspect.ThreadHandle) (introspect.StateMask, error) {
	if err := h.checkHandle("ThreadState", hd); err != nil {
		return 0, err
	}
	return pick(hd, h.script.SentinelState, h.script.ExplicitState), nil
}

func (h *Host) stack(hd introspect.ThreadHandle) []introspect.Frame {
	return pick(hd, h.script.SentinelStack, h.script.ExplicitStack)
}

func (h *Host) FrameCount(hd introspect.ThreadHandle) (int, error) {
	if err := h.checkHandle("FrameCount", hd); err != nil {
		return 0, err
	}
	return len(h.stack(hd)), nil
}

func (h *Host) FrameLocation(hd introspect.ThreadHandle, depth int) (introspect.Frame, error) {
	if err := h.checkHandle("FrameLocation", hd); err != nil {
		return introspect.Frame{}, err
	}
	stack := h.stack(hd)
	if depth < 0 || depth >= len(stack) {
		return introspect.Frame{}, introspect.ErrNoFrame
	}
	return stack[depth], nil
}

func (h *Host) StackTrace(hd introspect.ThreadHandle, maxFrames int) ([]introspect.Frame, error) {
	if err := h.checkHandle("StackTrace", hd); err != nil {
		return nil, err
	}
	stack := h.stack(hd)
	if len(stack) > maxFrames {
		stack = stack[:maxFrames]
	}
	if len(stack) == 0 {
		return nil, nil
	}
	// Copy so every call hands out a distinct allocation.
	out := append([]introspect.Frame(nil), stack...)
	h.track(out, fmt.Sprintf("StackTrace(%v)", hd))
	return out, nil
}

func (h *Host) OwnedLocks(hd introspect.ThreadHandle) ([]introspect.LockRef, error) {
	if err := h.checkHandle("OwnedLocks", hd); err != nil {
		return nil, err
	}
	locks := pick(hd, h.script.SentinelLocks, h.script.ExplicitLocks)
	if len(locks) == 0 {
		return nil, nil
	}
	out := append([]introspect.LockRef(nil), locks...)
	h.track(out, fmt.Sprintf("OwnedLocks(%v)", hd))
	return out, nil
}

func (h *Host) OwnedLocksWithDepth(hd introspect.ThreadHandle) ([]introspect.LockDepth, error) {
	if err := h.checkHandle("OwnedLocksWithDepth", hd); err != nil {
		return nil, err
	}
	depths := pick(hd, h.script.SentinelLockDepths, h.script.ExplicitLockDepths)
	if len(depths) == 0 {
		return nil, nil
	}
	out := append([]introspect.LockDepth(nil), depths...)
	h.track(out, fmt.Sprintf("OwnedLocksWithDepth(%v)", hd))
	return out, nil
}

func (h *Host) ContendedLock(hd introspect.ThreadHandle) (introspect.LockRef, error) {
	if err := h.checkHandle("ContendedLock", hd); err != nil {
		return 0, err
	}
	return pick(hd, h.script.SentinelContended, h.script.ExplicitContended), nil
}

func (h *Host) MethodName(m introspect.MethodID) (string, error) {
	if name, ok := h.script.Methods[m]; ok {
		return name, nil
	}
	return "", fmt.Errorf("unknown method %#x", uint64(m))
}

func (h *Host) Capabilities() introspect.Capabilities {
	return h.script.Caps
}

func (h *Host) Release(res any) error {
	key, ok := resultKey(res)
	if !ok {
		return nil
	}
	var seen *alloc
	for _, a := range h.allocs {
		if a.key != key {
			continue
		}
		if a.released == 0 {
			a.released++
			return nil
		}
		seen = a
	}
	if seen != nil {
		seen.released++
		return fmt.Errorf("%v released %v times", seen.desc, seen.released)
	}
	return fmt.Errorf("release of a result this host never allocated: %T", res)
}

// OnMount registers fn and fires it once for the scripted thread, which is
// mounted by definition while it answers queries.
func (h *Host) OnMount(fn func(introspect.ThreadRef)) {
	h.mounts = append(h.mounts, fn)
	fn(h.script.Current)
}

// MountRegistrations reports how many mount callbacks were registered.
func (h *Host) MountRegistrations() int {
	return len(h.mounts)
}

// Leaked returns the results handed out and never released.
func (h *Host) Leaked() []string {
	leaked := []string{}
	for _, a := range h.allocs {
		if a.released == 0 {
			leaked = append(leaked, a.desc)
		}
	}
	return leaked
}

// DoubleReleased returns the results released more than once.
func (h *Host) DoubleReleased() []string {
	doubles := []string{}
	for _, a := range h.allocs {
		if a.released > 1 {
			doubles = append(doubles, a.desc)
		}
	}
	return doubles
}
