// Package dlvhost adapts a headless delve debug server to the introspect
// contract. Goroutines stand in for threads: the sentinel handle maps to
// delve's own selected-goroutine sentinel (goroutine ID -1) and an explicit
// handle names a goroutine ID. The target must be stopped, so paired
// queries see one unchanging thread.
package dlvhost

import (
	"fmt"
	"strings"

	"github.com/emilykmarx/selfsame/introspect"
	"github.com/go-delve/delve/service/api"
	"github.com/go-delve/delve/service/rpc2"
)

// Request depth that covers a whole stack; nothing deeper is compared.
const fullStackDepth = 100

// Frames scanned for a sync lock entry point when answering ContendedLock.
const contendedScanDepth = 8

type Host struct {
	client   *rpc2.RPCClient
	selected int64
	pid      int

	// Method => name, filled as snapshots resolve functions.
	methods map[introspect.MethodID]string
}

// Attach dials a headless debug server. The target must be stopped with a
// selected goroutine; that goroutine is what the sentinel handle resolves
// to.
func Attach(addr string) (*Host, error) {
	client := rpc2.NewClient(addr)
	state, err := client.GetState()
	if err != nil {
		return nil, fmt.Errorf("getting state from %v: %v", addr, err)
	}
	if state.Running {
		return nil, fmt.Errorf("target is running; paired queries need a stopped target")
	}
	if state.SelectedGoroutine == nil {
		return nil, fmt.Errorf("no selected goroutine to probe")
	}
	return &Host{
		client:   client,
		selected: state.SelectedGoroutine.ID,
		pid:      state.Pid,
		methods:  map[introspect.MethodID]string{},
	}, nil
}

// Detach disconnects from the server, optionally killing the target.
func (h *Host) Detach(kill bool) error {
	if h.client == nil {
		return nil
	}
	client := h.client
	h.client = nil
	return client.Detach(kill)
}

func (h *Host) conn() (*rpc2.RPCClient, error) {
	if h.client == nil {
		return nil, introspect.ErrNotAttached
	}
	return h.client, nil
}

func (h *Host) goroutineID(hd introspect.ThreadHandle) int64 {
	if hd.Current {
		return -1
	}
	return int64(hd.Ref)
}

func (h *Host) goroutine(hd introspect.ThreadHandle) (*api.Goroutine, error) {
	client, err := h.conn()
	if err != nil {
		return nil, err
	}
	if hd.Current {
		state, err := client.GetState()
		if err != nil {
			return nil, fmt.Errorf("getting state: %v", err)
		}
		if state.SelectedGoroutine == nil {
			return nil, introspect.ErrThreadNotAlive
		}
		return state.SelectedGoroutine, nil
	}
	gs, _, err := client.ListGoroutines(0, 0)
	if err != nil {
		return nil, fmt.Errorf("listing goroutines: %v", err)
	}
	for _, g := range gs {
		if g.ID == int64(hd.Ref) {
			return g, nil
		}
	}
	return nil, introspect.ErrInvalidThread
}

func (h *Host) stacktrace(hd introspect.ThreadHandle, depth int) ([]api.Stackframe, error) {
	client, err := h.conn()
	if err != nil {
		return nil, err
	}
	frames, err := client.Stacktrace(h.goroutineID(hd), depth, api.StacktraceSimple, &api.LoadConfig{})
	if err != nil {
		if strings.Contains(err.Error(), "unknown goroutine") {
			return nil, introspect.ErrInvalidThread
		}
		return nil, fmt.Errorf("stacktrace: %v", err)
	}
	return frames, nil
}

// frame converts a delve stack frame: the method is the function entry PC,
// the location the instruction offset within it. Frames delve cannot
// attribute to a function keep their PC as both identity and name.
func (h *Host) frame(sf api.Stackframe) introspect.Frame {
	if sf.Function == nil {
		m := introspect.MethodID(sf.PC)
		h.methods[m] = fmt.Sprintf("unknown(%#x)", sf.PC)
		return introspect.Frame{Method: m}
	}
	m := introspect.MethodID(sf.Function.Value)
	h.methods[m] = sf.Function.Name()
	return introspect.Frame{Method: m, Location: int64(sf.PC - sf.Function.Value)}
}

func (h *Host) CurrentThread() (introspect.ThreadRef, error) {
	if h.client == nil {
		return 0, introspect.ErrNotAttached
	}
	return introspect.ThreadRef(h.selected), nil
}

// Name is the goroutine's pprof "name" label, else the function it started
// in. The OS thread the goroutine is mounted on serves as its execution
// context, the go statement that spawned it as its group.
func (h *Host) ThreadInfo(hd introspect.ThreadHandle) (*introspect.ThreadInfo, error) {
	g, err := h.goroutine(hd)
	if err != nil {
		return nil, err
	}
	inf := introspect.ThreadInfo{
		Name:    goroutineName(g),
		Context: introspect.ObjRef(g.ThreadID),
		Group:   introspect.ObjRef(g.GoStatementLoc.PC),
	}
	if g.ThreadID != 0 {
		prio, err := threadPriority(h.pid, g.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("reading priority of thread %v: %v", g.ThreadID, err)
		}
		inf.Priority = prio
	}
	return &inf, nil
}

func goroutineName(g *api.Goroutine) string {
	if name := g.Labels["name"]; name != "" {
		return name
	}
	if g.StartLoc.Function != nil {
		return g.StartLoc.Function.Name()
	}
	return ""
}

// G status values mirror runtime/runtime2.go.
const (
	gIdle     = 0
	gRunnable = 1
	gRunning  = 2
	gSyscall  = 3
	gWaiting  = 4
	gDead     = 6
)

// The server only answers while the target is stopped, so every live
// goroutine also carries the suspended bit. A waiting goroutine whose
// non-runtime location is inside sync is blocked on a lock, not just
// parked.
func goroutineState(g *api.Goroutine) introspect.StateMask {
	switch g.Status {
	case gDead:
		return introspect.StateTerminated
	case gIdle, gRunnable:
		return introspect.StateAlive | introspect.StateRunnable | introspect.StateSuspended
	case gRunning:
		return introspect.StateAlive | introspect.StateRunning | introspect.StateSuspended
	case gSyscall:
		return introspect.StateAlive | introspect.StateSyscall | introspect.StateSuspended
	case gWaiting:
		s := introspect.StateAlive | introspect.StateWaiting | introspect.StateSuspended
		if strings.HasPrefix(g.UserCurrentLoc.Function.Name(), "sync.") {
			s |= introspect.StateBlocked
		}
		return s
	}
	return introspect.StateAlive | introspect.StateSuspended
}

func (h *Host) ThreadState(hd introspect.ThreadHandle) (introspect.StateMask, error) {
	g, err := h.goroutine(hd)
	if err != nil {
		return 0, err
	}
	return goroutineState(g), nil
}

func (h *Host) FrameCount(hd introspect.ThreadHandle) (int, error) {
	frames, err := h.stacktrace(hd, fullStackDepth)
	if err != nil {
		return 0, err
	}
	return len(frames), nil
}

func (h *Host) FrameLocation(hd introspect.ThreadHandle, depth int) (introspect.Frame, error) {
	if depth < 0 {
		return introspect.Frame{}, introspect.ErrNoFrame
	}
	frames, err := h.stacktrace(hd, depth+1)
	if err != nil {
		return introspect.Frame{}, err
	}
	if depth >= len(frames) {
		return introspect.Frame{}, introspect.ErrNoFrame
	}
	return h.frame(frames[depth]), nil
}

func (h *Host) StackTrace(hd introspect.ThreadHandle, maxFrames int) ([]introspect.Frame, error) {
	frames, err := h.stacktrace(hd, maxFrames)
	if err != nil {
		return nil, err
	}
	if len(frames) > maxFrames {
		frames = frames[:maxFrames]
	}
	out := make([]introspect.Frame, len(frames))
	for i, sf := range frames {
		out[i] = h.frame(sf)
	}
	return out, nil
}

// The Go runtime does not record which goroutine holds a mutex, so the
// owned-lock queries cannot be answered; Capabilities reports them absent.
func (h *Host) OwnedLocks(hd introspect.ThreadHandle) ([]introspect.LockRef, error) {
	return nil, introspect.ErrUnsupported
}

func (h *Host) OwnedLocksWithDepth(hd introspect.ThreadHandle) ([]introspect.LockDepth, error) {
	return nil, introspect.ErrUnsupported
}

// A goroutine parked entering a sync lock has the lock's entry point near
// the top of its stack; the receiver of that frame is the contended lock.
func (h *Host) ContendedLock(hd introspect.ThreadHandle) (introspect.LockRef, error) {
	g, err := h.goroutine(hd)
	if err != nil {
		return 0, err
	}
	if g.Status != gWaiting {
		return 0, nil
	}
	frames, err := h.stacktrace(hd, contendedScanDepth)
	if err != nil {
		return 0, err
	}
	client, err := h.conn()
	if err != nil {
		return 0, err
	}
	for i, sf := range frames {
		if !blockedOnLock(sf.Function.Name()) {
			continue
		}
		scope := api.EvalScope{GoroutineID: h.goroutineID(hd), Frame: i}
		args, err := client.ListFunctionArgs(scope, api.LoadConfig{FollowPointers: true})
		if err != nil {
			return 0, fmt.Errorf("listing args of %v: %v", sf.Function.Name(), err)
		}
		if len(args) == 0 {
			continue
		}
		return introspect.LockRef(lockAddr(args[0])), nil
	}
	return 0, nil
}

// blockedOnLock reports whether fn is a sync lock entry point a blocked
// goroutine parks under.
func blockedOnLock(fn string) bool {
	switch fn {
	case "sync.(*Mutex).Lock", "sync.(*RWMutex).Lock", "sync.(*RWMutex).RLock":
		return true
	}
	return false
}

// lockAddr unwraps a lock receiver: the pointed-to lock if loaded, else the
// variable itself.
func lockAddr(v api.Variable) uint64 {
	if len(v.Children) > 0 && v.Children[0].Addr != 0 {
		return v.Children[0].Addr
	}
	return v.Addr
}

func (h *Host) MethodName(m introspect.MethodID) (string, error) {
	if name, ok := h.methods[m]; ok {
		return name, nil
	}
	return "", fmt.Errorf("method %#x not seen in any snapshot", uint64(m))
}

func (h *Host) Capabilities() introspect.Capabilities {
	return introspect.Capabilities{ContendedLock: true}
}

// Snapshots are plain values reclaimed by the collector; nothing to hand
// back.
func (h *Host) Release(res any) error {
	return nil
}

// ThreadDesc describes the OS thread a goroutine is mounted on, for
// diagnostics. Best effort: unmounted goroutines and non-linux builds get a
// short placeholder.
func (h *Host) ThreadDesc(ref introspect.ThreadRef) string {
	g, err := h.goroutine(introspect.Explicit(ref))
	if err != nil {
		return fmt.Sprintf("goroutine %v: %v", uint64(ref), err)
	}
	if g.ThreadID == 0 {
		return fmt.Sprintf("goroutine %v not mounted on an OS thread", g.ID)
	}
	desc := threadStatDesc(h.pid, g.ThreadID)
	if desc == "" {
		desc = "no stat info"
	}
	return fmt.Sprintf("goroutine %v on thread %v (%v)", g.ID, g.ThreadID, desc)
}
