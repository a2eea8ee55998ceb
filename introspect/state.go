package introspect

import "strings"

// StateMask is a bit set describing a thread's execution state as the host
// reports it. Paired queries compare the full mask for exact equality.
type StateMask uint32

const (
	StateAlive StateMask = 1 << iota
	StateTerminated
	StateRunnable
	StateRunning
	StateBlocked
	StateWaiting
	StateSyscall
	StateSuspended
)

var stateNames = []struct {
	bit  StateMask
	name string
}{
	{StateAlive, "alive"},
	{StateTerminated, "terminated"},
	{StateRunnable, "runnable"},
	{StateRunning, "running"},
	{StateBlocked, "blocked"},
	{StateWaiting, "waiting"},
	{StateSyscall, "syscall"},
	{StateSuspended, "suspended"},
}

func (s StateMask) String() string {
	if s == 0 {
		return "none"
	}
	names := []string{}
	for _, sn := range stateNames {
		if s&sn.bit != 0 {
			names = append(names, sn.name)
		}
	}
	return strings.Join(names, "|")
}

// Has reports whether every bit of mask is set in s.
func (s StateMask) Has(mask StateMask) bool {
	return s&mask == mask
}
