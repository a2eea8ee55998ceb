package dlvhost

import (
	"fmt"

	linuxproc "github.com/c9s/goprocinfo/linux"
	sys "golang.org/x/sys/unix"
)

// threadPriority returns the nice value of one OS thread. The kernel hands
// getpriority back as 20-nice to keep it positive.
func threadPriority(pid, tid int) (int, error) {
	prio, err := sys.Getpriority(sys.PRIO_PROCESS, tid)
	if err != nil {
		return 0, err
	}
	return 20 - prio, nil
}

// threadStatDesc reads the thread's comm and scheduler state from procfs,
// "" if unreadable.
func threadStatDesc(pid, tid int) string {
	stat, err := linuxproc.ReadProcessStat(fmt.Sprintf("/proc/%d/task/%d/stat", pid, tid))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%v, state %v", stat.Comm, stat.State)
}
