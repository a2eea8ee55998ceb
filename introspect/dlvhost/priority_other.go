//go:build !linux

package dlvhost

// Thread priority and stat live in procfs; other platforms report neutral
// values.
func threadPriority(pid, tid int) (int, error) {
	return 0, nil
}

func threadStatDesc(pid, tid int) string {
	return ""
}
