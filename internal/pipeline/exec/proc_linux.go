//go:build linux

package exec

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// fsizeLimit caps files written by a child; a buggy generator loops
// forever appending to its output otherwise.
const fsizeLimit = 256 << 20

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}
}

// killTree kills the child's whole process group. The child was started
// with Setpgid, so -pid addresses everything it forked.
func killTree(p *os.Process) {
	if p == nil {
		return
	}
	_ = unix.Kill(-p.Pid, unix.SIGKILL)
}

// applyRlimits caps the child's CPU seconds and writable file size. The
// CPU cap is a backstop one second above the wall-clock watchdog.
func applyRlimits(pid int, wall time.Duration) {
	cpuSeconds := uint64(wall/time.Second) + 1
	cpu := unix.Rlimit{Cur: cpuSeconds, Max: cpuSeconds}
	_ = unix.Prlimit(pid, unix.RLIMIT_CPU, &cpu, nil)
	fsize := unix.Rlimit{Cur: fsizeLimit, Max: fsizeLimit}
	_ = unix.Prlimit(pid, unix.RLIMIT_FSIZE, &fsize, nil)
}
