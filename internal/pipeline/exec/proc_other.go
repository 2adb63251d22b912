//go:build !linux

package exec

import (
	"os"
	"syscall"
	"time"
)

func sysProcAttr() *syscall.SysProcAttr { return nil }

func killTree(p *os.Process) {
	if p == nil {
		return
	}
	_ = p.Kill()
}

func applyRlimits(pid int, wall time.Duration) {}
