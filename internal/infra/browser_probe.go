package infra

import (
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/quarterlit/sitecap/internal/domain"
)

// BrowserProbe implements domain.HostProbe by watching the browser process
// the engine is attached to. When the browser is gone the host context is
// invalid: pending work fails closed and the daemon runs its one-time
// recovery instead of erroring repeatedly.
type BrowserProbe struct {
	pid int
}

// NewBrowserProbe watches the given PID. pid <= 0 disables the probe (the
// host is then always considered alive).
func NewBrowserProbe(pid int) *BrowserProbe {
	return &BrowserProbe{pid: pid}
}

// Alive reports whether the watched browser process still exists.
func (p *BrowserProbe) Alive() bool {
	if p.pid <= 0 {
		return true
	}

	proc, err := process.NewProcess(int32(p.pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil {
		// gopsutil failed; fall back to signal 0.
		return signalZero(p.pid)
	}
	return running
}

func signalZero(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

var _ domain.HostProbe = (*BrowserProbe)(nil)
