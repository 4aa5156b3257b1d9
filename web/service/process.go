package service

import (
	"os"
	"syscall"
	"time"

	"github.com/xshayank/VpnMarket-sub001/logger"
)

// ProcessService restarts the running server so schedule changes take effect.
type ProcessService struct{}

// Reload sends SIGHUP to the current process after delay. The run command rebuilds the
// server and its cron schedule from the stored settings on SIGHUP.
func (s *ProcessService) Reload(delay time.Duration) error {
	p, err := os.FindProcess(syscall.Getpid())
	if err != nil {
		return err
	}
	go func() {
		time.Sleep(delay)
		if err := p.Signal(syscall.SIGHUP); err != nil {
			logger.Error("failed to send SIGHUP signal:", err)
		}
	}()
	return nil
}
