package infra

import (
	"context"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

const checkExecInterval = 5 * time.Second

// MonitorExecutable signals once the running binary is replaced on disk, so
// a deploy can restart the process gracefully. The returned channel is nil,
// and never fires, when the binary cant be watched.
func MonitorExecutable(ctx context.Context) <-chan struct{} {
	exeFilename, err := os.Executable()
	if err != nil {
		log.WithError(err).Warn("cant resolve executable path for monitor")
		return nil
	}
	return watchFile(ctx, clockwork.NewRealClock(), exeFilename, checkExecInterval)
}

func watchFile(ctx context.Context, clock clockwork.Clock, path string, interval time.Duration) <-chan struct{} {
	entry := log.WithField("file", path)

	stat, err := os.Stat(path)
	if err != nil {
		entry.WithError(err).Warn("cant stat file for monitor")
		return nil
	}
	originalTime := stat.ModTime()

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		ticker := clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				stat, err := os.Stat(path)
				if err != nil {
					entry.WithError(err).Warn("cant stat file for monitor tick")
					continue
				}
				if !originalTime.Equal(stat.ModTime()) {
					entry.Info("file was modified")
					ch <- struct{}{}
					return
				}
			}
		}
	}()
	return ch
}
