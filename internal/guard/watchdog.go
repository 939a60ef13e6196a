package guard

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// watchdog renews a held lease while the guarded operation runs.
type watchdog struct {
	ext    Extender
	handle Handle
	lease  time.Duration
	logger zerolog.Logger

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// startWatchdog renews h every lease/3 until Stop is called or a renewal
// fails. A failed renewal means the lease may expire before the operation
// finishes; it is logged and the watchdog gives up.
func startWatchdog(ctx context.Context, ext Extender, h Handle, lease time.Duration, logger zerolog.Logger) *watchdog {
	w := &watchdog{
		ext:    ext,
		handle: h,
		lease:  lease,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run(context.WithoutCancel(ctx))
	return w
}

// Stop stops renewing and waits for an in-flight renewal to finish.
func (w *watchdog) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}

func (w *watchdog) run(ctx context.Context) {
	defer w.wg.Done()

	interval := w.lease / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.ext.Extend(ctx, w.handle, w.lease); err != nil {
				w.logger.Warn().Err(err).Msg("failed to extend lock lease, lock may expire while held")
				return
			}
			w.logger.Debug().Dur("lease", w.lease).Msg("extended lock lease")
		}
	}
}
