package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"syscall"
	"time"
)

// ParentWatchdog exits the process when its configured parent PID
// disappears (§9: "the parent-pid watchdog (if present) is a separate
// task that exits the process when the parent disappears"). Optional,
// enabled only when --parent-pid is supplied.
type ParentWatchdog struct {
	parentPID int
	interval  time.Duration
	onOrphan  func()

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewParentWatchdog constructs a watchdog that polls every interval and
// calls onOrphan once the parent process is gone.
func NewParentWatchdog(parentPID int, interval time.Duration, onOrphan func()) *ParentWatchdog {
	return &ParentWatchdog{
		parentPID: parentPID,
		interval:  interval,
		onOrphan:  onOrphan,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the poll loop in a goroutine. A zero or negative parentPID
// disables the watchdog entirely.
func (w *ParentWatchdog) Start(ctx context.Context) {
	if w.parentPID <= 0 {
		return
	}
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop halts the poll loop.
func (w *ParentWatchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *ParentWatchdog) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !processAlive(w.parentPID) {
				slog.Warn("parent process gone, exiting", "parent_pid", w.parentPID)
				// onOrphan drives Controller.Shutdown, which calls
				// ParentWatchdog.Stop and blocks on w.wg.Wait; run it on its
				// own goroutine so this goroutine can return and release
				// wg.Done first, instead of deadlocking against itself.
				go w.onOrphan()
				return
			}
		}
	}
}

// processAlive reports whether pid is still a live process, using the
// signal-0 probe (sends no actual signal, just checks deliverability).
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil
}
