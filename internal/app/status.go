package app

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"pricekeeper/internal/daemon"
)

// Status prints the daemon's persisted status snapshot along with a
// liveness check against the PID file.
func (a *App) Status() error {
	pid, pidErr := daemon.ReadPIDFile(a.Config.Daemon.PIDFile)
	alive := pidErr == nil && daemon.ProcessAlive(pid)

	if alive {
		fmt.Fprintf(os.Stdout, "daemon: running (pid %d)\n", pid)
	} else {
		fmt.Fprintln(os.Stdout, "daemon: not running")
	}

	st, err := daemon.ReadStatusFile(a.Config.Daemon.StatusFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stdout, "no status snapshot recorded yet")
			return nil
		}
		return fmt.Errorf("read status file: %w", err)
	}

	if !st.LastCycleAt.IsZero() {
		fmt.Fprintf(os.Stdout, "last cycle: %s (%s)\n",
			st.LastCycleAt.Format(time.RFC3339), st.LastCycleStatus)
	}
	if !st.LastUpdateTime.IsZero() {
		fmt.Fprintf(os.Stdout, "last price update: %s\n", st.LastUpdateTime.Format(time.RFC3339))
	} else {
		fmt.Fprintln(os.Stdout, "last price update: never (this process lifetime)")
	}
	fmt.Fprintf(os.Stdout, "updates today: %d/%d\n", st.DailyUpdateCount, st.Config.MaxDailyUpdates)
	if st.LastCheckedBlock > 0 {
		fmt.Fprintf(os.Stdout, "events scanned through block %d\n", st.LastCheckedBlock)
	}
	fmt.Fprintf(os.Stdout, "policy: threshold %.0f%%, interval %s, tick %s, tiers %d\n",
		st.Config.ChangeThreshold*100, st.Config.MinUpdateInterval,
		st.Config.TickInterval, st.Config.Tiers)
	return nil
}

// StopDaemon signals the running daemon via its PID file.
func (a *App) StopDaemon() error {
	pid, err := daemon.ReadPIDFile(a.Config.Daemon.PIDFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errors.New("no PID file found; daemon does not appear to be running")
		}
		return err
	}

	if !daemon.ProcessAlive(pid) {
		daemon.RemovePIDFile(a.Config.Daemon.PIDFile)
		return fmt.Errorf("stale PID file removed (process %d is gone)", pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon (pid %d): %w", pid, err)
	}

	fmt.Fprintf(os.Stdout, "sent SIGTERM to pricekeeper daemon (pid %d)\n", pid)
	return nil
}
