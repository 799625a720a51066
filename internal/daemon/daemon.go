// Package daemon backgrounds the serve front-end and tracks it through a
// PID file and a log file — the only cross-process state this program keeps
// at runtime.  At most one supervised instance exists per host; the PID file
// is created with exclusive-create semantics to resolve concurrent starts.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// DefaultPIDFile and DefaultLogFile are the runtime locations on a
	// real host; tests point Supervisor at a temp directory instead.
	DefaultPIDFile = "/var/run/thunder.pid"
	DefaultLogFile = "/var/log/thunder.log"

	// stopGrace is how long stop waits after SIGTERM before SIGKILL.
	stopGrace = 5 * time.Second

	// followInterval is the poll period for `log` to pick up new writes.
	followInterval = 500 * time.Millisecond
)

var (
	// ErrAlreadyRunning is returned by Start when a live instance exists.
	ErrAlreadyRunning = errors.New("thunder daemon is already running")
	// ErrNotRunning is returned by Stop and Log when there is nothing to
	// act on.  The CLI treats it as a notice, not a failure.
	ErrNotRunning = errors.New("thunder daemon is not running")
)

// Supervisor owns the PID file and log file.
type Supervisor struct {
	PIDFile string
	LogFile string
}

// New returns a Supervisor bound to the default runtime paths.
func New() *Supervisor {
	return &Supervisor{PIDFile: DefaultPIDFile, LogFile: DefaultLogFile}
}

// Start launches the current executable with args as a detached background
// process: new session, stdin closed, stdout/stderr appended to the log
// file.  The PID file is claimed with exclusive-create semantics before the
// child is spawned so two concurrent starts cannot both win.  Returns the
// child PID.
func (s *Supervisor) Start(args []string) (int, error) {
	pidf, err := s.claimPIDFile()
	if err != nil {
		return 0, err
	}
	defer pidf.Close()

	logf, err := os.OpenFile(s.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		os.Remove(s.PIDFile)
		return 0, fmt.Errorf("open %s: %w", s.LogFile, err)
	}
	defer logf.Close()

	exe, err := os.Executable()
	if err != nil {
		os.Remove(s.PIDFile)
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		os.Remove(s.PIDFile)
		return 0, fmt.Errorf("start daemon: %w", err)
	}

	pid := cmd.Process.Pid
	if _, err := fmt.Fprintf(pidf, "%d\n", pid); err != nil {
		os.Remove(s.PIDFile)
		return 0, fmt.Errorf("write %s: %w", s.PIDFile, err)
	}

	// The child outlives us; drop the handle without waiting.
	cmd.Process.Release()
	return pid, nil
}

// Stop terminates the supervised process: SIGTERM, a bounded grace period,
// then SIGKILL, and finally removes the PID file.  A missing PID file, a
// dead process, or a PID recycled by an unrelated program all yield
// ErrNotRunning — only a process running this binary is ever signalled.
func (s *Supervisor) Stop() error {
	pid, err := s.readPID()
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotRunning
		}
		return err
	}
	// Same ownership test as Status: a dead or foreign PID means the file
	// is stale, not that there is a process to signal.
	if !processAlive(pid) || !sameExecutable(pid) {
		os.Remove(s.PIDFile)
		return ErrNotRunning
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if processAlive(pid) {
		syscall.Kill(pid, syscall.SIGKILL)
	}

	if err := os.Remove(s.PIDFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", s.PIDFile, err)
	}
	return nil
}

// Status reports the supervised PID and whether it is alive.  A stale PID
// file (file exists, process gone or not ours) is removed on the way out.
func (s *Supervisor) Status() (int, bool) {
	pid, alive := s.alivePID()
	if !alive && pid != 0 {
		os.Remove(s.PIDFile)
	}
	return pid, alive
}

// Log copies the log file to w and then follows new writes until ctx is
// cancelled.  Returns ErrNotRunning if the log file does not exist yet.
func (s *Supervisor) Log(ctx context.Context, w io.Writer) error {
	f, err := os.Open(s.LogFile)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotRunning
		}
		return fmt.Errorf("open %s: %w", s.LogFile, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return err
	}

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// The file is append-only; the offset left by the last
			// read is exactly where new data appears.
			if _, err := io.Copy(w, f); err != nil {
				return err
			}
		}
	}
}

// ─── PID bookkeeping ──────────────────────────────────────────────────────────

// claimPIDFile creates the PID file with O_EXCL.  When the file already
// exists, it is removed and reclaimed only after its PID is confirmed stale;
// a second EEXIST means another starter won the race in between.  The
// exclusive create stays first so a concurrent starter's fresh file is never
// blindly removed.
func (s *Supervisor) claimPIDFile() (*os.File, error) {
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(s.PIDFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create %s: %w", s.PIDFile, err)
		}
		if pid, alive := s.alivePID(); alive {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		if attempt > 0 {
			return nil, fmt.Errorf("%w (lost the race for %s)", ErrAlreadyRunning, s.PIDFile)
		}
		os.Remove(s.PIDFile)
	}
}

func (s *Supervisor) readPID() (int, error) {
	data, err := os.ReadFile(s.PIDFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", s.PIDFile, err)
	}
	return pid, nil
}

// alivePID returns the recorded PID and whether it names a live process
// that belongs to this program.  (0, false) when no PID file exists.
func (s *Supervisor) alivePID() (int, bool) {
	pid, err := s.readPID()
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid) && sameExecutable(pid)
}

// processAlive probes the process with signal 0.  EPERM means the process
// exists but is owned by someone else — still alive.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// sameExecutable reports whether pid is running this binary, so a recycled
// PID from an unrelated process is not mistaken for our daemon.  When
// /proc is unreadable it errs on the side of "ours" rather than clobbering
// a live service.
func sameExecutable(pid int) bool {
	target, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return true
	}
	self, err := os.Executable()
	if err != nil {
		return true
	}
	// The kernel appends " (deleted)" when the binary was replaced on disk.
	target = strings.TrimSuffix(target, " (deleted)")
	return filepath.Clean(target) == filepath.Clean(self)
}
