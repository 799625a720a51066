package serve

// payload.go – lifecycle of the download-manager child process: start under
// a PTY, drain its output into the log sink and a rolling buffer, terminate
// it with a bounded grace period, and report its exit status.

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/ianremillard/thunder/internal/manifest"
)

const (
	// DefaultPayloadBin is where the install package places the binary.
	DefaultPayloadBin = "/opt/thunder/bin/payload"

	// PayloadPort is the loopback port the payload's internal HTTP
	// endpoint listens on.
	PayloadPort = 2345

	// maxLogBytes caps the rolling in-memory copy of recent output.
	maxLogBytes = 1 << 20
)

// Payload supervises the single child process the front-end proxies to.
//
// The child runs under a PTY rather than plain pipes: the proprietary binary
// only line-flushes its progress output when it sees a terminal.  The PTY
// also gives the child its own session, so Terminate can signal the whole
// process group.
type Payload struct {
	Bin      string
	Root     string // working directory; the payload install root
	Manifest manifest.Config

	// Sink receives everything the child writes.  Under `run` this is the
	// user's stdout; under `start` it is the daemon log file.
	Sink *os.File

	mu     sync.Mutex
	ptm    *os.File
	pid    int
	logBuf []byte
	done   chan struct{}
	status int // exit status, valid after done is closed
}

// Start launches the child.  The manifest's uid/gid become the child's
// credentials, and the paths the payload needs are exported through its
// environment before exec.
func (p *Payload) Start() error {
	cmd := exec.Command(p.Bin)
	cmd.Dir = p.Root
	cmd.Env = append(os.Environ(),
		"THUNDER_PAYLOAD_CONFIG="+p.Manifest.ConfigPath,
		"THUNDER_PAYLOAD_DOWNLOADS="+p.Manifest.MountBindDownloadPath,
		fmt.Sprintf("THUNDER_PAYLOAD_PORT=%d", PayloadPort),
	)

	// pty.Start would supply Setsid+Setctty itself when SysProcAttr is
	// nil, but we may need Credential too, so build the attr explicitly.
	attr := &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if p.Manifest.UID != 0 || p.Manifest.GID != 0 {
		attr.Credential = &syscall.Credential{Uid: p.Manifest.UID, Gid: p.Manifest.GID}
	}
	cmd.SysProcAttr = attr

	ptm, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("start payload %s: %w", p.Bin, err)
	}

	p.mu.Lock()
	p.ptm = ptm
	p.pid = cmd.Process.Pid
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.reader(cmd)
	return nil
}

// Done is closed when the child has fully exited.
func (p *Payload) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// ExitStatus is the child's exit status.  Only meaningful after Done.
func (p *Payload) ExitStatus() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// PID returns the child's process ID, or 0 before Start.
func (p *Payload) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Tail returns up to the last n lines of the rolling output buffer.
func (p *Payload) Tail(n int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.logBuf) == 0 {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(p.logBuf), "\r\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// reader drains the PTY master until the child exits, forwarding output to
// the sink and the rolling buffer, then records the exit status.
func (p *Payload) reader(cmd *exec.Cmd) {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptm.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if p.Sink != nil {
				p.Sink.Write(chunk)
			}
			p.appendLog(chunk)
		}
		if err != nil {
			// EIO here means the slave side closed: the child is gone.
			break
		}
	}

	waitErr := cmd.Wait()

	p.mu.Lock()
	p.ptm.Close()
	p.ptm = nil
	p.status = exitStatus(waitErr)
	done := p.done
	p.mu.Unlock()

	close(done)
}

func (p *Payload) appendLog(chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logBuf = append(p.logBuf, chunk...)
	if len(p.logBuf) > maxLogBytes {
		p.logBuf = p.logBuf[len(p.logBuf)-maxLogBytes:]
	}
}

// Terminate asks the child's process group to exit with SIGTERM, waits up
// to grace, then SIGKILLs stragglers and waits for the reader to finish.
func (p *Payload) Terminate(grace time.Duration) {
	p.mu.Lock()
	pid := p.pid
	done := p.done
	p.mu.Unlock()

	if pid <= 0 || done == nil {
		return
	}

	// Setsid made the child a session leader, so PGID == PID; signal the
	// group to catch anything the payload forked.
	syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	syscall.Kill(-pid, syscall.SIGKILL)
	<-done
}

// exitStatus maps cmd.Wait's error to a process exit status: 0 for clean
// exit, the child's code for a plain failure, 1 for a signal death or any
// other wait error.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}
