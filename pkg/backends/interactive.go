package backends

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/models"
)

const (
	// shutdownGrace is how long a session child gets to exit after
	// SIGTERM before it is killed.
	shutdownGrace = 5 * time.Second

	sessionLineBuffer = 256
	maxLineBytes      = 1 << 20
)

// defaultSentinels are the prompt markers used when the provider
// configuration does not supply its own.
var defaultSentinels = []string{"> ", ">>> "}

// InteractiveCLIBackend keeps one long-lived CLI child per provider
// and serializes requests through it. Each request writes the message
// to stdin and reads stdout lines until a prompt sentinel appears or
// the deadline passes. A dead child is respawned on the next request.
type InteractiveCLIBackend struct {
	*CLIBackend

	// tickets is a one-slot semaphore. Blocked senders are served in
	// arrival order, so waiting requests keep their submission order.
	tickets chan struct{}

	sessMu  sync.Mutex
	session *cliSession
	closed  bool
}

// NewInteractiveCLIBackend creates a backend that maintains a single
// interactive CLI session.
func NewInteractiveCLIBackend(p *config.ProviderConfig) *InteractiveCLIBackend {
	return &InteractiveCLIBackend{
		CLIBackend: NewCLIBackend(p),
		tickets:    make(chan struct{}, 1),
	}
}

// Execute sends the request message to the session and collects the
// response. When the deadline passes mid-read, whatever arrived so far
// is returned; the dispatcher decides what an expired deadline means.
func (b *InteractiveCLIBackend) Execute(ctx context.Context, req *models.Request) (*Result, error) {
	start := time.Now()

	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	session, err := b.ensureSession()
	if err != nil {
		return failResult(start, FailureSpawn, err.Error()), nil
	}

	if _, err := io.WriteString(session.stdin, req.Message+"\n"); err != nil {
		b.dropSession(session)
		return failResult(start, FailureSpawn, fmt.Sprintf("write to CLI session: %v", err)), nil
	}

	var lines []string
collect:
	for {
		select {
		case line, ok := <-session.lines:
			if !ok {
				// Child exited mid-response.
				break collect
			}
			lines = append(lines, line)
			if b.responseComplete(line) {
				break collect
			}
		case <-ctx.Done():
			if ctx.Err() == context.Canceled {
				return nil, ctx.Err()
			}
			break collect
		}
	}

	return okResult(start, scrubOutput(strings.Join(lines, "\n"))), nil
}

// Shutdown terminates the session child: SIGTERM, a grace period,
// then SIGKILL. Safe to call more than once.
func (b *InteractiveCLIBackend) Shutdown(ctx context.Context) error {
	b.sessMu.Lock()
	b.closed = true
	session := b.session
	b.session = nil
	b.sessMu.Unlock()

	if session != nil {
		session.stop(shutdownGrace)
	}
	return nil
}

// Kind returns models.BackendCLIInteractive.
func (b *InteractiveCLIBackend) Kind() models.BackendKind {
	return models.BackendCLIInteractive
}

func (b *InteractiveCLIBackend) acquire(ctx context.Context) error {
	select {
	case b.tickets <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *InteractiveCLIBackend) release() {
	<-b.tickets
}

// ensureSession returns the live session, spawning a fresh child if
// the previous one exited.
func (b *InteractiveCLIBackend) ensureSession() (*cliSession, error) {
	b.sessMu.Lock()
	defer b.sessMu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("backend %s is shut down", b.name)
	}
	if b.session != nil && b.session.alive() {
		return b.session, nil
	}

	path, err := b.lookPath()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, b.cli.Args...)
	cmd.Dir = b.cli.WorkDir
	cmd.Stderr = io.Discard

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", path, err)
	}

	session := &cliSession{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string, sessionLineBuffer),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go session.pump(stdout)

	b.logger.Info("Started interactive CLI session", "provider", b.name, "command", path, "pid", cmd.Process.Pid)
	b.session = session
	return session, nil
}

// dropSession discards a broken session so the next request respawns.
func (b *InteractiveCLIBackend) dropSession(session *cliSession) {
	b.sessMu.Lock()
	if b.session == session {
		b.session = nil
	}
	b.sessMu.Unlock()
	go session.stop(shutdownGrace)
}

func (b *InteractiveCLIBackend) sentinels() []string {
	if len(b.cli.PromptSentinels) > 0 {
		return b.cli.PromptSentinels
	}
	return defaultSentinels
}

func (b *InteractiveCLIBackend) responseComplete(line string) bool {
	for _, sentinel := range b.sentinels() {
		if strings.HasSuffix(line, sentinel) {
			return true
		}
	}
	return false
}

// cliSession is one running interactive child. A pump goroutine owns
// stdout and feeds lines to the channel; done closes once the child
// has been reaped.
type cliSession struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	lines    chan string
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (s *cliSession) pump(stdout io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
scan:
	for scanner.Scan() {
		select {
		case s.lines <- scanner.Text():
		case <-s.quit:
			break scan
		}
	}
	close(s.lines)
	s.cmd.Wait()
}

func (s *cliSession) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// stop shuts the child down and blocks until it has been reaped.
func (s *cliSession) stop(grace time.Duration) {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.stdin.Close()
		s.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-s.done:
			case <-time.After(grace):
				s.cmd.Process.Kill()
			}
		}()
	})
	<-s.done
}
