package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/models"
)

// progressPhrases mark status lines CLIs print before their answer.
// Any output line containing one of these (case-insensitive) is
// dropped.
var progressPhrases = []string{
	"loading",
	"initializing",
	"connecting",
	"thinking...",
	"processing...",
}

// CLIBackend reaches a provider by spawning its CLI once per request.
// The command path is resolved through $PATH on first use and cached.
type CLIBackend struct {
	name   string
	cli    *config.CLIBackendConfig
	logger *slog.Logger

	mu   sync.Mutex
	path string
}

// NewCLIBackend creates a backend for a one-shot CLI provider.
func NewCLIBackend(p *config.ProviderConfig) *CLIBackend {
	return &CLIBackend{
		name:   p.Name,
		cli:    p.CLI,
		logger: slog.Default(),
	}
}

// lookPath resolves the configured command to an absolute path. A
// successful resolution is cached; failures are retried so a CLI
// installed after startup is picked up.
func (b *CLIBackend) lookPath() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.path != "" {
		return b.path, nil
	}

	cmd := b.cli.Command
	if cmd == "" {
		return "", fmt.Errorf("no command configured for provider %s", b.name)
	}
	if filepath.IsAbs(cmd) {
		info, err := os.Stat(cmd)
		if err != nil || info.IsDir() {
			return "", fmt.Errorf("CLI command not found: %s", cmd)
		}
		b.path = cmd
		return b.path, nil
	}

	path, err := exec.LookPath(cmd)
	if err != nil {
		return "", fmt.Errorf("CLI command not found: %s", cmd)
	}
	b.path = path
	return b.path, nil
}

// CommandPreview returns up to the first three command tokens followed
// by "...". The prompt argument is never included.
func (b *CLIBackend) CommandPreview() string {
	path, err := b.lookPath()
	if err != nil {
		return b.cli.Command
	}
	argv := append([]string{path}, b.cli.Args...)
	if len(argv) > 3 {
		argv = argv[:3]
	}
	return strings.Join(argv, " ") + " ..."
}

// Execute spawns the CLI with the request message as the final
// argument and captures its output. The child is killed when ctx
// expires.
func (b *CLIBackend) Execute(ctx context.Context, req *models.Request) (*Result, error) {
	start := time.Now()

	path, err := b.lookPath()
	if err != nil {
		return failResult(start, FailureSpawn, err.Error()), nil
	}

	args := make([]string, 0, len(b.cli.Args)+1)
	args = append(args, b.cli.Args...)
	args = append(args, req.Message)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = b.cli.WorkDir
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return failResult(start, FailureTimeout, fmt.Sprintf("CLI command timed out after %gs", req.TimeoutS)), nil
		case context.Canceled:
			return nil, ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = fmt.Sprintf("CLI exited with code %d", exitErr.ExitCode())
			}
			return failResult(start, FailureExit, msg), nil
		}
		return failResult(start, FailureSpawn, fmt.Sprintf("spawn %s: %v", path, err)), nil
	}

	result := okResult(start, scrubOutput(stdout.String()))
	result.Metadata = map[string]any{"exit_code": 0}
	return result, nil
}

// HealthCheck verifies the CLI binary resolves and runs. A nonzero
// exit still counts as alive; not every CLI supports --version.
func (b *CLIBackend) HealthCheck(ctx context.Context) bool {
	path, err := b.lookPath()
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "--version")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return false
		}
		var exitErr *exec.ExitError
		return errors.As(err, &exitErr)
	}
	return true
}

// Shutdown is a no-op; one-shot children never outlive their request.
func (b *CLIBackend) Shutdown(ctx context.Context) error {
	return nil
}

// Kind returns models.BackendCLI.
func (b *CLIBackend) Kind() models.BackendKind {
	return models.BackendCLI
}

// scrubOutput strips known progress lines from CLI output and trims
// surrounding whitespace.
func scrubOutput(out string) string {
	lines := strings.Split(out, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if isProgressLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func isProgressLine(line string) bool {
	lower := strings.ToLower(line)
	for _, phrase := range progressPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
