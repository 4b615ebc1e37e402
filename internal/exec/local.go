package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	osexec "os/exec"
	"time"

	"codecollab/internal/config"
	"codecollab/internal/models"
)

// Step is one process invocation. Args[0] is the program; paths are relative to the work dir.
type Step struct {
	Args  []string
	Stdin []byte
}

// Output is the captured result of a Step. A non-zero exit is reported here, not as an error.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// Backend runs steps inside the dispatcher's work dir.
type Backend interface {
	Run(ctx context.Context, lang models.Language, step Step) (Output, error)
}

// NewBackend builds the backend selected by cfg.Backend.
func NewBackend(cfg config.ExecConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalBackend(WorkDir(cfg)), nil
	case "docker":
		return NewDockerBackend(WorkDir(cfg), cfg.Docker)
	default:
		return nil, fmt.Errorf("unknown exec backend %q", cfg.Backend)
	}
}

// LocalBackend spawns host processes with the service's own privileges.
type LocalBackend struct {
	dir string
}

func NewLocalBackend(dir string) *LocalBackend { return &LocalBackend{dir: dir} }

// waitDelay bounds how long Run waits for output pipes after the process is killed.
const waitDelay = time.Second

func (b *LocalBackend) Run(ctx context.Context, _ models.Language, step Step) (Output, error) {
	if len(step.Args) == 0 || step.Args[0] == "" {
		return Output{}, errors.New("empty command")
	}
	cmd := osexec.CommandContext(ctx, step.Args[0], step.Args[1:]...)
	cmd.Dir = b.dir
	cmd.Stdin = bytes.NewReader(step.Stdin)
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return out, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.ExitCode = -1
		return out, nil
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	return Output{}, err
}
