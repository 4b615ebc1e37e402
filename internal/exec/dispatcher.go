// Package exec compiles and runs submitted source code out of process.
package exec

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"codecollab/internal/config"
	"codecollab/internal/events"
	"codecollab/internal/metrics"
	"codecollab/internal/models"
)

// TempPattern names every source file the dispatcher writes. The janitor sweeps files matching it.
const TempPattern = "code-*"

// workDirName is the directory under the OS temp dir used when no work dir is configured.
const workDirName = "codecollab"

type Request struct {
	Code     string
	Language models.Language
	Stdin    string
}

// Result is what the program (or its compiler) produced. Compile and runtime
// errors are carried in Stderr, never as Go errors.
type Result struct {
	Stdout    string
	Stderr    string
	ElapsedMs float64
}

// InfrastructureError reports a failure of the dispatcher itself: temp files, process spawn, container API.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *InfrastructureError) Unwrap() error { return e.Err }

// Dispatcher materialises source into the work dir and drives compile/run steps on a Backend.
type Dispatcher struct {
	backend Backend
	workDir string
	timeout time.Duration
	tools   config.ToolchainConfig
	events  events.Publisher
	log     *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewDispatcher(cfg config.ExecConfig, backend Backend, publisher events.Publisher, log *zap.Logger) *Dispatcher {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		backend:  backend,
		workDir:  WorkDir(cfg),
		timeout:  cfg.Timeout,
		tools:    cfg.Toolchain,
		events:   publisher,
		log:      log,
		inFlight: make(map[string]struct{}),
	}
}

// WorkDir resolves the directory that receives temporary sources. The
// default is a service-owned directory, never the shared temp dir itself.
func WorkDir(cfg config.ExecConfig) string {
	if cfg.WorkDir != "" {
		return cfg.WorkDir
	}
	return filepath.Join(os.TempDir(), workDirName)
}

// PrepareWorkDir creates the work dir if needed and returns it.
func PrepareWorkDir(cfg config.ExecConfig) (string, error) {
	dir := WorkDir(cfg)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create work dir %s: %w", dir, err)
	}
	return dir, nil
}

// InFlight reports whether path belongs to an execution that has not finished yet.
func (d *Dispatcher) InFlight(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[filepath.Clean(path)]
	return ok
}

func (d *Dispatcher) track(paths ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range paths {
		d.inFlight[filepath.Clean(p)] = struct{}{}
	}
}

func (d *Dispatcher) untrack(paths ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range paths {
		delete(d.inFlight, filepath.Clean(p))
	}
}

// Execute runs req to completion. A non-nil error is always an *InfrastructureError.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := d.execute(ctx, req)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "failed"
		d.log.Warn("execution failed", zap.String("language", string(req.Language)), zap.Error(err))
	case res.Stderr != "":
		outcome = "error"
	}
	metrics.ObserveExecution(string(req.Language), outcome, time.Since(start))

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if perr := d.events.Publish(pubCtx, events.Event{
		Type:      events.ExecutionCompleted,
		Language:  string(req.Language),
		ElapsedMs: res.ElapsedMs,
		Failed:    err != nil,
	}); perr != nil {
		d.log.Debug("event dropped", zap.Error(perr))
	}
	return res, err
}

func (d *Dispatcher) execute(ctx context.Context, req Request) (Result, error) {
	path, err := d.writeSource(req)
	if err != nil {
		return Result{}, err
	}
	artifactPath := path + ".exe"
	d.track(path, artifactPath)
	defer d.untrack(path, artifactPath)
	defer d.remove(path)

	start := time.Now()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	name := filepath.Base(path)
	stdin := []byte(req.Stdin + "\n")
	var out Output

	switch req.Language {
	case models.LangPython, models.LangJavaScript:
		out, err = d.backend.Run(ctx, req.Language, Step{
			Args:  []string{interpreter(req.Language, d.tools), name},
			Stdin: stdin,
		})
		if err != nil {
			return Result{}, &InfrastructureError{Op: "run", Err: err}
		}

	case models.LangC, models.LangCPP:
		artifact := filepath.Base(artifactPath)
		defer d.remove(artifactPath)

		build, err := d.backend.Run(ctx, req.Language, Step{
			Args: []string{compiler(req.Language, d.tools), name, "-o", artifact},
		})
		if err != nil {
			return Result{}, &InfrastructureError{Op: "compile", Err: err}
		}
		if build.Stderr != "" || build.TimedOut {
			out = Output{Stderr: build.Stderr, TimedOut: build.TimedOut}
			break
		}
		out, err = d.backend.Run(ctx, req.Language, Step{
			Args:  []string{"./" + artifact},
			Stdin: stdin,
		})
		if err != nil {
			return Result{}, &InfrastructureError{Op: "run", Err: err}
		}

	default:
		// unknown languages are materialised but never run
	}

	if out.TimedOut {
		out.Stderr += fmt.Sprintf("\nexecution timed out after %s", d.timeout)
	}
	return Result{
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		ElapsedMs: elapsedMs(time.Since(start)),
	}, nil
}

func (d *Dispatcher) writeSource(req Request) (string, error) {
	f, err := os.CreateTemp(d.workDir, TempPattern+Extension(req.Language))
	if err != nil {
		return "", &InfrastructureError{Op: "create source file", Err: err}
	}
	path := f.Name()
	if _, err := f.WriteString(req.Code); err != nil {
		_ = f.Close()
		d.remove(path)
		return "", &InfrastructureError{Op: "write source file", Err: err}
	}
	if err := f.Close(); err != nil {
		d.remove(path)
		return "", &InfrastructureError{Op: "write source file", Err: err}
	}
	return path, nil
}

func (d *Dispatcher) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.log.Warn("temp file not removed", zap.String("path", path), zap.Error(err))
	}
}

// elapsedMs converts d to milliseconds rounded to two decimals.
func elapsedMs(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	return math.Round(ms*100) / 100
}
