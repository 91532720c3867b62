// Package engine runs the external workflow execution engine as a subprocess
// and extracts the output report it produces.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/gowe-launcher/pkg/model"
)

// Invocation is one engine run.
type Invocation struct {
	EntrypointPath string
	ParamsPath     string
	WorkDir        string
	OutDir         string
	TmpDir         string
}

// Result is the outcome of a successful run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Report   map[string]any
}

// Engine consumes an entrypoint and a rewritten parameter file and reports
// where it wrote the outputs.
type Engine interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// DefaultCommand runs cwltool.
var DefaultCommand = []string{"cwltool", "--outdir", "{outdir}", "--tmpdir-prefix", "{tmpdir}/", "{entrypoint}", "{params}"}

// DefaultReportMarker precedes the report on the engine's stdout.
const DefaultReportMarker = "Succeeded"

// CommandConfig configures a CommandEngine.
type CommandConfig struct {
	// Name labels the engine in logs and errors. It defaults to the base
	// name of the command.
	Name string

	// Command is the argv template. The placeholders {entrypoint}, {params},
	// {outdir}, {workdir} and {tmpdir} are substituted in every argument.
	Command []string

	// ReportMarker is searched for in stdout; the report is the first JSON
	// object after it.
	ReportMarker string

	// ReportFile, when set, is a file (same placeholders) the engine writes
	// its report to. It takes precedence over stdout.
	ReportFile string

	// Timeout bounds the whole run (0 = none).
	Timeout time.Duration
}

// CommandEngine runs the engine as a local process.
type CommandEngine struct {
	cfg    CommandConfig
	logger *slog.Logger
}

// NewCommandEngine creates a CommandEngine.
func NewCommandEngine(cfg CommandConfig, logger *slog.Logger) *CommandEngine {
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	if cfg.ReportMarker == "" {
		cfg.ReportMarker = DefaultReportMarker
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.Command[0])
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandEngine{cfg: cfg, logger: logger.With("component", "engine", "engine", cfg.Name)}
}

// Name returns the engine's label.
func (e *CommandEngine) Name() string {
	return e.cfg.Name
}

// Run executes the engine, persists its stdout and stderr next to the
// entrypoint and extracts the report.
func (e *CommandEngine) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	argv := make([]string, len(e.cfg.Command))
	for i, a := range e.cfg.Command {
		argv[i] = expand(a, inv)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = inv.WorkDir
	cmd.WaitDelay = time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	e.logger.Info("starting engine", "command", argv)
	start := time.Now()
	runErr := cmd.Run()

	result := &Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	if err := PersistOutput(inv.EntrypointPath, result.Stdout, result.Stderr); err != nil {
		e.logger.Warn("could not persist engine output", "error", err)
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s did not finish within %s", model.ErrLaunchTimeout, e.cfg.Name, e.cfg.Timeout)
	}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("%w: %s exited with code %d", model.ErrEngineInvocation, argv[0], result.ExitCode)
	default:
		return nil, fmt.Errorf("%w: %s: %w", model.ErrEngineInvocation, e.cfg.Name, runErr)
	}

	e.logger.Info("engine finished", "duration", time.Since(start).Round(time.Millisecond))

	report, err := e.readReport(inv, result.Stdout)
	if err != nil {
		return result, err
	}
	result.Report = report
	return result, nil
}

func (e *CommandEngine) readReport(inv Invocation, stdout string) (map[string]any, error) {
	if e.cfg.ReportFile == "" {
		return ExtractReport(stdout, e.cfg.ReportMarker)
	}
	path := expand(e.cfg.ReportFile, inv)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrNoReport, err)
	}
	var report map[string]any
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("%w: report file %s: %w", model.ErrNoReport, path, err)
	}
	return unwrapOutputs(report), nil
}

func expand(s string, inv Invocation) string {
	return strings.NewReplacer(
		"{entrypoint}", inv.EntrypointPath,
		"{params}", inv.ParamsPath,
		"{outdir}", inv.OutDir,
		"{workdir}", inv.WorkDir,
		"{tmpdir}", inv.TmpDir,
	).Replace(s)
}

// PersistOutput writes stdout and stderr to <name>.stdout.txt and
// <name>.stderr.txt in the entrypoint's directory.
func PersistOutput(entrypointPath, stdout, stderr string) error {
	dir := filepath.Dir(entrypointPath)
	name := stem(entrypointPath)
	if err := os.WriteFile(filepath.Join(dir, name+".stdout.txt"), []byte(stdout), 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+".stderr.txt"), []byte(stderr), 0o644)
}

func stem(p string) string {
	base := filepath.Base(p)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
