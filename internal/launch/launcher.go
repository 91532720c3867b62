// Package launch sequences one local launch: provision inputs, rewrite the
// parameter document, run the engine, reconcile and upload its outputs.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/me/gowe-launcher/internal/cwlexpr"
	"github.com/me/gowe-launcher/internal/engine"
	"github.com/me/gowe-launcher/internal/logging"
	"github.com/me/gowe-launcher/internal/notify"
	"github.com/me/gowe-launcher/internal/provision"
	"github.com/me/gowe-launcher/internal/transfer"
	"github.com/me/gowe-launcher/pkg/cwl"
	"github.com/me/gowe-launcher/pkg/model"
	"github.com/me/gowe-launcher/pkg/param"
)

// Config holds launcher settings.
type Config struct {
	// WorkingDirectory is where launcher-<uuid> directories are created.
	WorkingDirectory string

	MaxConcurrentTransfers int
	TransferTimeout        time.Duration

	// ExpressionLib is JavaScript loaded before secondaryFiles expressions.
	ExpressionLib []string

	// Notifier, when set, is told when each phase starts, fails or completes.
	Notifier notify.Notifier
}

// Request names the entrypoint descriptor and the parameter document.
type Request struct {
	EntrypointPath string
	ParamsPath     string
}

// Result describes a finished launch, successful or not.
type Result struct {
	LaunchID string
	Root     string
	State    model.LaunchState
	History  []model.LaunchState

	Inputs  *provision.ProvisionMap
	Outputs *provision.OutputMap
	Pairs   []provision.UploadPair

	InputReport  *transfer.Report
	UploadReport *transfer.Report
	Engine       *engine.Result
}

// Launcher runs launches. It is safe to run several launches concurrently;
// each gets its own directory tree.
type Launcher struct {
	cfg        Config
	engine     engine.Engine
	transferer transfer.Transferer
	pool       *transfer.Pool
	evaluator  *cwlexpr.Evaluator
	logger     *slog.Logger
}

// New creates a Launcher.
func New(cfg Config, eng engine.Engine, t transfer.Transferer, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		cfg:        cfg,
		engine:     eng,
		transferer: t,
		pool:       transfer.NewPool(cfg.MaxConcurrentTransfers, cfg.TransferTimeout, logger),
		evaluator:  cwlexpr.NewEvaluator(cfg.ExpressionLib),
		logger:     logger.With("component", "launcher"),
	}
}

// run tracks the state of one launch.
type run struct {
	ctx      context.Context
	result   *Result
	logger   *slog.Logger
	notifier notify.Notifier
}

// phaseStart lists the states that begin a notified phase.
var phaseStart = map[model.LaunchState]bool{
	model.LaunchStateProvisioningInputs: true,
	model.LaunchStateExecuting:          true,
	model.LaunchStateReconcilingOutputs: true,
	model.LaunchStateCompleted:          true,
}

func (r *run) transition(to model.LaunchState) error {
	from := r.result.State
	if !from.CanTransitionTo(to) {
		return &model.InvalidTransitionError{LaunchID: r.result.LaunchID, From: from, To: to}
	}
	r.result.State = to
	r.result.History = append(r.result.History, to)
	r.logger.Debug("launch state", "from", from, "to", to)
	if phaseStart[to] {
		r.notify(notify.PhaseOf(to), true, nil)
	}
	return nil
}

// fail moves the launch to FAILED and returns err tagged with the state it
// happened in.
func (r *run) fail(err error) error {
	state := r.result.State
	if tErr := r.transition(model.LaunchStateFailed); tErr != nil {
		err = errors.Join(err, tErr)
	}
	var le *model.LaunchError
	if !errors.As(err, &le) {
		err = &model.LaunchError{State: state, Err: err}
	}
	r.logger.Error("launch failed", "state", state, "error", err)
	r.notify(notify.PhaseOf(state), false, err)
	return err
}

// notify sends a phase notification. Delivery problems are logged and never
// change the outcome of the launch.
func (r *run) notify(phase notify.Phase, success bool, err error) {
	if r.notifier == nil {
		return
	}
	msg := notify.Message{
		LaunchID: r.result.LaunchID,
		Phase:    phase,
		Success:  success,
		State:    r.result.State.String(),
	}
	if err != nil {
		msg.Error = err.Error()
	}
	if nErr := r.notifier.Notify(context.WithoutCancel(r.ctx), msg); nErr != nil {
		r.logger.Warn("notification not delivered", "phase", phase, "error", nErr)
	}
}

// Launch performs one launch. The returned Result is never nil; on failure
// its State is FAILED and the error names the state, identifier and path.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Result, error) {
	r := &run{
		result: &Result{
			State:   model.LaunchStateInitializing,
			History: []model.LaunchState{model.LaunchStateInitializing},
		},
		ctx:      ctx,
		logger:   l.logger,
		notifier: l.cfg.Notifier,
	}

	ep, doc, lc, err := l.initialize(req)
	if err != nil {
		return r.result, r.fail(err)
	}
	r.result.LaunchID = lc.ID
	r.result.Root = lc.Root
	r.result.Inputs = lc.Inputs
	r.result.Outputs = lc.Outputs
	r.logger = logging.ForLaunch(l.logger, lc.ID)
	r.logger.Info("launch initialized", "entrypoint", ep.Path, "kind", ep.Kind, "root", lc.Root)

	// Provision inputs and plan outputs.
	if err := r.transition(model.LaunchStateProvisioningInputs); err != nil {
		return r.result, r.fail(err)
	}
	planner := provision.NewOutputPlanner(r.logger)
	if err := planner.Plan(lc, ep.Outputs, doc); err != nil {
		return r.result, r.fail(err)
	}
	inputs := provision.NewInputProvisioner(l.transferer, l.pool, l.evaluator, r.logger)
	report, err := inputs.Provision(ctx, lc, ep.Inputs, doc)
	r.result.InputReport = report
	if err != nil {
		return r.result, r.fail(err)
	}

	// Rewrite the parameter document for the engine.
	if err := r.transition(model.LaunchStateRewriting); err != nil {
		return r.result, r.fail(err)
	}
	rewritten := provision.Rewrite(doc, lc.Inputs, lc.Outputs)
	if err := rewritten.WriteFile(lc.ParamsPath()); err != nil {
		return r.result, r.fail(err)
	}

	// Execute.
	if err := r.transition(model.LaunchStateExecuting); err != nil {
		return r.result, r.fail(err)
	}
	res, err := l.engine.Run(ctx, engine.Invocation{
		EntrypointPath: ep.Path,
		ParamsPath:     lc.ParamsPath(),
		WorkDir:        lc.WorkingDir,
		OutDir:         lc.OutputsDir,
		TmpDir:         lc.TmpDir,
	})
	r.result.Engine = res
	if err != nil {
		return r.result, r.fail(err)
	}

	// Reconcile. A per-identifier failure withholds only that identifier's uploads.
	if err := r.transition(model.LaunchStateReconcilingOutputs); err != nil {
		return r.result, r.fail(err)
	}
	name := engine.EntrypointName(res.Stdout, ep.Name())
	pairs, reconcileErr := provision.NewReconciler(lc.WorkingDir, r.logger).Reconcile(name, lc.Outputs, res.Report)
	r.result.Pairs = pairs

	// Upload.
	if err := r.transition(model.LaunchStateUploadingOutputs); err != nil {
		return r.result, r.fail(err)
	}
	uploads, uploadErr := l.upload(ctx, pairs)
	r.result.UploadReport = uploads

	if err := errors.Join(reconcileErr, uploadErr); err != nil {
		return r.result, r.fail(err)
	}
	if err := r.transition(model.LaunchStateCompleted); err != nil {
		return r.result, r.fail(err)
	}
	r.logger.Info("launch completed", "uploads", len(uploads.Succeeded))
	return r.result, nil
}

// initialize loads the entrypoint and parameter document and creates the
// launch directories.
func (l *Launcher) initialize(req Request) (*cwl.Entrypoint, param.Document, *provision.LaunchContext, error) {
	epPath, err := filepath.Abs(req.EntrypointPath)
	if err != nil {
		return nil, nil, nil, err
	}
	ep, err := cwl.LoadEntrypoint(epPath)
	if err != nil {
		return nil, nil, nil, err
	}

	paramsPath, err := filepath.Abs(req.ParamsPath)
	if err != nil {
		return nil, nil, nil, err
	}
	doc, err := param.LoadDocument(paramsPath)
	if err != nil {
		return nil, nil, nil, err
	}

	lc, err := provision.NewLaunchContext(l.cfg.WorkingDirectory)
	if err != nil {
		return nil, nil, nil, err
	}
	lc.DocumentDir = filepath.Dir(paramsPath)
	return ep, doc, lc, nil
}

// upload sends every pair to its destination and returns the itemized
// report with one LaunchError per failed pair.
func (l *Launcher) upload(ctx context.Context, pairs []provision.UploadPair) (*transfer.Report, error) {
	jobs := make([]transfer.Job, len(pairs))
	byKey := make(map[string]provision.UploadPair, len(pairs))
	for i, p := range pairs {
		p := p
		key := fmt.Sprintf("%s[%d]", p.Identifier, i)
		byKey[key] = p
		jobs[i] = transfer.Job{
			Key: key,
			Ref: p.Dest.RemoteRef,
			Do: func(ctx context.Context) error {
				return l.transferer.Upload(ctx, p.Source, p.Dest)
			},
		}
	}

	report := l.pool.Run(ctx, jobs)
	var errs []error
	for _, f := range report.Failed {
		p := byKey[f.Key]
		errs = append(errs, &model.LaunchError{
			State:      model.LaunchStateUploadingOutputs,
			Identifier: p.Identifier,
			Path:       p.Source + " -> " + p.Dest.RemoteRef,
			Err:        f.Err,
		})
	}
	return report, errors.Join(errs...)
}
