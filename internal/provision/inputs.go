package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/me/gowe-launcher/internal/cwlexpr"
	"github.com/me/gowe-launcher/internal/transfer"
	"github.com/me/gowe-launcher/pkg/cwl"
	"github.com/me/gowe-launcher/pkg/model"
	"github.com/me/gowe-launcher/pkg/param"
)

// InputProvisioner stages the file inputs of a parameter document.
type InputProvisioner struct {
	transferer transfer.Transferer
	pool       *transfer.Pool
	evaluator  *cwlexpr.Evaluator
	logger     *slog.Logger
}

// NewInputProvisioner creates an InputProvisioner. Expression patterns are
// evaluated with evaluator; nil uses an evaluator with no library.
func NewInputProvisioner(t transfer.Transferer, pool *transfer.Pool, evaluator *cwlexpr.Evaluator, logger *slog.Logger) *InputProvisioner {
	if evaluator == nil {
		evaluator = cwlexpr.NewEvaluator(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InputProvisioner{
		transferer: t,
		pool:       pool,
		evaluator:  evaluator,
		logger:     logger.With("component", "input-provisioner"),
	}
}

// stageItem is one planned transfer.
type stageItem struct {
	key      string
	source   string // resolved reference handed to the transferer
	info     *model.FileStageInfo
	optional bool
}

// Provision stages every file input declared by inputs and present in doc,
// recording each one in lc.Inputs. Missing and non-file inputs are skipped
// with a warning. Every transfer is attempted; failures of required files are
// returned together, failures of optional secondary files are only logged.
func (p *InputProvisioner) Provision(ctx context.Context, lc *LaunchContext, inputs []cwl.Param, doc param.Document) (*transfer.Report, error) {
	var items []stageItem
	var errs []error

	for _, in := range inputs {
		v, ok := doc[in.ID]
		if !ok {
			p.logger.Warn("input not in parameter document, skipping",
				"identifier", in.ID, "error", model.ErrMissingInputFile)
			continue
		}

		var planned []stageItem
		var err error
		switch val := v.(type) {
		case *param.FileRef:
			planned, err = p.planFile(lc, in, in.ID, val)
		case param.List:
			planned, err = p.planList(lc, in, val)
		default:
			p.logger.Debug("input is not a file, nothing to stage", "identifier", in.ID)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		items = append(items, planned...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	jobs := make([]transfer.Job, len(items))
	for i, it := range items {
		it := it
		jobs[i] = transfer.Job{
			Key: it.key,
			Ref: it.info.RemoteRef,
			Do: func(ctx context.Context) error {
				src := *it.info
				src.RemoteRef = it.source
				return p.transferer.Stage(ctx, &src)
			},
		}
	}
	report := p.pool.Run(ctx, jobs)

	byKey := make(map[string]stageItem, len(items))
	for _, it := range items {
		byKey[it.key] = it
	}
	for _, f := range report.Failed {
		it := byKey[f.Key]
		if it.optional {
			p.logger.Warn("optional secondary file not staged",
				"identifier", it.info.Identifier, "ref", it.info.RemoteRef, "error", f.Err)
			lc.Inputs.Delete(f.Key)
			continue
		}
		errs = append(errs, &model.LaunchError{
			State:      model.LaunchStateProvisioningInputs,
			Identifier: it.info.Identifier,
			Path:       it.info.RemoteRef,
			Err:        f.Err,
		})
	}

	p.logger.Info("inputs provisioned",
		"launch_id", lc.ID, "staged", len(report.Succeeded), "failed", len(report.Failed))
	return report, errors.Join(errs...)
}

// planList plans each file element of a list, recursing into nested lists.
func (p *InputProvisioner) planList(lc *LaunchContext, in cwl.Param, list param.List) ([]stageItem, error) {
	var items []stageItem
	for _, elem := range list {
		switch val := elem.(type) {
		case *param.FileRef:
			planned, err := p.planFile(lc, in, ElementKey(in.ID, val.Ref()), val)
			if err != nil {
				return nil, err
			}
			items = append(items, planned...)
		case param.List:
			planned, err := p.planList(lc, in, val)
			if err != nil {
				return nil, err
			}
			items = append(items, planned...)
		}
	}
	return items, nil
}

// planFile plans a primary file and its secondary files into a fresh
// inputs/<uuid>/ directory and records them in lc.Inputs.
func (p *InputProvisioner) planFile(lc *LaunchContext, in cwl.Param, key string, f *param.FileRef) ([]stageItem, error) {
	ref := f.Ref()
	if ref == "" {
		p.logger.Warn("file input has neither path nor location, skipping", "identifier", in.ID)
		return nil, nil
	}
	if _, exists := lc.Inputs.Get(key); exists {
		p.logger.Debug("file already planned", "identifier", in.ID, "ref", ref)
		return nil, nil
	}

	dir := filepath.Join(lc.InputsDir, uuid.New().String())
	primaryName := f.Basename()
	primary := p.newItem(lc, key, in.ID, f, filepath.Join(dir, primaryName), false)
	items := []stageItem{primary}
	lc.Inputs.Put(key, primary.info)

	for _, sf := range f.Secondaries() {
		secRef := sf.Ref()
		if secRef == "" {
			continue
		}
		secKey := ElementKey(in.ID, secRef)
		it := p.newItem(lc, secKey, in.ID, sf, filepath.Join(dir, sf.Basename()), false)
		if lc.Inputs.Put(secKey, it.info) {
			items = append(items, it)
		}
	}

	for _, schema := range in.SecondaryFiles {
		refs, names, err := p.expandPattern(ref, primaryName, schema)
		if err != nil {
			if schema.IsOptional() {
				p.logger.Warn("optional secondary pattern failed",
					"identifier", in.ID, "pattern", schema.Pattern, "error", err)
				continue
			}
			return nil, &model.LaunchError{
				State:      model.LaunchStateProvisioningInputs,
				Identifier: in.ID,
				Path:       schema.Pattern,
				Err:        err,
			}
		}
		for i, secRef := range refs {
			secKey := ElementKey(in.ID, secRef)
			sf := &param.FileRef{Class: param.ClassFile, Path: secRef}
			it := p.newItem(lc, secKey, in.ID, sf, filepath.Join(dir, names[i]), schema.IsOptional())
			if lc.Inputs.Put(secKey, it.info) {
				items = append(items, it)
			}
		}
	}
	return items, nil
}

// expandPattern returns the secondary references for one pattern, and the
// basename each is staged under next to the primary.
func (p *InputProvisioner) expandPattern(ref, primaryName string, schema cwl.SecondaryFileSchema) ([]string, []string, error) {
	suffix := schema.Suffix()
	if suffix == "" {
		return nil, nil, nil
	}
	if !cwlexpr.IsExpression(suffix) {
		return []string{cwl.SecondaryRef(ref, suffix)}, []string{cwl.SecondaryRef(primaryName, suffix)}, nil
	}

	names, err := p.evaluator.SecondaryNames(suffix, ref)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate secondaryFiles pattern: %w", err)
	}
	refs := make([]string, len(names))
	for i, n := range names {
		refs[i] = cwl.ReplaceBasename(ref, n)
	}
	return refs, names, nil
}

func (p *InputProvisioner) newItem(lc *LaunchContext, key, id string, f *param.FileRef, local string, optional bool) stageItem {
	info := &model.FileStageInfo{
		Identifier:  id,
		RemoteRef:   f.Ref(),
		LocalPath:   local,
		IsDirectory: f.IsDirectory(),
	}
	if md, err := f.DecodedMetadata(); err != nil {
		p.logger.Warn("ignoring undecodable metadata", "identifier", id, "ref", info.RemoteRef, "error", err)
	} else {
		info.Metadata = md
	}
	return stageItem{
		key:      key,
		source:   resolveRef(lc.DocumentDir, info.RemoteRef),
		info:     info,
		optional: optional,
	}
}

// resolveRef makes a relative local reference absolute against base.
func resolveRef(base, ref string) string {
	if !cwl.IsLocal(ref) || base == "" {
		return ref
	}
	_, p := cwl.ParseLocationScheme(ref)
	if filepath.IsAbs(p) {
		return ref
	}
	return filepath.Join(base, p)
}
