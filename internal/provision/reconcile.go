package provision

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/me/gowe-launcher/pkg/cwl"
	"github.com/me/gowe-launcher/pkg/model"
)

// UploadPair is one engine-produced file and where it goes.
type UploadPair struct {
	Identifier string
	Source     string
	Dest       *model.FileStageInfo
}

// Reconciler matches an engine output report against planned destinations.
type Reconciler struct {
	workDir string
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler. Relative paths in the report are
// resolved against workDir.
func NewReconciler(workDir string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{workDir: workDir, logger: logger.With("component", "output-reconciler")}
}

// Reconcile returns the upload pairs for every destination in outputs.
// Report keys are "<name>.<identifier>", falling back to the bare identifier.
// An identifier that cannot be reconciled contributes no pairs and its error
// is joined into the returned error; the other identifiers still produce
// their pairs.
func (r *Reconciler) Reconcile(name string, outputs *OutputMap, report map[string]any) ([]UploadPair, error) {
	var pairs []UploadPair
	var errs []error

	for _, dest := range outputs.All() {
		v, key := lookupReport(report, name, dest.Identifier)
		if v == nil {
			r.logger.Warn("no engine output for identifier, skipping",
				"identifier", dest.Identifier, "key", name+"."+dest.Identifier)
			continue
		}

		got, err := r.reconcile(dest, v)
		if err != nil {
			errs = append(errs, &model.LaunchError{
				State:      model.LaunchStateReconcilingOutputs,
				Identifier: dest.Identifier,
				Path:       key,
				Err:        err,
			})
			continue
		}
		pairs = append(pairs, got...)
	}
	return pairs, errors.Join(errs...)
}

func lookupReport(report map[string]any, name, id string) (any, string) {
	key := name + "." + id
	if v, ok := report[key]; ok && v != nil {
		return v, key
	}
	return report[id], id
}

func (r *Reconciler) reconcile(dest *OutputDestination, v any) ([]UploadPair, error) {
	if dest.IsDirectory() {
		var pairs []UploadPair
		for _, item := range flatten(v) {
			got, err := r.intoDirectory(dest.Entries[0], item)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, got...)
		}
		r.warnCollisions(dest.Identifier, pairs)
		return pairs, nil
	}

	items, isList := v.([]any)
	if !isList {
		items = []any{v}
	}
	if len(items) != len(dest.Entries) {
		return nil, fmt.Errorf("%w: %d declared destinations, engine reported %d", model.ErrOutputCountMismatch, len(dest.Entries), len(items))
	}

	var pairs []UploadPair
	for i, item := range items {
		if item == nil {
			r.logger.Warn("engine reported null element, skipping",
				"identifier", dest.Identifier, "index", i)
			continue
		}
		got, err := r.toFile(dest.Entries[i], item)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, got...)
	}
	return pairs, nil
}

// warnCollisions logs every pair whose destination was already claimed by a
// different source. The later upload overwrites the earlier one.
func (r *Reconciler) warnCollisions(id string, pairs []UploadPair) {
	claimed := make(map[string]string, len(pairs))
	for _, p := range pairs {
		first, seen := claimed[p.Dest.RemoteRef]
		if !seen {
			claimed[p.Dest.RemoteRef] = p.Source
			continue
		}
		if first != p.Source {
			r.logger.Warn("upload destination collides, later file overwrites earlier",
				"identifier", id, "dest", p.Dest.RemoteRef, "first", first, "second", p.Source)
		}
	}
}

// intoDirectory places one engine entry inside a directory destination.
// A Directory entry is uploaded as the destination itself.
func (r *Reconciler) intoDirectory(dir *model.FileStageInfo, v any) ([]UploadPair, error) {
	ef, err := r.parseEngineFile(v)
	if err != nil {
		return nil, err
	}
	if ef.isDirectory {
		return []UploadPair{{Identifier: dir.Identifier, Source: ef.path, Dest: dir}}, nil
	}
	base := filepath.Base(ef.path)
	child := &model.FileStageInfo{
		Identifier: dir.Identifier,
		RemoteRef:  cwl.JoinRef(dir.RemoteRef, base),
		LocalPath:  filepath.Join(dir.LocalPath, base),
		Metadata:   dir.Metadata,
	}
	return r.filePairs(child, ef)
}

// toFile pairs one engine entry with a file destination.
func (r *Reconciler) toFile(dest *model.FileStageInfo, v any) ([]UploadPair, error) {
	ef, err := r.parseEngineFile(v)
	if err != nil {
		return nil, err
	}
	return r.filePairs(dest, ef)
}

// filePairs emits the primary pair and one pair per engine secondary file,
// renaming each secondary the way the engine renamed the primary.
func (r *Reconciler) filePairs(dest *model.FileStageInfo, ef *engineFile) ([]UploadPair, error) {
	pairs := []UploadPair{{Identifier: dest.Identifier, Source: ef.path, Dest: dest}}

	primaryName := filepath.Base(ef.path)
	destName := cwl.RefBasename(dest.RemoteRef)
	for _, sv := range ef.secondaryFiles {
		sec, err := r.parseEngineFile(sv)
		if err != nil {
			return nil, err
		}
		name := cwl.MutateSecondaryFileName(destName, primaryName, filepath.Base(sec.path))
		secDest := &model.FileStageInfo{
			Identifier:  dest.Identifier,
			RemoteRef:   cwl.ReplaceBasename(dest.RemoteRef, name),
			LocalPath:   filepath.Join(filepath.Dir(dest.LocalPath), name),
			IsDirectory: sec.isDirectory,
			Metadata:    dest.Metadata,
		}
		got, err := r.filePairs(secDest, sec)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, got...)
	}
	return pairs, nil
}

// engineFile is the part of a report entry reconciliation needs.
type engineFile struct {
	path           string
	isDirectory    bool
	secondaryFiles []any
}

// parseEngineFile reads a report entry: a {path|location, class, secondaryFiles}
// map or a bare path string.
func (r *Reconciler) parseEngineFile(v any) (*engineFile, error) {
	ef := &engineFile{}
	switch val := v.(type) {
	case string:
		ef.path = val
	case map[string]any:
		p, _ := val["path"].(string)
		if p == "" {
			p, _ = val["location"].(string)
		}
		ef.path = p
		class, _ := val["class"].(string)
		ef.isDirectory = strings.EqualFold(class, "Directory")
		if sf, ok := val["secondaryFiles"].([]any); ok {
			ef.secondaryFiles = sf
		}
	default:
		return nil, fmt.Errorf("%w: engine output entry is %T", model.ErrUnrecognizedValueShape, v)
	}
	if ef.path == "" {
		return nil, fmt.Errorf("%w: engine output entry has no path or location", model.ErrUnrecognizedValueShape)
	}

	ef.path = r.resolve(ef.path)
	return ef, nil
}

func (r *Reconciler) resolve(p string) string {
	if strings.HasPrefix(p, "file://") {
		_, p = cwl.ParseLocationScheme(cwl.DecodeLocation(p))
	}
	if !filepath.IsAbs(p) && r.workDir != "" {
		p = filepath.Join(r.workDir, p)
	}
	return p
}

// flatten returns the non-nil leaves of nested lists.
func flatten(v any) []any {
	list, ok := v.([]any)
	if !ok {
		if v == nil {
			return nil
		}
		return []any{v}
	}
	var out []any
	for _, item := range list {
		out = append(out, flatten(item)...)
	}
	return out
}
