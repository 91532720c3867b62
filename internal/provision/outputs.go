package provision

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/me/gowe-launcher/pkg/cwl"
	"github.com/me/gowe-launcher/pkg/model"
	"github.com/me/gowe-launcher/pkg/param"
)

// DefaultOutputRef is the destination of an output whose declaration is
// missing or malformed: the working directory.
const DefaultOutputRef = "."

// OutputPlanner turns the output declarations of a parameter document into
// upload destinations. It never touches the network.
type OutputPlanner struct {
	logger *slog.Logger
}

// NewOutputPlanner creates an OutputPlanner.
func NewOutputPlanner(logger *slog.Logger) *OutputPlanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutputPlanner{logger: logger.With("component", "output-planner")}
}

// Plan records a destination in lc.Outputs for every declared output.
//
//	map with path/location   → single destination
//	list of maps             → one destination per element
//	missing or malformed     → directory destination "." (warning)
func (p *OutputPlanner) Plan(lc *LaunchContext, outputs []cwl.Param, doc param.Document) error {
	for _, out := range outputs {
		dest, err := p.plan(lc, out.ID, doc[out.ID])
		if err != nil {
			return &model.LaunchError{State: model.LaunchStateProvisioningInputs, Identifier: out.ID, Err: err}
		}
		if !lc.Outputs.Put(dest) {
			p.logger.Warn("duplicate output identifier, keeping first", "identifier", out.ID)
		}
	}
	return nil
}

func (p *OutputPlanner) plan(lc *LaunchContext, id string, v param.Value) (*OutputDestination, error) {
	local := filepath.Join(lc.OutputsDir, id)
	dest := &OutputDestination{Identifier: id}

	switch val := v.(type) {
	case *param.FileRef:
		if val.Ref() != "" {
			dest.Entries = []*model.FileStageInfo{p.entry(id, val, local)}
		}
	case param.List:
		for i, elem := range val {
			f, ok := elem.(*param.FileRef)
			if !ok || f.Ref() == "" {
				p.logger.Warn("ignoring non-file element in output declaration",
					"identifier", id, "index", i)
				continue
			}
			dest.Entries = append(dest.Entries, p.entry(id, f, filepath.Join(local, strconv.Itoa(i))))
		}
	}

	if len(dest.Entries) == 0 {
		p.logger.Warn("output declaration missing or malformed, using working directory",
			"identifier", id, "error", model.ErrMissingOutputDeclaration)
		dest.Entries = []*model.FileStageInfo{{
			Identifier:  id,
			RemoteRef:   DefaultOutputRef,
			LocalPath:   local,
			IsDirectory: true,
		}}
	}

	for _, e := range dest.Entries {
		dir := e.LocalPath
		if !e.IsDirectory {
			dir = filepath.Dir(dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	return dest, nil
}

func (p *OutputPlanner) entry(id string, f *param.FileRef, local string) *model.FileStageInfo {
	info := &model.FileStageInfo{
		Identifier:  id,
		RemoteRef:   f.Ref(),
		LocalPath:   local,
		IsDirectory: f.IsDirectory(),
	}
	if md, err := f.DecodedMetadata(); err != nil {
		p.logger.Warn("ignoring undecodable metadata", "identifier", id, "error", err)
	} else {
		info.Metadata = md
	}
	return info
}
