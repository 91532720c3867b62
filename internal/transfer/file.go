package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/me/gowe-launcher/pkg/cwl"
	"github.com/me/gowe-launcher/pkg/model"
)

// FileTransferer copies between local paths (bare or file:// references).
type FileTransferer struct{}

// NewFileTransferer creates a FileTransferer.
func NewFileTransferer() *FileTransferer {
	return &FileTransferer{}
}

// Stage copies a local file or directory into the launch directory.
func (t *FileTransferer) Stage(_ context.Context, info *model.FileStageInfo) error {
	src, err := localPath(info.RemoteRef)
	if err != nil {
		return err
	}
	return copyAny(src, info.LocalPath)
}

// Upload copies the engine-produced file or directory to a local destination.
func (t *FileTransferer) Upload(_ context.Context, source string, dest *model.FileStageInfo) error {
	dst, err := localPath(dest.RemoteRef)
	if err != nil {
		return err
	}
	return copyAny(source, dst)
}

func localPath(ref string) (string, error) {
	scheme, p := cwl.ParseLocationScheme(cwl.DecodeLocation(ref))
	if scheme != "" && scheme != cwl.SchemeFile {
		return "", fmt.Errorf("file transferer: unsupported scheme %q", scheme)
	}
	return p, nil
}

func copyAny(src, dst string) error {
	if samePath(src, dst) {
		return nil
	}
	st, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("file transferer: %w", err)
	}
	if st.IsDir() {
		return copyTree(src, dst)
	}
	return copyFile(src, dst)
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
