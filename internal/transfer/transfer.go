// Package transfer moves files between remote references and the local launch
// directory. Backends are selected by URI scheme.
package transfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/me/gowe-launcher/pkg/cwl"
	"github.com/me/gowe-launcher/pkg/model"
)

// Transferer stages inputs onto local disk and uploads outputs to their
// destinations. Directory entries (IsDirectory) are transferred as trees.
type Transferer interface {
	// Stage copies info.RemoteRef to info.LocalPath.
	Stage(ctx context.Context, info *model.FileStageInfo) error

	// Upload copies the local source to dest.RemoteRef.
	Upload(ctx context.Context, source string, dest *model.FileStageInfo) error
}

// Composite routes transfers to scheme-specific backends.
type Composite struct {
	handlers map[string]Transferer
	fallback Transferer
}

// NewComposite creates a Composite. Bare paths (no scheme) and references
// with an unregistered scheme go to fallback.
func NewComposite(handlers map[string]Transferer, fallback Transferer) *Composite {
	return &Composite{handlers: handlers, fallback: fallback}
}

func (c *Composite) route(ref string) (Transferer, error) {
	scheme, _ := cwl.ParseLocationScheme(ref)
	if h, ok := c.handlers[scheme]; ok {
		return h, nil
	}
	if c.fallback != nil {
		return c.fallback, nil
	}
	return nil, fmt.Errorf("no transferer registered for scheme %q", scheme)
}

// Stage routes on the scheme of the remote reference.
func (c *Composite) Stage(ctx context.Context, info *model.FileStageInfo) error {
	t, err := c.route(info.RemoteRef)
	if err != nil {
		return err
	}
	return t.Stage(ctx, info)
}

// Upload routes on the scheme of the destination.
func (c *Composite) Upload(ctx context.Context, source string, dest *model.FileStageInfo) error {
	t, err := c.route(dest.RemoteRef)
	if err != nil {
		return err
	}
	return t.Upload(ctx, source, dest)
}

// copyFile copies src to dst, creating parent directories as needed.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// copyTree copies the directory src to dst recursively.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(p, target)
	})
}

// walkFiles calls fn with the slash-separated relative path of every regular
// file under root.
func walkFiles(root string, fn func(rel, abs string) error) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), p)
	})
}
