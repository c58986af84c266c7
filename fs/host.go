package fs

import (
	"context"
	"os"
	"path/filepath"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"moria.us/mld/log"
)

// A HostFS serves files from a directory of the host filesystem.
type HostFS struct {
	L    hclog.Logger
	root string
}

var _ FileService = (*HostFS)(nil)

// NewHostFS returns a file service rooted at the host directory dir.
func NewHostFS(dir string) (*HostFS, error) {
	l := log.L.Named("hostfs")
	l.Trace("creating host fs", "path", dir)

	stat, err := os.Lstat(dir)
	if err != nil {
		l.Error("error stating hostfs path", "error", err)
		return nil, err
	}
	if !stat.IsDir() {
		return nil, errors.Errorf("%s is not a directory", dir)
	}
	return &HostFS{L: l, root: dir}, nil
}

// Open implements FileService.
func (h *HostFS) Open(ctx context.Context, name string) (File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := filepath.Join(h.root, filepath.FromSlash(cleanPath(name)))
	h.L.Trace("open", "name", name, "path", p)
	fp, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrUnknownPath, "open %s", name)
		}
		return nil, err
	}
	return fp, nil
}
