// Package fs provides the file service the module loader reads module files
// through.
package fs

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownPath is returned when opening a path that does not exist.
var ErrUnknownPath = errors.New("unknown path")

// A File is an open file. Reads may return fewer bytes than requested.
type File interface {
	io.Reader
	io.Seeker
	io.Closer
}

// A FileService opens files by absolute slash-separated path.
type FileService interface {
	Open(ctx context.Context, name string) (File, error)
}

// cleanPath converts name into a path relative to the service root. Paths
// never escape the root.
func cleanPath(name string) string {
	name = path.Clean("/" + name)
	return strings.TrimPrefix(name, "/")
}

// A MemFS is a read-only file service over in-memory file contents.
type MemFS struct {
	files map[string][]byte
}

var _ FileService = (*MemFS)(nil)

// NewMemFS returns an empty in-memory file service.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string][]byte)}
}

// Add sets the contents of the file at name.
func (m *MemFS) Add(name string, data []byte) {
	m.files[cleanPath(name)] = data
}

// Remove removes the file at name, if present.
func (m *MemFS) Remove(name string) {
	delete(m.files, cleanPath(name))
}

// Names returns the absolute paths of all files, sorted.
func (m *MemFS) Names() []string {
	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, "/"+name)
	}
	sort.Strings(names)
	return names
}

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

// Open implements FileService.
func (m *MemFS) Open(ctx context.Context, name string) (File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := m.files[cleanPath(name)]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPath, "open %s", name)
	}
	return memFile{bytes.NewReader(data)}, nil
}
