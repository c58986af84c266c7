package fs

import (
	"archive/tar"
	"io"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"moria.us/mld/log"
)

// NewTarFS reads a tar image and returns its regular files as an in-memory
// file service. Directories, links and other entries are skipped.
func NewTarFS(r io.Reader) (*MemFS, error) {
	l := log.L.Named("tarfs")
	tr := tar.NewReader(r)
	m := NewMemFS()
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading tar image")
		}
		if l.IsTrace() {
			l.Trace("tar entry", "header", spew.Sdump(hdr))
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", hdr.Name)
		}
		m.Add(hdr.Name, data)
	}
	return m, nil
}

// OpenTarFS reads the tar image in the host file name.
func OpenTarFS(name string) (*MemFS, error) {
	fp, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	m, err := NewTarFS(fp)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	return m, nil
}
