// Package storage gives the agents access to the files they serve and the files they download, both confined to a
// directory.
package storage

import (
	"io"
	"os"
	"path"
	"strings"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Root is the read-only directory a server serves resources from.
type Root struct {
	fs afero.Fs
}

func NewRoot(base afero.Fs, dir string) *Root {
	return &Root{fs: afero.NewReadOnlyFs(afero.NewBasePathFs(base, dir))}
}

// OpenRoot checks that dir is an existing directory of the host file system and serves it.
func OpenRoot(dir string) (*Root, error) {
	base := afero.NewOsFs()
	if ok, err := afero.DirExists(base, dir); err != nil || !ok {
		return nil, errors.Errorf("%s is not a directory", dir)
	}
	return NewRoot(base, dir), nil
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// Open opens the regular file at the request path p. Any failure, including p naming a directory or a path outside
// the root, is reported as ErrNotFound.
func (r *Root) Open(p string) (afero.File, int64, error) {
	name := clean(p)
	info, err := r.fs.Stat(name)
	if err != nil || !info.Mode().IsRegular() {
		return nil, 0, errors.Wrap(ErrNotFound, name)
	}
	file, err := r.fs.Open(name)
	if err != nil {
		return nil, 0, errors.Wrap(ErrNotFound, name)
	}
	return file, info.Size(), nil
}

func (r *Root) Exists(p string) bool {
	info, err := r.fs.Stat(clean(p))
	return err == nil && info.Mode().IsRegular()
}

// Downloads is the directory a client persists the bodies it receives into. A body is written to a temporary file
// and only appears under its final name once committed.
type Downloads struct {
	fs afero.Fs
}

func NewDownloads(base afero.Fs, dir string) (*Downloads, error) {
	if err := base.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", dir)
	}
	return &Downloads{fs: afero.NewBasePathFs(base, dir)}, nil
}

func (d *Downloads) Create(name string) (*Download, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, errors.Errorf("invalid download name %q", name)
	}
	file, err := afero.TempFile(d.fs, "/", "."+name+".part-")
	if err != nil {
		return nil, errors.Wrapf(err, "creating download of %s", name)
	}
	return &Download{fs: d.fs, file: file, name: "/" + name}, nil
}

func (d *Downloads) ReadFile(name string) ([]byte, error) {
	return afero.ReadFile(d.fs, "/"+name)
}

func (d *Downloads) Exists(name string) bool {
	ok, err := afero.Exists(d.fs, "/"+name)
	return err == nil && ok
}

// A Download is a pending file. It must be either committed or discarded.
type Download struct {
	fs      afero.Fs
	file    afero.File
	name    string
	written int64
	closed  bool
}

func (d *Download) Write(p []byte) (int, error) {
	n, err := d.file.Write(p)
	d.written += int64(n)
	return n, err
}

func (d *Download) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(struct{ io.Writer }{d}, r)
}

func (d *Download) Written() int64 { return d.written }

// Commit moves the download under its final name, replacing any previous file.
func (d *Download) Commit() error {
	if d.closed {
		return os.ErrClosed
	}
	d.closed = true
	if err := d.file.Close(); err != nil {
		d.fs.Remove(d.file.Name())
		return errors.Wrap(err, "closing download")
	}
	if err := d.fs.Rename(d.file.Name(), d.name); err != nil {
		d.fs.Remove(d.file.Name())
		return errors.Wrapf(err, "committing %s", d.name)
	}
	return nil
}

func (d *Download) Discard() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.file.Close()
	return d.fs.Remove(d.file.Name())
}
