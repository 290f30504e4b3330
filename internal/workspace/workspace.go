package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

var (
	ErrInvalidID = errors.New("invalid node id")
	ErrMissing   = errors.New("workspace directory does not exist")
)

const (
	nodesDir     = "nodes"
	downloadsDir = "downloads"
	uploadsDir   = "uploads"
)

// Workspace maps node ids to directories under a single root:
//
//	<root>/nodes/<id>/         node payload, cwd of the worker
//	<root>/downloads/<id>.zip  archive cache
//	<root>/uploads/            staging area for incoming archives
type Workspace struct {
	fs   afero.Fs
	root string
}

func New(fs afero.Fs, root string) *Workspace {
	return &Workspace{fs: fs, root: filepath.Clean(root)}
}

// NewOS returns a workspace on the real filesystem.
func NewOS(root string) *Workspace { return New(afero.NewOsFs(), root) }

// Init creates the top-level layout.
func (w *Workspace) Init() error {
	for _, d := range []string{nodesDir, downloadsDir, uploadsDir} {
		if err := w.fs.MkdirAll(filepath.Join(w.root, d), 0o750); err != nil {
			return fmt.Errorf("create %s dir: %w", d, err)
		}
	}
	return nil
}

func (w *Workspace) Fs() afero.Fs { return w.fs }

func (w *Workspace) Root() string { return w.root }

// validID accepts only generated ids so that they are always a single,
// traversal-free path element.
func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Dir returns the directory of node id.
func (w *Workspace) Dir(id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	return filepath.Join(w.root, nodesDir, id), nil
}

func (w *Workspace) Create(id string) error {
	dir, err := w.Dir(id)
	if err != nil {
		return err
	}
	return w.fs.MkdirAll(dir, 0o750)
}

func (w *Workspace) Exists(id string) (bool, error) {
	dir, err := w.Dir(id)
	if err != nil {
		return false, err
	}
	return afero.DirExists(w.fs, dir)
}

// Remove deletes the directory of node id recursively. A directory that is
// already gone is reported as ErrMissing.
func (w *Workspace) Remove(id string) error {
	dir, err := w.Dir(id)
	if err != nil {
		return err
	}
	ok, err := afero.DirExists(w.fs, dir)
	if err != nil {
		return err
	}
	if !ok {
		return ErrMissing
	}
	if err := w.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	_ = w.fs.Remove(w.archivePath(id))
	return nil
}

// ArchivePath is where the exported archive of node id is cached.
func (w *Workspace) ArchivePath(id string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	return w.archivePath(id), nil
}

func (w *Workspace) archivePath(id string) string {
	return filepath.Join(w.root, downloadsDir, id+".zip")
}

// StageUpload creates an empty temporary file in the uploads directory.
func (w *Workspace) StageUpload() (afero.File, error) {
	dir := filepath.Join(w.root, uploadsDir)
	if err := w.fs.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return afero.TempFile(w.fs, dir, "upload-*.zip")
}

// Discard removes a staged upload; a file that is already gone is not an error.
func (w *Workspace) Discard(path string) error {
	if err := w.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
