// Package archive transfers node workspaces in and out as zip files.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/loykin/nodehost/internal/store"
	"github.com/loykin/nodehost/internal/workspace"
)

var (
	ErrNodeRunning = errors.New("node is running")
	ErrNoFile      = errors.New("no file uploaded")
	ErrUnsafePath  = errors.New("archive entry escapes the node directory")
)

// Guard reports whether a node currently has a process.
type Guard interface {
	Busy(id string) bool
}

// Mirror receives a copy of every exported archive.
type Mirror interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
}

type Service struct {
	ws     *workspace.Workspace
	nodes  store.NodeStore
	guard  Guard
	mirror Mirror
	log    *slog.Logger
}

type Option func(*Service)

func WithMirror(m Mirror) Option { return func(s *Service) { s.mirror = m } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func New(ws *workspace.Workspace, nodes store.NodeStore, guard Guard, opts ...Option) *Service {
	s := &Service{ws: ws, nodes: nodes, guard: guard, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Archive is an exported workspace in the download cache.
type Archive struct {
	Path string
	Name string // suggested download file name
	Size int64
}

// Export zips the workspace of node id into the download cache, replacing a
// previous export.
func (s *Service) Export(ctx context.Context, id string) (*Archive, error) {
	n, err := s.nodes.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	dir, err := s.ws.Dir(id)
	if err != nil {
		return nil, err
	}
	if ok, err := afero.DirExists(s.ws.Fs(), dir); err != nil {
		return nil, err
	} else if !ok {
		return nil, workspace.ErrMissing
	}
	dst, err := s.ws.ArchivePath(id)
	if err != nil {
		return nil, err
	}
	fsys := s.ws.Fs()
	if err := fsys.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return nil, err
	}
	tmp := dst + ".part"
	if err := writeZip(ctx, fsys, dir, tmp); err != nil {
		_ = fsys.Remove(tmp)
		return nil, fmt.Errorf("zip node directory: %w", err)
	}
	if err := fsys.Rename(tmp, dst); err != nil {
		return nil, err
	}
	fi, err := fsys.Stat(dst)
	if err != nil {
		return nil, err
	}
	a := &Archive{Path: dst, Name: downloadName(n.Name), Size: fi.Size()}
	if s.mirror != nil {
		if err := s.mirrorArchive(ctx, id, a); err != nil {
			s.log.Warn("archive mirror failed", "node", id, "error", err)
		}
	}
	return a, nil
}

// Open returns the exported archive for streaming.
func (s *Service) Open(a *Archive) (afero.File, error) {
	return s.ws.Fs().Open(a.Path)
}

func (s *Service) mirrorArchive(ctx context.Context, id string, a *Archive) error {
	f, err := s.ws.Fs().Open(a.Path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return s.mirror.Put(ctx, id+".zip", f, a.Size)
}

func downloadName(name string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
	if clean == "" {
		clean = "node"
	}
	return clean + ".zip"
}

func writeZip(ctx context.Context, fsys afero.Fs, root, dst string) error {
	out, err := fsys.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	walkErr := afero.Walk(fsys, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == "." {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
			_, err = zw.CreateHeader(hdr)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := fsys.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		_ = f.Close()
		return err
	})
	if err := zw.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	if err := out.Close(); err != nil && walkErr == nil {
		walkErr = err
	}
	return walkErr
}

// Stage stores an incoming upload in the staging area and returns its path.
func (s *Service) Stage(r io.Reader) (string, error) {
	if r == nil {
		return "", ErrNoFile
	}
	f, err := s.ws.StageUpload()
	if err != nil {
		return "", err
	}
	name := f.Name()
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = s.ws.Discard(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = s.ws.Discard(name)
		return "", err
	}
	return name, nil
}

// Import unpacks a staged archive into the workspace of node id, replacing
// files with the same name. The staged file is removed in every case.
func (s *Service) Import(ctx context.Context, id, staged string) error {
	defer func() {
		if err := s.ws.Discard(staged); err != nil {
			s.log.Warn("discard staged upload failed", "path", staged, "error", err)
		}
	}()
	if staged == "" {
		return ErrNoFile
	}
	if _, err := s.nodes.GetNode(ctx, id); err != nil {
		return err
	}
	if s.guard != nil && s.guard.Busy(id) {
		return ErrNodeRunning
	}
	dir, err := s.ws.Dir(id)
	if err != nil {
		return err
	}

	fsys := s.ws.Fs()
	f, err := fsys.Open(staged)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return fmt.Errorf("read archive: %w", err)
	}
	// validate every entry before touching the workspace
	targets := make([]string, len(zr.File))
	for i, zf := range zr.File {
		t, err := entryPath(dir, zf.Name)
		if err != nil {
			return err
		}
		targets[i] = t
	}
	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	for i, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extract(fsys, zf, targets[i]); err != nil {
			return fmt.Errorf("extract %s: %w", zf.Name, err)
		}
	}
	s.log.Info("workspace imported", "node", id, "entries", len(zr.File))
	return nil
}

func entryPath(dir, name string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains("/"+strings.ReplaceAll(name, "\\", "/")+"/", "/../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func extract(fsys afero.Fs, zf *zip.File, target string) error {
	if zf.FileInfo().IsDir() {
		return fsys.MkdirAll(target, 0o750)
	}
	if !zf.Mode().IsRegular() {
		return nil
	}
	if err := fsys.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	perm := zf.Mode().Perm() & 0o755
	if perm == 0 {
		perm = 0o644
	}
	out, err := fsys.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
