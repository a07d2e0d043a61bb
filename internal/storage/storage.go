package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// ErrNotFound is returned when a path does not exist.
var ErrNotFound = errors.New("storage: not found")

// FileInfo is the metadata the sync engine needs about a file.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FileStorage is the file access the sync engine depends on.
// Paths are slash-separated and relative to the storage root.
type FileStorage interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	List(path string) ([]string, error)
	Stat(path string) (FileInfo, error)
}

// BillyStorage implements FileStorage on top of a billy filesystem.
type BillyStorage struct {
	fs   billy.Filesystem
	root string
}

// NewOS returns storage rooted at a directory on disk.
func NewOS(root string) (*BillyStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %q: %w", abs, err)
	}
	return &BillyStorage{fs: osfs.New(abs), root: abs}, nil
}

// NewMemory returns an in-memory storage.
func NewMemory() *BillyStorage {
	return &BillyStorage{fs: memfs.New(), root: "/"}
}

// New wraps an existing billy filesystem.
func New(fs billy.Filesystem) *BillyStorage {
	return &BillyStorage{fs: fs, root: fs.Root()}
}

// Root is the directory the storage is rooted at.
func (s *BillyStorage) Root() string {
	return s.root
}

func (s *BillyStorage) Read(p string) ([]byte, error) {
	data, err := util.ReadFile(s.fs, clean(p))
	if err != nil {
		return nil, wrap("read", p, err)
	}
	return data, nil
}

// Write replaces the file atomically through a temp file and rename.
func (s *BillyStorage) Write(p string, data []byte) error {
	p = clean(p)
	dir := path.Dir(p)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return wrap("mkdir", dir, err)
	}

	tmp, err := util.TempFile(s.fs, dir, TempPrefix)
	if err != nil {
		return wrap("write", p, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(tmpName)
		return wrap("write", p, err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(tmpName)
		return wrap("write", p, err)
	}
	if err := s.fs.Rename(tmpName, p); err != nil {
		s.fs.Remove(tmpName)
		return wrap("rename", p, err)
	}
	return nil
}

// List returns every regular file under p. A file path lists as itself.
func (s *BillyStorage) List(p string) ([]string, error) {
	p = clean(p)
	info, err := s.fs.Stat(p)
	if err != nil {
		return nil, wrap("list", p, err)
	}
	if !info.IsDir() {
		return []string{p}, nil
	}

	var files []string
	err = util.Walk(s.fs, p, func(walked string, fi fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			files = append(files, strings.TrimPrefix(filepath.ToSlash(walked), "/"))
		}
		return nil
	})
	if err != nil {
		return nil, wrap("list", p, err)
	}
	return files, nil
}

func (s *BillyStorage) Stat(p string) (FileInfo, error) {
	fi, err := s.fs.Stat(clean(p))
	if err != nil {
		return FileInfo{}, wrap("stat", p, err)
	}
	return FileInfo{
		Path:    clean(p),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
	}, nil
}

// TempPrefix names the temporary files created by atomic writes.
const TempPrefix = ".deskbridge-tmp-"

func clean(p string) string {
	p = path.Clean("/" + filepath.ToSlash(p))
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

func wrap(op, p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: %s %q: %w", op, p, ErrNotFound)
	}
	return fmt.Errorf("storage: %s %q: %w", op, p, err)
}
