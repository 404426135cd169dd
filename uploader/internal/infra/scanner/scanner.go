package scanner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DefaultExtensions is the allow-list of output files worth uploading.
var DefaultExtensions = []string{
	".mp4", ".mov", ".mkv", ".webm", ".m4v",
	".json",
	".jpg", ".jpeg", ".png", ".webp", ".gif",
	".vtt", ".srt", ".txt", ".csv",
}

// StatusFileName is rewritten by the processing engine while it runs.
const StatusFileName = "status.json"

type File struct {
	Path string
	Size int64
}

// Snapshot lists eligible files in walk order.
type Snapshot struct {
	Files []File
}

func (s Snapshot) Empty() bool {
	return len(s.Files) == 0
}

func (s Snapshot) Sizes() map[string]int64 {
	sizes := make(map[string]int64, len(s.Files))
	for _, f := range s.Files {
		sizes[f.Path] = f.Size
	}
	return sizes
}

func (s Snapshot) TotalBytes() int64 {
	var total int64
	for _, f := range s.Files {
		total += f.Size
	}
	return total
}

type scanner struct {
	extensions map[string]struct{}
	exclude    map[string]struct{}
}

func New(extensions []string, exclude ...string) *scanner {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	s := &scanner{
		extensions: make(map[string]struct{}, len(extensions)),
		exclude:    make(map[string]struct{}, len(exclude)),
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		s.extensions[ext] = struct{}{}
	}
	for _, p := range exclude {
		if n, ok := Normalize(p); ok {
			s.exclude[n] = struct{}{}
		}
	}
	return s
}

// Scan walks root and returns every eligible regular file. A missing root is
// not an error: the processing engine may not have produced anything yet.
func (s *scanner) Scan(root string) (Snapshot, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return Snapshot{}, fmt.Errorf("root %s is not a directory", root)
	}

	var snap Snapshot
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !s.Eligible(p) {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		norm, ok := Normalize(rel)
		if !ok {
			return nil
		}
		if _, skip := s.exclude[norm]; skip {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		snap.Files = append(snap.Files, File{Path: norm, Size: fi.Size()})
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("walk %s: %w", root, err)
	}

	return snap, nil
}

func (s *scanner) Eligible(name string) bool {
	_, ok := s.extensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Normalize turns a root-relative path into forward-slash form without a
// leading slash or dot segments. Paths escaping the root are rejected.
func Normalize(rel string) (string, bool) {
	p := path.Clean(strings.ReplaceAll(filepath.ToSlash(rel), "\\", "/"))
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", false
	}
	p = strings.TrimLeft(p, "/")
	if p == "" || p == "." {
		return "", false
	}
	return p, true
}
