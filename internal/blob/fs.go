package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSSink stores blobs as files under a root directory. Writes go to a
// temp file first and are renamed into place, so readers never observe a
// partially written object.
type FSSink struct {
	root string
}

// NewFSSink creates the root directory if needed and returns a sink.
func NewFSSink(root string) (*FSSink, error) {
	if root == "" {
		return nil, fmt.Errorf("blob: root directory must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FSSink{root: root}, nil
}

func (s *FSSink) path(name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("blob: invalid object name %q", name)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes r to a temp file and renames it over the target.
func (s *FSSink) Put(ctx context.Context, name string, r io.Reader) error {
	dst, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("blob: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return fmt.Errorf("blob: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("blob: write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("blob: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("blob: close %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("blob: rename %s: %w", name, err)
	}
	return nil
}

// Open returns a reader for the named object.
func (s *FSSink) Open(_ context.Context, name string) (io.ReadCloser, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("blob: open %s: %w", name, err)
	}
	return f, nil
}

// Delete removes the named object. Missing objects are ignored.
func (s *FSSink) Delete(_ context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %s: %w", name, err)
	}
	return nil
}

// List returns objects under prefix ordered by modification time, oldest
// first, so retention pruning can drop the head of the slice.
func (s *FSSink) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(s.root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) || strings.HasPrefix(filepath.Base(rel), ".put-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Name: rel, Size: info.Size(), ModTime: info.ModTime().Unix()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blob: list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModTime != out[j].ModTime {
			return out[i].ModTime < out[j].ModTime
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
