package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalObjectStore keeps objects as plain files under a base directory. It
// writes real copies rather than symlinks so that a published release cannot
// change when its staging source is overwritten.
type LocalObjectStore struct {
	baseDir string
}

var _ ObjectStore = (*LocalObjectStore)(nil)

func NewLocalObjectStore(dir string) (*LocalObjectStore, error) {
	baseDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for %s: %w", dir, err)
	}
	if err := os.MkdirAll(baseDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create base directory %s: %w", baseDir, err)
	}
	return &LocalObjectStore{baseDir: baseDir}, nil
}

func (s *LocalObjectStore) fullpath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *LocalObjectStore) PutObject(ctx context.Context, key string, data io.Reader) error {
	path := s.fullpath(key)
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", key, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, data); err != nil {
		return fmt.Errorf("failed to write file %s: %w", key, err)
	}
	return nil
}

func (s *LocalObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.fullpath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalObjectStore) CopyObject(ctx context.Context, srcKey, destKey string) error {
	src, err := os.Open(s.fullpath(srcKey))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrObjectNotFound, srcKey)
	}
	if err != nil {
		return fmt.Errorf("failed to open object %s: %w", srcKey, err)
	}
	defer src.Close()

	return s.PutObject(ctx, destKey, src)
}

func (s *LocalObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(s.fullpath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return true, nil
}

func (s *LocalObjectStore) ListObjects(ctx context.Context, prefix string) ([]Object, error) {
	root := s.fullpath(prefix)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var objects []Object
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		objects = append(objects, Object{Key: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, err)
	}
	return objects, nil
}

func (s *LocalObjectStore) DeleteObjects(ctx context.Context, prefix string) error {
	if strings.TrimSpace(prefix) == "" {
		return fmt.Errorf("refusing to delete empty prefix")
	}
	if err := os.RemoveAll(s.fullpath(prefix)); err != nil {
		return fmt.Errorf("failed to delete objects under %s: %w", prefix, err)
	}
	return nil
}

func (s *LocalObjectStore) UploadDir(ctx context.Context, srcDir, destPrefix string) error {
	return filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}

		src, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", p, err)
		}
		defer src.Close()

		return s.PutObject(ctx, path.Join(destPrefix, filepath.ToSlash(rel)), src)
	})
}
