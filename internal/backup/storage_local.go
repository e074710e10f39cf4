package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperrors "dbvault/internal/errors"
)

const (
	metadataSuffix = ".meta.json"
	partialMarker  = ".partial-"
)

// LocalStorage keeps objects as files under a base directory. Each object
// has a JSON sidecar holding its metadata. Put links the sidecar into place
// first and then the finished artifact, so List never returns an object
// whose metadata is missing. Links fail when the name is taken, which makes
// Put create-only.
type LocalStorage struct {
	basePath    string
	permissions os.FileMode
}

type localMetadata struct {
	Size     int64             `json:"size"`
	Metadata map[string]string `json:"metadata"`
}

// NewLocalStorage creates a LocalStorage rooted at basePath
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if basePath == "" {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeConfiguration, "local storage base path is required", nil)
	}
	ls := &LocalStorage{basePath: basePath, permissions: 0750}
	if err := os.MkdirAll(basePath, ls.permissions); err != nil {
		return nil, apperrors.NewTransientIOError("failed to create local storage directory", err)
	}
	return ls, nil
}

// Provider implements ObjectStore
func (ls *LocalStorage) Provider() string { return "local" }

func (ls *LocalStorage) path(key string) string {
	return filepath.Join(ls.basePath, filepath.FromSlash(key))
}

// Put implements ObjectStore
func (ls *LocalStorage) Put(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	dest := ls.path(key)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, ls.permissions); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dest)+partialMarker+"*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	written, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("short write for %s: wrote %d of %d bytes", key, written, size)
	}

	if err := ls.claimMetadata(key, dest, localMetadata{Size: written, Metadata: metadata}); err != nil {
		return err
	}
	if err := os.Link(tmpName, dest); err != nil {
		_ = os.Remove(dest + metadataSuffix)
		if errors.Is(err, fs.ErrExist) {
			return errObjectExists(key, err)
		}
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return nil
}

// claimMetadata links a new sidecar for dest into place, failing with
// target_conflict if one is already there
func (ls *LocalStorage) claimMetadata(key, dest string, meta localMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+metadataSuffix+partialMarker+"*")
	if err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Link(tmp.Name(), dest+metadataSuffix); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return errObjectExists(key, err)
		}
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (ls *LocalStorage) readMetadata(dest string) (map[string]string, error) {
	data, err := os.ReadFile(dest + metadataSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var meta localMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("corrupt metadata sidecar %s: %w", dest+metadataSuffix, err)
	}
	if meta.Metadata == nil {
		meta.Metadata = map[string]string{}
	}
	return meta.Metadata, nil
}

// Get implements ObjectStore
func (ls *LocalStorage) Get(ctx context.Context, key string, w io.Writer) (int64, error) {
	file, err := os.Open(ls.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, apperrors.NewNotFoundError("object "+key, err)
	}
	if err != nil {
		return 0, err
	}
	defer file.Close()

	return io.Copy(w, &contextReader{ctx: ctx, r: file})
}

// Stat implements ObjectStore
func (ls *LocalStorage) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	dest := ls.path(key)
	info, err := os.Stat(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.NewNotFoundError("object "+key, err)
	}
	if err != nil {
		return nil, err
	}
	meta, err := ls.readMetadata(dest)
	if err != nil {
		return nil, err
	}
	return &ObjectInfo{Key: key, Size: info.Size(), Modified: info.ModTime(), Metadata: meta}, nil
}

// List implements ObjectStore
func (ls *LocalStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	err := filepath.WalkDir(ls.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, metadataSuffix) || strings.Contains(name, partialMarker) {
			return nil
		}
		rel, err := filepath.Rel(ls.basePath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		meta, err := ls.readMetadata(path)
		if err != nil {
			return err
		}
		objects = append(objects, ObjectInfo{Key: key, Size: info.Size(), Modified: info.ModTime(), Metadata: meta})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", ls.basePath, err)
	}
	return objects, nil
}

// Delete implements ObjectStore
func (ls *LocalStorage) Delete(ctx context.Context, key string) error {
	dest := ls.path(key)
	if err := os.Remove(dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperrors.NewNotFoundError("object "+key, err)
		}
		return err
	}
	if err := os.Remove(dest + metadataSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleted %s but failed to remove its metadata: %w", key, err)
	}
	return nil
}

// HealthCheck implements ObjectStore
func (ls *LocalStorage) HealthCheck(ctx context.Context) error {
	marker, err := os.CreateTemp(ls.basePath, ".health"+partialMarker+"*")
	if err != nil {
		return fmt.Errorf("local storage at %s is not writable: %w", ls.basePath, err)
	}
	name := marker.Name()
	marker.Close()
	return os.Remove(name)
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
