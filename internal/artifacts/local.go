package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
)

// LocalStore keeps artifacts as files in one directory of an afero filesystem.
type LocalStore struct {
	fs  afero.Fs
	dir string
}

// NewLocalStore creates dir on fs if needed.
func NewLocalStore(fs afero.Fs, dir string) (*LocalStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifacts: create directory %s", dir)
	}
	return &LocalStore{fs: fs, dir: dir}, nil
}

// NewLocalStores lays the run namespaces out under root.
func NewLocalStores(fs afero.Fs, root string) (Stores, error) {
	var firstErr error
	stores := NewStores(func(namespace string) Store {
		s, err := NewLocalStore(fs, filepath.Join(root, namespace))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return s
	})
	if firstErr != nil {
		return Stores{}, firstErr
	}
	return stores, nil
}

func (s *LocalStore) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, key), nil
}

// Put writes to a temp file first so readers never see a partial artifact.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := afero.TempFile(s.fs, s.dir, "."+key+".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "artifacts: create temp file for %s", key)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = s.fs.Remove(tmpName)
		return eris.Wrapf(err, "artifacts: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return eris.Wrapf(err, "artifacts: close %s", key)
	}
	if err := s.fs.Rename(tmpName, p); err != nil {
		_ = s.fs.Remove(tmpName)
		return eris.Wrapf(err, "artifacts: finalize %s", key)
	}
	return nil
}

func (s *LocalStore) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	exists, err := s.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	if err := s.Put(ctx, key, data); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, p)
	if os.IsNotExist(err) {
		return nil, eris.Wrapf(ErrNotFound, "artifacts: %s", s.URI(key))
	}
	if err != nil {
		return nil, eris.Wrapf(err, "artifacts: read %s", key)
	}
	return data, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "artifacts: delete %s", key)
	}
	return nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(s.fs, p)
	if err != nil {
		return false, eris.Wrapf(err, "artifacts: stat %s", key)
	}
	return ok, nil
}

func (s *LocalStore) List(ctx context.Context, suffix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "artifacts: list %s", s.dir)
	}
	var keys []string
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, suffix) {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) URI(key string) string {
	return filepath.Join(s.dir, key)
}
