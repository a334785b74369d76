package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const metaSuffix = ".meta"

// Filesystem stores blobs as files under a root directory, with a JSON
// sidecar (<file>.meta) holding content type, metadata and sha256 etag.
type Filesystem struct {
	root string
}

type fsMeta struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ETag        string            `json:"etag"`
	Size        int64             `json:"size"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewFilesystem returns a store rooted at root, creating it if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		root = "artifacts"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blob: create root %s", root)
	}
	return &Filesystem{root: root}, nil
}

// Driver implements Store.
func (s *Filesystem) Driver() Driver { return DriverFilesystem }

func (s *Filesystem) pathFor(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", eris.New("blob: empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", eris.Errorf("blob: invalid key %q", key)
	}
	if strings.HasSuffix(key, metaSuffix) {
		return "", eris.Errorf("blob: key %q uses reserved suffix", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// Put implements Store. Data is staged in a temp file and hard-linked into
// place, so two concurrent writers of one key cannot both succeed.
func (s *Filesystem) Put(_ context.Context, key string, r io.Reader, opts PutOptions) (Info, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return Info{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return Info{}, eris.Wrapf(ErrExists, "blob: put %s", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Info{}, eris.Wrapf(err, "blob: create dir for %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return Info{}, eris.Wrapf(err, "blob: stage %s", key)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		_ = tmp.Close()
		return Info{}, eris.Wrapf(err, "blob: write %s", key)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Info{}, eris.Wrapf(err, "blob: sync %s", key)
	}
	if err := tmp.Close(); err != nil {
		return Info{}, eris.Wrapf(err, "blob: close %s", key)
	}

	now := time.Now().UTC()
	meta := fsMeta{
		ContentType: opts.ContentType,
		Metadata:    cloneMetadata(opts.Metadata),
		ETag:        hex.EncodeToString(h.Sum(nil)),
		Size:        size,
		CreatedAt:   now,
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Info{}, eris.Wrapf(ErrExists, "blob: put %s", key)
		}
		return Info{}, eris.Wrapf(err, "blob: publish %s", key)
	}
	// List only reports keys whose sidecar exists.
	if err := writeMeta(path+metaSuffix, meta); err != nil {
		return Info{}, err
	}
	return meta.info(key), nil
}

// Get implements Store.
func (s *Filesystem) Get(ctx context.Context, key string) (Info, io.ReadCloser, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return Info{}, nil, err
	}
	path, _ := s.pathFor(key)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, nil, eris.Wrapf(ErrNotFound, "blob: get %s", key)
	}
	if err != nil {
		return Info{}, nil, eris.Wrapf(err, "blob: open %s", key)
	}
	return info, f, nil
}

// Head implements Store.
func (s *Filesystem) Head(_ context.Context, key string) (Info, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return Info{}, err
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return Info{}, eris.Wrapf(ErrNotFound, "blob: head %s", key)
	}
	meta, err := readMeta(path + metaSuffix)
	if err != nil {
		return Info{}, err
	}
	return meta.info(key), nil
}

// Delete implements Store.
func (s *Filesystem) Delete(_ context.Context, key string) (bool, error) {
	path, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, eris.Wrapf(err, "blob: delete %s", key)
	}
	_ = os.Remove(path + metaSuffix)
	return true, nil
}

// List implements Store.
func (s *Filesystem) List(_ context.Context, prefix string) ([]Info, error) {
	var out []Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		dataPath := strings.TrimSuffix(path, metaSuffix)
		if _, err := os.Stat(dataPath); err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.root, dataPath)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		meta, err := readMeta(path)
		if err != nil {
			return err
		}
		out = append(out, meta.info(key))
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "blob: list %s", prefix)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m fsMeta) info(key string) Info {
	return Info{
		Key:          key,
		Size:         m.Size,
		ContentType:  m.ContentType,
		ETag:         m.ETag,
		Metadata:     cloneMetadata(m.Metadata),
		LastModified: m.CreatedAt,
	}
}

func writeMeta(path string, m fsMeta) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return eris.Wrap(err, "blob: marshal metadata")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return eris.Wrapf(err, "blob: write metadata %s", path)
	}
	return nil
}

func readMeta(path string) (fsMeta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return fsMeta{}, eris.Wrapf(err, "blob: read metadata %s", path)
	}
	var m fsMeta
	if err := json.Unmarshal(b, &m); err != nil {
		return fsMeta{}, eris.Wrapf(err, "blob: parse metadata %s", path)
	}
	return m, nil
}
