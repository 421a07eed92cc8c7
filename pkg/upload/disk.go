package upload

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiskStore parks attachments on the local filesystem. Metadata is kept in
// memory and mirrored to a sidecar file so claims survive a restart.
type DiskStore struct {
	dir     string
	maxSize int64

	mu    sync.Mutex
	metas map[string]*diskMeta
}

type diskMeta struct {
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewDiskStore creates a store rooted at dir. maxSize of 0 means no limit.
func NewDiskStore(dir string, maxSize int64) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{
		dir:     dir,
		maxSize: maxSize,
		metas:   make(map[string]*diskMeta),
	}, nil
}

// Save parks the file and returns its temp id.
func (s *DiskStore) Save(_ context.Context, filename, contentType string, size int64, r io.Reader) (string, error) {
	if s.maxSize > 0 && size > s.maxSize {
		return "", ErrTooLarge
	}

	id := newTempID()
	path := filepath.Join(s.dir, id)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader := r
	if s.maxSize > 0 {
		// One extra byte so an oversized stream is detectable.
		reader = io.LimitReader(r, s.maxSize+1)
	}
	written, err := io.Copy(f, reader)
	if err != nil {
		os.Remove(path)
		return "", err
	}
	if s.maxSize > 0 && written > s.maxSize {
		os.Remove(path)
		return "", ErrTooLarge
	}

	meta := &diskMeta{
		Filename:    filename,
		ContentType: contentType,
		Size:        written,
		CreatedAt:   time.Now(),
	}
	s.mu.Lock()
	s.metas[id] = meta
	s.mu.Unlock()
	s.writeMeta(id, meta)

	return id, nil
}

// Claim retrieves and consumes a parked file. The storage is released when
// the returned reader is closed.
func (s *DiskStore) Claim(_ context.Context, id string) (*File, error) {
	s.mu.Lock()
	meta, ok := s.metas[id]
	delete(s.metas, id)
	s.mu.Unlock()

	if !ok {
		var err error
		if meta, err = s.readMeta(id); err != nil {
			return nil, ErrNotFound
		}
	}

	path := filepath.Join(s.dir, id)
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrNotFound
	}

	return &File{
		ID:          id,
		Filename:    meta.Filename,
		ContentType: meta.ContentType,
		Size:        meta.Size,
		Path:        path,
		Reader:      &removeOnClose{File: f, paths: []string{path, s.metaPath(id)}},
	}, nil
}

// Cleanup sweeps parked files older than maxAge, including orphans left by
// a previous process.
func (s *DiskStore) Cleanup(_ context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	for id, meta := range s.metas {
		if meta.CreatedAt.Before(cutoff) {
			delete(s.metas, id)
			os.Remove(filepath.Join(s.dir, id))
			os.Remove(s.metaPath(id))
		}
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(s.dir, entry.Name()))
		}
	}
	return nil
}

func (s *DiskStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta")
}

func (s *DiskStore) writeMeta(id string, meta *diskMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(s.metaPath(id), data, 0o644)
}

func (s *DiskStore) readMeta(id string) (*diskMeta, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		return nil, err
	}
	var meta diskMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// removeOnClose deletes the backing files once the reader is closed.
type removeOnClose struct {
	*os.File
	paths []string
}

func (r *removeOnClose) Close() error {
	err := r.File.Close()
	for _, p := range r.paths {
		os.Remove(p)
	}
	return err
}
