// Package upload stores binary attachments that arrive alongside call
// envelopes. Files are parked in temporary storage under a random id until
// the handling method claims them; claiming consumes the file. Unclaimed
// files expire and are swept by Cleanup.
package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// ErrNotFound reports a temp id with no stored file behind it.
var ErrNotFound = errors.New("upload: file not found")

// ErrTooLarge reports a file exceeding the store's size limit.
var ErrTooLarge = errors.New("upload: file too large")

// Store is a temporary attachment store. DiskStore and S3Store are the
// provided backends.
type Store interface {
	// Save parks the file and returns its temp id.
	Save(ctx context.Context, filename, contentType string, size int64, r io.Reader) (string, error)

	// Claim retrieves and consumes a parked file.
	Claim(ctx context.Context, id string) (*File, error)

	// Cleanup sweeps files older than maxAge.
	Cleanup(ctx context.Context, maxAge time.Duration) error
}

// File is a claimed attachment.
type File struct {
	// ID is the temp id the file was parked under.
	ID string

	// Filename is the client-supplied name.
	Filename string

	// ContentType is the client-supplied MIME type.
	ContentType string

	// Size is the stored size in bytes.
	Size int64

	// Path is the local path when the backing store is disk.
	Path string

	// URL is a presigned fetch URL when the backing store is remote.
	URL string

	// Reader streams the contents. Closing it releases the storage.
	Reader io.ReadCloser
}

// Close releases the file's resources.
func (f *File) Close() error {
	if f.Reader != nil {
		return f.Reader.Close()
	}
	return nil
}

// Config configures the standalone upload handler.
type Config struct {
	// MaxFileSize is the per-file size cap in bytes. Default: 10 MiB.
	MaxFileSize int64

	// Field is the multipart field the handler reads. Default: "file".
	Field string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFileSize: 10 << 20,
		Field:       "file",
	}
}

// Handler returns an endpoint that accepts a single multipart file and
// answers with its temp id as {"temp_id": "..."}. Clients park large files
// here before the call referencing them, so the call envelope itself stays
// small.
func Handler(store Store, cfg Config) http.Handler {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 << 20
	}
	if cfg.Field == "" {
		cfg.Field = "file"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		// Cap the body before parsing.
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxFileSize)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "malformed multipart form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile(cfg.Field)
		if err != nil {
			http.Error(w, "no file provided", http.StatusBadRequest)
			return
		}
		defer file.Close()

		id, err := store.Save(r.Context(), header.Filename, header.Header.Get("Content-Type"), header.Size, file)
		if err != nil {
			if errors.Is(err, ErrTooLarge) {
				http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "upload failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"temp_id": id})
	})
}

// newTempID generates a random attachment id.
func newTempID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
