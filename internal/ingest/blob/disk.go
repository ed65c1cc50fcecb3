// Package blob stores segment bodies on the local filesystem.
package blob

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/amoylab/replay/internal/common/cnst"
	"go.uber.org/zap"
)

// ErrInvalidKey is returned for key components that would escape the root
var ErrInvalidKey = errors.New("invalid blob key")

// Disk writes blobs below a root directory as <site>/<session>/<name><ext>
type Disk struct {
	logger *zap.Logger
	root   string
}

func NewDisk(logger *zap.Logger, root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Disk{logger: logger.Named("ingest.blob"), root: root}, nil
}

// Key builds the relative key of a segment body
func Key(site, session, name string, encoding cnst.Encoding) (string, error) {
	for _, part := range []string{site, session, name} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, part)
		}
	}
	ext := ".json"
	if encoding == cnst.EncodingGzip {
		ext += ".gz"
	}
	return path.Join(site, session, name+ext), nil
}

// Write stores r under key and returns the number of bytes written. The
// file appears atomically.
func (d *Disk) Write(key string, r io.Reader) (int64, error) {
	full := filepath.Join(d.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), full)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, err
	}

	d.logger.Debug("blob written", zap.String("key", key), zap.Int64("bytes", n))
	return n, nil
}

// Open returns a reader for the blob under key
func (d *Disk) Open(key string) (io.ReadCloser, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return os.Open(filepath.Join(d.root, filepath.FromSlash(key)))
}
