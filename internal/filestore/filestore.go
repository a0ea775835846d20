package filestore

import (
	"errors"
	"io"
	"path"
	"strings"
)

var ErrInvalidPath = errors.New("invalid blob path")

// FileStore keeps uploaded blobs under slash-separated relative paths.
type FileStore interface {
	// Save writes r to path. A partially written blob is never visible:
	// either the whole content lands at path or nothing does.
	Save(r io.Reader, path string) (int64, error)

	// Open returns the content stored at path.
	Open(path string) (io.ReadCloser, error)

	Delete(path string) error
}

// CleanPath validates a blob path and returns its canonical form.
func CleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", ErrInvalidPath
	}
	clean := path.Clean(p)
	if clean != p || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", ErrInvalidPath
	}
	return clean, nil
}
