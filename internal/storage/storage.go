package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrNotExist is returned when no object is stored under a key.
	ErrNotExist = errors.New("upload does not exist")
	// ErrInvalidKey is returned for keys that could escape the upload namespace.
	ErrInvalidKey = errors.New("invalid upload key")
	// ErrEmptyFilename is returned when a client filename sanitizes to nothing.
	ErrEmptyFilename = errors.New("empty filename")
)

// Store is the shared upload area used to hand an image from the upload
// request to the predict request.
type Store interface {
	Save(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilename reduces a client supplied filename to a flat ASCII name that
// is safe to use as a storage key. It may return an empty string.
func SecureFilename(name string) string {
	name = norm.NFKD.String(name)

	var b strings.Builder
	for _, r := range name {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
		}
	}
	name = b.String()

	name = strings.NewReplacer("/", " ", `\`, " ").Replace(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

// ValidKey reports whether key is a flat name produced by SecureFilename or KeyPolicy.
func ValidKey(key string) bool {
	if key == "" || strings.HasPrefix(key, ".") {
		return false
	}
	if strings.ContainsAny(key, `/\`) {
		return false
	}
	return SecureFilename(key) == key
}

// KeyPolicy decides the storage key of an upload.
type KeyPolicy struct {
	// PreserveFilenames stores uploads under the sanitized client filename.
	// Concurrent uploads of the same name then overwrite each other.
	PreserveFilenames bool
}

// NewKey returns the storage key for a client filename. By default the key is a
// random UUID carrying the original extension.
func (p KeyPolicy) NewKey(filename string) (string, error) {
	safe := SecureFilename(filename)
	if safe == "" {
		return "", ErrEmptyFilename
	}
	if p.PreserveFilenames {
		return safe, nil
	}
	return uuid.NewString() + strings.ToLower(filepath.Ext(safe)), nil
}
