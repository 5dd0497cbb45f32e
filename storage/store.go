// Package storage is a filesystem blob store that hands out expiring, keyed
// read URLs.
package storage

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrInvalidPath signals an empty, absolute or escaping blob path.
	ErrInvalidPath = errors.New("storage: invalid path")
	// ErrNotFound signals that no blob exists at the path.
	ErrNotFound = errors.New("storage: not found")
	// ErrBadSignature signals a tampered or foreign signed URL.
	ErrBadSignature = errors.New("storage: bad signature")
	// ErrURLExpired signals a signed URL past its expiry.
	ErrURLExpired = errors.New("storage: url expired")
)

// FilesPrefix is the URL path under which signed blobs are served.
const FilesPrefix = "/files/"

// Store writes blobs under a root directory.
type Store struct {
	root      string
	publicURL string
	key       []byte
	now       func() time.Time
}

// New creates a store rooted at root. publicURL is the externally reachable
// base the file handler is mounted under; signingKey must be 32 to 64 bytes.
func New(root, publicURL, signingKey string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage: root required")
	}
	if len(signingKey) < 32 || len(signingKey) > blake2b.Size {
		return nil, fmt.Errorf("storage: signing key must be 32 to 64 bytes")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &Store{
		root:      root,
		publicURL: strings.TrimRight(publicURL, "/"),
		key:       []byte(signingKey),
		now:       time.Now,
	}, nil
}

// WithClock overrides the time source used for URL expiry.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Upload writes data to p atomically. Uploading the same path again replaces
// the previous content.
func (s *Store) Upload(ctx context.Context, data []byte, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	return nil
}

// Open returns a reader for the blob at p.
func (s *Store) Open(p string) (*os.File, error) {
	full, err := s.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	return f, nil
}

// Read returns the whole blob at p.
func (s *Store) Read(p string) ([]byte, error) {
	f, err := s.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// SignedURL returns a read URL for p that stops working after ttl.
func (s *Store) SignedURL(p string, ttl time.Duration) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		return "", fmt.Errorf("storage: ttl must be positive")
	}
	expires := s.now().Add(ttl).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(clean, expires))
	return s.publicURL + FilesPrefix + escapePath(clean) + "?" + q.Encode(), nil
}

// Verify checks a signature produced by SignedURL and returns the clean path.
func (s *Store) Verify(p, expires, sig string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return "", ErrBadSignature
	}
	want, err := hex.DecodeString(s.sign(clean, exp))
	if err != nil {
		return "", ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil || subtle.ConstantTimeCompare(want, got) != 1 {
		return "", ErrBadSignature
	}
	if !s.now().Before(time.Unix(exp, 0)) {
		return "", ErrURLExpired
	}
	return clean, nil
}

func (s *Store) sign(p string, expires int64) string {
	h, err := blake2b.New256(s.key)
	if err != nil {
		// Key length is checked in New.
		panic(err)
	}
	h.Write([]byte(p))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) resolve(p string) (string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func cleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", ErrInvalidPath
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || clean != p {
		return "", ErrInvalidPath
	}
	return clean, nil
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}
