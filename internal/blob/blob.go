// Package blob stores generated media on the local filesystem and hands out
// signed, expiring locators for it.
package blob

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
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
)

// Putter is the only storage operation the synthesis engine needs.
type Putter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

var (
	ErrInvalidKey       = errors.New("blob: invalid key")
	ErrNotFound         = errors.New("blob: not found")
	ErrInvalidSignature = errors.New("blob: invalid signature")
	ErrExpired          = errors.New("blob: locator expired")
)

// LocalStore keeps blobs under a root directory.
type LocalStore struct {
	root       string
	publicPath string
	secret     []byte
	ttl        time.Duration
	now        func() time.Time
}

// Option configures a LocalStore.
type Option func(*LocalStore)

// WithTTL sets how long signed locators stay valid.
func WithTTL(d time.Duration) Option {
	return func(s *LocalStore) { s.ttl = d }
}

// WithPublicPath sets the URL prefix the media handler is mounted at.
func WithPublicPath(p string) Option {
	return func(s *LocalStore) { s.publicPath = "/" + strings.Trim(p, "/") }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *LocalStore) { s.now = now }
}

// NewLocalStore creates the root directory if needed. secret signs locators.
func NewLocalStore(root string, secret []byte, opts ...Option) (*LocalStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("blob: signing secret is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	s := &LocalStore{
		root:       root,
		publicPath: "/media",
		secret:     secret,
		ttl:        time.Hour,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// cleanKey rejects keys that would escape the root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	c := path.Clean(key)
	if c != key || c == "." || strings.HasPrefix(c, "../") || c == ".." {
		return "", ErrInvalidKey
	}
	return c, nil
}

// Put writes data under key, replacing any previous blob atomically, and
// returns the key as the locator.
func (s *LocalStore) Put(ctx context.Context, key string, data []byte, _ string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return key, nil
}

// Open returns the blob stored under key and its size.
func (s *LocalStore) Open(key string) (io.ReadSeekCloser, int64, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// LocatorFor returns a servable, time-limited reference to key.
func (s *LocalStore) LocatorFor(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	expires := s.now().Add(s.ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(key, expires))
	return s.publicPath + "/" + key + "?" + q.Encode(), nil
}

// Verify checks a signature produced by LocatorFor.
func (s *LocalStore) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	want := s.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrInvalidSignature
	}
	if s.now().Unix() > exp {
		return ErrExpired
	}
	return nil
}

func (s *LocalStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// AudioKey is the storage key of an article's narration.
func AudioKey(articleID string) string {
	return "audio/" + articleID + ".wav"
}
