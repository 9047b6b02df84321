// Package blobstore issues and verifies time-limited signed URLs against the
// audio object store. The store itself sits behind a gateway that accepts
// these URLs; this service never streams file bytes.
package blobstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingFileName = errors.New("file name is required")
	ErrTTLTooLong      = errors.New("signed url ttl exceeds maximum")
	ErrBadSignature    = errors.New("signature mismatch")
	ErrExpired         = errors.New("signed url expired")
)

// MaxTTL caps how long a signed URL stays valid.
const MaxTTL = 7 * 24 * time.Hour

// Signer mints HMAC-signed URLs for audio objects. The signing key is shared
// with the storage gateway that verifies them.
type Signer struct {
	baseURL string
	key     []byte
	now     func() time.Time
}

// NewSigner creates a Signer whose URLs are rooted at baseURL.
func NewSigner(baseURL string, key []byte) *Signer {
	return &Signer{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		now:     time.Now,
	}
}

// SignedURL mints a URL valid for ttl that authorizes one HTTP method
// against the named object.
func (s *Signer) SignedURL(_ context.Context, fileName, method, contentType string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(fileName) == "" {
		return "", ErrMissingFileName
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > MaxTTL {
		return "", ErrTTLTooLong
	}

	expires := s.now().Add(ttl).Unix()
	sig := s.sign(fileName, method, contentType, expires)

	q := url.Values{}
	q.Set("method", method)
	q.Set("expires", strconv.FormatInt(expires, 10))
	if contentType != "" {
		q.Set("content_type", contentType)
	}
	q.Set("signature", sig)

	return fmt.Sprintf("%s/%s?%s", s.baseURL, url.PathEscape(fileName), q.Encode()), nil
}

// Verify checks a previously minted URL: signature integrity and expiry.
func (s *Signer) Verify(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse signed url: %w", err)
	}
	q := u.Query()

	expires, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("parse expires: %w", err)
	}
	if s.now().Unix() > expires {
		return ErrExpired
	}

	segs := strings.Split(u.Path, "/")
	fileName, err := url.PathUnescape(segs[len(segs)-1])
	if err != nil {
		return fmt.Errorf("unescape object name: %w", err)
	}
	want := s.sign(fileName, q.Get("method"), q.Get("content_type"), expires)
	if !hmac.Equal([]byte(want), []byte(q.Get("signature"))) {
		return ErrBadSignature
	}
	return nil
}

func (s *Signer) sign(fileName, method, contentType string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%s\n%s\n%d", method, fileName, contentType, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
