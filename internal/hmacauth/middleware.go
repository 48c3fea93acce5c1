// Package hmacauth authenticates API callers with an HMAC-SHA256 signature
// over the request timestamp and body.
package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderKeyID     = "X-Key-Id"
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"

	// DefaultKeyID is used when a request names no key.
	DefaultKeyID = "default"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrUnknownKey       = errors.New("unknown signing key")
)

type contextKey struct{}

// ClientFromContext returns the key id that authenticated the request.
func ClientFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok
}

// Verifier checks signatures against a set of shared secrets keyed by id.
// With no keys configured every request is let through.
type Verifier struct {
	Keys    map[string]string
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := v.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if id != "" {
			r = r.WithContext(context.WithValue(r.Context(), contextKey{}, id))
		}
		next.ServeHTTP(w, r)
	})
}

func (v *Verifier) verify(r *http.Request) (string, error) {
	if len(v.Keys) == 0 {
		return "", nil
	}

	id := strings.TrimSpace(r.Header.Get(HeaderKeyID))
	if id == "" {
		id = DefaultKeyID
	}
	secret, ok := v.Keys[id]
	if !ok {
		return "", ErrUnknownKey
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return "", ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return "", ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return "", ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return "", ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return "", err
	}

	expected := Sign(secret, tsHeader, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return "", ErrInvalidSignature
	}
	return id, nil
}

// Sign computes the hex signature a client sends for body at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the authentication headers on req for the given key.
func SignRequest(req *http.Request, keyID, secret string, body []byte, now time.Time) {
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderKeyID, keyID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(secret, ts, body))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
