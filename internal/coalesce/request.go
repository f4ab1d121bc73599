// Package coalesce merges identical read requests issued within a short
// window into one transport call and falls back to stale cached bodies when
// that call fails.
package coalesce

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ErrStatus is matched by every *StatusError.
var ErrStatus = errors.New("unexpected status")

// StatusError reports a non-2xx response.
type StatusError struct {
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, msg)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Request describes one outbound call. TTL and Tags only apply to reads and
// control how a successful body is cached.
type Request struct {
	Method string
	Path   string
	Params url.Values
	Body   []byte
	Header http.Header

	TTL  time.Duration
	Tags []string
}

// Response is what each caller receives. Body is private to the caller.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	FromCache bool
}

func (r Response) clone() Response {
	r.Body = bytes.Clone(r.Body)
	if r.Header != nil {
		r.Header = r.Header.Clone()
	}
	return r
}

// IsRead reports whether the request is idempotent and may be coalesced.
func (r Request) IsRead() bool {
	switch strings.ToUpper(r.Method) {
	case "", http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

// Signature is the canonical identity of a request: the upper-cased method,
// the path and the query with blank values dropped, keys sorted and each
// key's values sorted.
func (r Request) Signature() string {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(r.Path)

	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sep := byte('?')
	for _, k := range keys {
		vals := make([]string, 0, len(r.Params[k]))
		for _, v := range r.Params[k] {
			if v = strings.TrimSpace(v); v != "" {
				vals = append(vals, v)
			}
		}
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteByte(sep)
			sep = '&'
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
