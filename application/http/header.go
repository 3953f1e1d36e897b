package http

import (
	"bytes"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type Headers struct{ underlying map[string][]string }

func NewHeaders() Headers {
	return Headers{underlying: make(map[string][]string)}
}

// Get assumes the field is a singleton field.
// Even if key has multiple values, it will only return the first element of values.
// For list-based field, use [Headers.Values].
func (h *Headers) Get(key string) (value string, ok bool) {
	v, ok := h.underlying[canonical(key)]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// Values splits every line of the field on commas.
func (h *Headers) Values(key string) (values []string, ok bool) {
	lines, ok := h.underlying[canonical(key)]
	for _, line := range lines {
		for _, v := range strings.Split(line, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
	}
	return values, ok
}

// Set assumes the field is a singleton field.
// It overwrites existing value instead of appending to it.
// For list-based field, use [Headers.Add].
func (h *Headers) Set(key, value string) {
	h.lazyInit()
	h.underlying[canonical(key)] = []string{value}
}

func (h *Headers) Add(key, value string) {
	h.lazyInit()
	key = canonical(key)
	h.underlying[key] = append(h.underlying[key], value)
}

func (h *Headers) Del(key string) {
	delete(h.underlying, canonical(key))
}

func (h *Headers) Has(key string) bool {
	_, ok := h.underlying[canonical(key)]
	return ok
}

func (h *Headers) Len() int { return len(h.underlying) }

// Each visits every field line in name order.
func (h *Headers) Each(fn func(name, value string)) {
	keys := make([]string, 0, len(h.underlying))
	for k := range h.underlying {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range h.underlying[k] {
			fn(k, v)
		}
	}
}

func (h *Headers) lazyInit() {
	if h.underlying == nil {
		h.underlying = make(map[string][]string)
	}
}

// ParseField parses a single field line.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5
func ParseField(line []byte) (name, value string, err error) {
	n, v, found := bytes.Cut(line, []byte{':'})
	if !found {
		return "", "", errors.Errorf("colon seperator not found on header: %q", string(line))
	}

	// No whitespace is allowed between field name and colon.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-2
	if !isValidToken(n) {
		return "", "", errors.Errorf("field name is not a valid token: %q", string(n))
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-3
	v = bytes.Trim(v, string(OWS))

	return string(n), string(v), nil
}

func canonical(s string) string {
	if isValidToken([]byte(s)) {
		return toCanonicalFieldName(s)
	}
	return s
}

// This only works for valid token.
func toCanonicalFieldName(s string) string {
	const capitalDiff = 'a' - 'A'
	b := []byte(s)
	upper := true
	for i, c := range b {
		if upper && 'a' <= c && c <= 'z' {
			c -= capitalDiff
		} else if !upper && 'A' <= c && c <= 'Z' {
			c += capitalDiff
		}
		b[i] = c
		upper = c == '-'
	}
	return string(b)
}

// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.2-2
func isValidToken(s []byte) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9') {
			continue
		}

		switch c {
		case '!', '#', '$', '%', '&', '\'', '*', '+',
			'-', '.', '^', '_', '`', '|', '~':
			continue
		}

		return false
	}

	return true
}
