package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadersCanonical(t *testing.T) {
	h := NewHeaders()
	h.Set("content-type", "text/html")

	v, ok := h.Get("Content-Type")
	require.True(t, ok)
	assert.Equal(t, "text/html", v)

	v, ok = h.Get("CONTENT-TYPE")
	require.True(t, ok)
	assert.Equal(t, "text/html", v)
}

func TestHeadersValues(t *testing.T) {
	h := NewHeaders()
	h.Add("Transfer-Encoding", "gzip, chunked")
	h.Add("Transfer-Encoding", "br")

	v, ok := h.Values("transfer-encoding")
	require.True(t, ok)
	assert.Equal(t, []string{"gzip", "chunked", "br"}, v)

	_, ok = h.Values("Trailer")
	assert.False(t, ok)
}

func TestHeadersEachIsOrdered(t *testing.T) {
	var h Headers // zero value is usable
	h.Set("Server", "webserv")
	h.Set("Date", "now")
	h.Add("Allow", "GET")

	var names []string
	h.Each(func(name, _ string) { names = append(names, name) })

	assert.Equal(t, []string{"Allow", "Date", "Server"}, names)
	assert.Equal(t, 3, h.Len())

	h.Del("date")
	assert.False(t, h.Has("Date"))
}

func TestParseField(t *testing.T) {
	testcases := []struct {
		desc        string
		line        string
		name, value string
		wantErr     bool
	}{
		{desc: "simple", line: "Host: example.com", name: "Host", value: "example.com"},
		{desc: "ows is trimmed", line: "Host:\t example.com \t", name: "Host", value: "example.com"},
		{desc: "empty value", line: "X-Empty:", name: "X-Empty", value: ""},
		{desc: "no colon", line: "Host example.com", wantErr: true},
		{desc: "space before colon", line: "Host : example.com", wantErr: true},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			name, value, err := ParseField([]byte(tc.line))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.name, name)
			assert.Equal(t, tc.value, value)
		})
	}
}
