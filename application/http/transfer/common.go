package transfer

import "strings"

type Coding string

const (
	CodingChunked Coding = "chunked"
)

// IsChunked reports whether chunked is the final coding of a
// Transfer-Encoding field value list.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.4.1
func IsChunked(codings []string) bool {
	if len(codings) == 0 {
		return false
	}

	return strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), string(CodingChunked))
}
