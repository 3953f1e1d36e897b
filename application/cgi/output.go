package cgi

import (
	"bytes"
	"strconv"
	"strings"
	"webserv/application/http"
	"webserv/application/http/status"

	"github.com/pkg/errors"
)

// ParseOutput turns what a script wrote to stdout into a response.
// Reference: https://datatracker.ietf.org/doc/html/rfc3875#section-6
func ParseOutput(out []byte) (*http.Response, error) {
	head, body, ok := splitHead(out)
	if !ok {
		return nil, errors.Wrap(ErrMalformedOutput, "header section is not terminated")
	}

	res := http.NewResponse()
	res.Status = status.OK.Code

	var hasStatus, hasLocation, hasType bool

	for _, line := range bytes.Split(head, []byte{http.LF}) {
		line = bytes.TrimSuffix(line, []byte{http.CR})
		if len(line) == 0 {
			continue
		}

		name, value, err := http.ParseField(line)
		if err != nil {
			return nil, errors.Wrap(ErrMalformedOutput, err.Error())
		}

		switch strings.ToLower(name) {
		case "status":
			code, reason, err := parseStatus(value)
			if err != nil {
				return nil, err
			}
			res.Status, res.Reason = code, reason
			hasStatus = true
		case "location":
			res.Headers.Set("Location", value)
			hasLocation = true
		case "content-type":
			res.Headers.Set("Content-Type", value)
			hasType = true
		case "content-length", "transfer-encoding", "connection":
			// Framing is decided by the server.
		default:
			res.Headers.Add(name, value)
		}
	}

	if !hasStatus && !hasLocation && !hasType {
		return nil, errors.Wrap(ErrMalformedOutput, "no Content-Type, Location or Status field")
	}
	if hasLocation && !hasStatus {
		res.Status = status.Found.Code
	}

	res.Body = body

	return res, nil
}

func splitHead(out []byte) (head, body []byte, ok bool) {
	crlf := bytes.Index(out, []byte("\r\n\r\n"))
	lf := bytes.Index(out, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return out[:crlf], out[crlf+4:], true
	case lf >= 0:
		return out[:lf], out[lf+2:], true
	}
	return nil, nil, false
}

func parseStatus(value string) (uint, string, error) {
	codeText, reason, _ := strings.Cut(value, " ")
	code, err := strconv.ParseUint(codeText, 10, 32)
	if err != nil || code < 100 || code > 999 {
		return 0, "", errors.Wrapf(ErrMalformedOutput, "invalid status %q", value)
	}
	return uint(code), strings.TrimSpace(reason), nil
}
