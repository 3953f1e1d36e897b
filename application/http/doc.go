// Package http implements the HTTP/1.1 message layer of the server:
// a push style request parser fed from readiness notifications,
// and a response writer that drains one response at a time in bounded slices.
//
// Reference:
//
// - https://datatracker.ietf.org/doc/html/rfc9110
//
// - https://datatracker.ietf.org/doc/html/rfc9112
package http
