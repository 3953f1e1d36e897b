package server

import (
	"webserv/application/http"
)

type Options struct {
	Parse http.ParseOptions

	// PersistentConnections keeps a connection open after a response
	// unless the request or the response demands otherwise.
	// When false every connection is closed after its first response.
	PersistentConnections bool

	// ServerName is sent in the Server field.
	ServerName string

	// Static files larger than ChunkThreshold are sent with chunked transfer coding.
	// Zero disables chunking.
	ChunkThreshold int64
	ChunkSize      int
}

var DefaultOptions = Options{
	Parse:                 http.DefaultParseOptions,
	PersistentConnections: false,
	ServerName:            "webserv",
	ChunkThreshold:        1 << 20,
	ChunkSize:             http.DefaultChunkSize,
}
