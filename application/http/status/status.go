package status

type Status struct {
	Code         uint
	ReasonPhrase string
}

// Successful 2XX
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.3
var (
	OK        = add(Status{200, "OK"})
	Created   = add(Status{201, "Created"})
	Accepted  = add(Status{202, "Accepted"})
	NoContent = add(Status{204, "No Content"})
)

// Redirection 3xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.4
var (
	MultipleChoices   = add(Status{300, "Multiple Choices"})
	MovedPermanently  = add(Status{301, "Moved Permanently"})
	Found             = add(Status{302, "Found"})
	SeeOther          = add(Status{303, "See Other"})
	NotModified       = add(Status{304, "Not Modified"})
	TemporaryRedirect = add(Status{307, "Temporary Redirect"})
	PermanentRedirect = add(Status{308, "Permanent Redirect"})
)

// Client Error 4xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.5
var (
	BadRequest                  = add(Status{400, "Bad Request"})
	Unauthorized                = add(Status{401, "Unauthorized"})
	Forbidden                   = add(Status{403, "Forbidden"})
	NotFound                    = add(Status{404, "Not Found"})
	MethodNotAllowed            = add(Status{405, "Method Not Allowed"})
	RequestTimeout              = add(Status{408, "Request Timeout"})
	Conflict                    = add(Status{409, "Conflict"})
	LengthRequired              = add(Status{411, "Length Required"})
	ContentTooLarge             = add(Status{413, "Content Too Large"})
	URITooLong                  = add(Status{414, "URI Too Long"})
	UnsupportedMediaType        = add(Status{415, "Unsupported Media Type"})
	RequestHeaderFieldsTooLarge = add(Status{431, "Request Header Fields Too Large"})
)

// Server Error 5xx
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.6
var (
	InternalServerError     = add(Status{500, "Internal Server Error"})
	NotImplemented          = add(Status{501, "Not Implemented"})
	BadGateway              = add(Status{502, "Bad Gateway"})
	ServiceUnavailable      = add(Status{503, "Service Unavailable"})
	GatewayTimeout          = add(Status{504, "Gateway Timeout"})
	HTTPVersionNotSupported = add(Status{505, "HTTP Version Not Supported"})
)

var sm = make(map[uint]*Status)

func add(status Status) Status {
	sm[status.Code] = &status
	return status
}

// FromCode looks up a registered status.
// Unknown codes are returned with an empty reason phrase.
func FromCode(code uint) (status Status, ok bool) {
	s, ok := sm[code]
	if !ok {
		return Status{Code: code, ReasonPhrase: ""}, false
	}

	return *s, true
}

// Text returns the reason phrase of code, or "Unknown" for unregistered codes.
func Text(code uint) string {
	if s, ok := sm[code]; ok {
		return s.ReasonPhrase
	}
	return "Unknown"
}

func IsRedirect(code uint) bool { return 300 <= code && code < 400 }

// IsError reports whether code is a 4xx or 5xx code.
func IsError(code uint) bool { return 400 <= code && code < 600 }
