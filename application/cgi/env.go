package cgi

import (
	"sort"
	"strconv"
	"strings"
	"webserv/application/http"
)

// Environ builds the meta-variables of inv.
// Reference: https://datatracker.ietf.org/doc/html/rfc3875#section-4.1
func Environ(inv Invocation, software string) []string {
	req := inv.Request

	vars := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"REQUEST_METHOD":    string(req.Method),
		"REQUEST_URI":       req.Target,
		"SCRIPT_FILENAME":   inv.Script,
		"SCRIPT_NAME":       req.Path(),
		"PATH_INFO":         req.Path(),
		"PATH_TRANSLATED":   inv.Script,
		"QUERY_STRING":      req.Query(),
		"SERVER_NAME":       inv.ServerName,
		"SERVER_PORT":       strconv.Itoa(inv.ServerPort),
		"SERVER_PROTOCOL":   req.Version.String(),
		"SERVER_SOFTWARE":   software,
		// php-cgi refuses to run without it.
		"REDIRECT_STATUS": "200",
	}

	if inv.RemoteAddr != "" {
		vars["REMOTE_ADDR"] = inv.RemoteAddr
	}

	if len(req.Body) > 0 || req.Method == http.MethodPost {
		vars["CONTENT_LENGTH"] = strconv.Itoa(len(req.Body))
	}
	if ct, ok := req.Headers.Get("Content-Type"); ok {
		vars["CONTENT_TYPE"] = ct
	}

	req.Headers.Each(func(name, value string) {
		switch name {
		case "Content-Type", "Content-Length", "Connection", "Transfer-Encoding",
			// Would surface as HTTP_PROXY, which HTTP clients in the script honour.
			"Proxy":
			return
		}

		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if prev, ok := vars[key]; ok {
			value = prev + ", " + value
		}
		vars[key] = value
	})

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return env
}
