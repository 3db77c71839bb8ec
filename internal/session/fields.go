package session

import (
	"strconv"
	"strings"
)

// field is one entry of the response field multimap: a pending
// response field in a case-insensitive ordered multimap.
type field struct {
	name  string
	value string
}

// reasonPhrases covers the HTTP status codes CGI responses commonly
// use. Unknown codes fall back to "UNKNOWN-RESPONSE-<code>".
var reasonPhrases = map[int]string{
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	429: "Too Many Requests",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
}

func reasonPhrase(code int) string {
	if r, ok := reasonPhrases[code]; ok {
		return r
	}
	return "UNKNOWN-RESPONSE-" + strconv.Itoa(code)
}

// variablePrefix is the reserved prefix Authorizer sessions use for
// set_variable/add_variable.
const variablePrefix = "Variable-"

// reservedFieldName is the one field name applications may never set
// directly: the status line is controlled exclusively through
// SetStatus.
func isReservedFieldName(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), "Status")
}

func normalizeFieldName(name string) string {
	return strings.TrimSpace(name)
}
