package errors

import (
	"regexp"
)

// Patterns covering the ways credentials tend to leak into messages: URI
// userinfo, key=value style secrets, and AWS-style access key ids.
var (
	uriUserinfoRe = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]+):[^@\s]+@`)
	secretKVRe    = regexp.MustCompile(`(?i)\b(password|passwd|secret|secretkey|secret_key|accesskey|access_key|token|authorization)\s*[=:]\s*[^\s,;&"']+`)
	awsKeyIDRe    = regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)
)

// Redact masks credential material in a message. Applied to every message and
// cause that crosses the API boundary.
func Redact(s string) string {
	s = uriUserinfoRe.ReplaceAllString(s, "$1:***@")
	s = secretKVRe.ReplaceAllString(s, "$1=***")
	s = awsKeyIDRe.ReplaceAllString(s, "***")
	return s
}
