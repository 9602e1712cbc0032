package db

import (
	"net/url"
	"strings"
)

// Redact returns dsn with its password masked, for logging. Key/value DSNs
// and unparsable input are reduced to their scheme-less host part.
func Redact(dsn string) string {
	if dsn == "" {
		return ""
	}
	if !strings.Contains(dsn, "://") {
		return "(key/value dsn)"
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "(invalid dsn)"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
