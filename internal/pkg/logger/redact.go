package logger

import "strings"

// RedactEmail masks a member address for logging. The local part is
// reduced to its first character; the domain is kept intact because
// delivery problems are diagnosed per provider domain and the domain
// alone does not identify a member.
//
//	"skipper@gmail.com"  → "s***@gmail.com"
//	"a@club.test"        → "***@club.test"
//	"not-an-address"     → "[redacted]"
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "[redacted]"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) < 2 {
		return "***@" + domain
	}
	return local[:1] + "***@" + domain
}
