package logger

import "strings"

// RedactEmail keeps just enough of an address to correlate log lines with a
// recipient: the first two characters of the local part plus the full
// domain. "ana.lima@example.com" becomes "an***@example.com". Local parts of
// two characters or fewer are masked entirely, and anything that is not
// local@domain collapses to "***@***".
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}

// RedactName keeps the first character of a personal name: "Ana" -> "A***".
func RedactName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return name[:1] + "***"
}
