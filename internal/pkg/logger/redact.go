package logger

import "strings"

// RedactEmail masks the local part of an address while keeping the domain,
// which is what sender-level diagnostics need.
// "john.doe@example.com" becomes "jo***@example.com"; local parts of two
// characters or fewer are fully masked. A display-name form such as
// "Brand <news@brand.com>" is reduced to the masked address.
func RedactEmail(email string) string {
	email = strings.TrimSpace(email)
	if i := strings.LastIndex(email, "<"); i >= 0 {
		email = strings.TrimSuffix(email[i+1:], ">")
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
