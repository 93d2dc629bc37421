// ABOUTME: Credential extraction for HTTP admin endpoints
// ABOUTME: Reads a bearer token or the X-Admin-Secret header

package auth

import (
	"net/http"
	"strings"
)

// HeaderAdminSecret carries the credential when a bearer token is not used.
const HeaderAdminSecret = "X-Admin-Secret"

// ExtractCredential returns the credential a request presents, or "".
func ExtractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get(HeaderAdminSecret))
}
