// Package auth gates the bridge's privileged maintenance operations.
//
// There is a single administrative secret, configured as admin.secret. It
// may be stored in plain text or as a bcrypt hash (generate one with
// "mesh-bridge init --hash-secret"). Every failure, whether the credential is
// missing, wrong, or admin access is not configured at all, returns the same
// ErrUnauthorized so callers cannot tell the cases apart.
//
// HTTP callers send the credential as a bearer token or in the
// X-Admin-Secret header:
//
//	cred := auth.ExtractCredential(r)
//	if err := gate.Check(cred); err != nil { ... }
package auth
