package auth

import "strings"

// identityFromClaims builds a UserIdentity from token claims. Paths are
// dot-separated so providers that nest identity under a claims object still
// resolve.
func identityFromClaims(claims map[string]any) *UserIdentity {
	ident := &UserIdentity{
		UserID: claimString(claims, "sub"),
		Email:  claimString(claims, "email"),
		Name:   claimString(claims, "name"),
	}
	if ident.UserID == "" {
		return nil
	}
	return ident
}

// claimString resolves a dot-separated path to a string claim.
func claimString(claims map[string]any, path string) string {
	var current any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return ""
		}
		current = m[part]
	}
	if s, ok := current.(string); ok {
		return s
	}
	return ""
}
