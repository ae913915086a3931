package auth

import (
	"fmt"
	"strings"
)

// TokenVerifier maps opaque bearer tokens onto users.
type TokenVerifier struct {
	users map[string]User
}

// ParseTokens reads a comma separated list of token:userID[:displayName].
func ParseTokens(spec string) (*TokenVerifier, error) {
	v := &TokenVerifier{users: make(map[string]User)}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid auth token entry %q", entry)
		}
		user := User{ID: parts[1]}
		if len(parts) == 3 {
			user.DisplayName = parts[2]
		}
		v.users[parts[0]] = user
	}
	return v, nil
}

// Verify returns the user bound to token.
func (v *TokenVerifier) Verify(token string) (User, bool) {
	if v == nil || token == "" {
		return User{}, false
	}
	user, ok := v.users[token]
	return user, ok
}

// Len reports how many tokens are configured.
func (v *TokenVerifier) Len() int {
	if v == nil {
		return 0
	}
	return len(v.users)
}
