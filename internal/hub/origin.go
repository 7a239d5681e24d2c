package hub

import (
	"net/http"
	"strings"
)

// CheckOrigin returns an origin check for a websocket.Upgrader. Requests
// without an Origin header are accepted; "*" in allowed accepts any origin.
func CheckOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(origin, a) {
				return true
			}
		}
		return false
	}
}
