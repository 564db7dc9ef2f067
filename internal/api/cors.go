package api

import (
	"net/http"
	"slices"
)

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type"
	corsMaxAge  = "86400"
)

// WithCORS allows cross origin calls from origins, "*" allows any. No
// origins disables CORS headers.
func WithCORS(origins ...string) Option {
	return func(h *Handler) {
		h.origins = origins
	}
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, empty
// when it is not allowed.
func (h *Handler) allowOrigin(origin string) string {
	switch {
	case len(h.origins) == 0:
		return ""
	case slices.Contains(h.origins, "*"):
		return "*"
	case origin != "" && slices.Contains(h.origins, origin):
		return origin
	default:
		return ""
	}
}

// cors sets the CORS headers and reports whether r was a preflight already
// answered.
func (h *Handler) cors(w http.ResponseWriter, r *http.Request) bool {
	if len(h.origins) == 0 {
		return false
	}
	w.Header().Add("Vary", "Origin")
	allow := h.allowOrigin(r.Header.Get("Origin"))
	if allow == "" {
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", allow)
	w.Header().Set("Access-Control-Allow-Methods", corsMethods)
	w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
	w.Header().Set("Access-Control-Max-Age", corsMaxAge)

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}
