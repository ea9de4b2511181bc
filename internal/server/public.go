package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/engine"
	"github.com/florinnichifiriuc/dungen-and-dragons-sub001/internal/repo"
)

// registerPublicShare mounts the anonymous share surface outside the
// authenticated base path. Links get embedded in chat clients and wikis, so
// the endpoint is CORS-open for reads.
func registerPublicShare(router chi.Router, e *engine.Engine) {
	router.Route("/shared", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		r.Get("/{token}", func(w http.ResponseWriter, req *http.Request) {
			token := chi.URLParam(req, "token")
			view, err := e.ResolveShare(req.Context(), token, accessMeta(req))
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "not found", nil))
					return
				}
				e.Logger.Error("resolve share", "error", err)
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(view)
		})
	})
}

// accessMeta hashes what the request reveals about the visitor. Raw
// addresses and user agents never leave the transport layer.
func accessMeta(req *http.Request) engine.AccessMeta {
	meta := engine.AccessMeta{}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if host != "" {
		meta.IPHash = hashPtr(host)
	}
	if ua := req.UserAgent(); ua != "" {
		meta.UserAgentHash = hashPtr(ua)
	}
	return meta
}

func hashPtr(v string) *string {
	sum := sha256.Sum256([]byte(v))
	s := hex.EncodeToString(sum[:])
	return &s
}
