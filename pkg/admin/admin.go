// Package admin serves the operator API: authenticated endpoints to save
// and archive the host, inspect and edit the world, send hooks to script
// consumers and manage the shared registry.
package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/crystal-mush/luahost/pkg/archive"
	"github.com/crystal-mush/luahost/pkg/scripting"
)

// Controller is the host surface the admin API drives. It keeps this
// package free of an import cycle with the server package.
type Controller interface {
	// StatsMap returns the same body as the public stats endpoint.
	StatsMap() map[string]any
	// Save writes the world and registry to persistent storage.
	Save() error
	// Archive writes a snapshot archive and returns its path.
	Archive() (string, error)
	// Archives lists existing archives, newest first.
	Archives() ([]archive.Info, error)
	// ConfPath is the host config file, empty when running on defaults.
	ConfPath() string
	// ValidateConfig checks YAML config bytes without applying them.
	ValidateConfig(data []byte) error
}

// Config configures authentication.
type Config struct {
	DataDir     string        // where the password hash is stored
	JWTSecret   string        // HMAC key; empty generates a random one per process
	TokenExpiry time.Duration // default 24h
}

// Admin is the admin API HTTP handler.
type Admin struct {
	ctrl Controller
	rt   *scripting.Runtime
	auth *authService
}

// New creates an Admin handler.
func New(ctrl Controller, rt *scripting.Runtime, cfg Config) *Admin {
	return &Admin{
		ctrl: ctrl,
		rt:   rt,
		auth: newAuthService(cfg),
	}
}

// Handler returns an http.Handler that serves the admin API under prefix.
// The prefix should be "/admin" (without trailing slash).
func (a *Admin) Handler(prefix string) http.Handler {
	mux := http.NewServeMux()

	// Auth routes
	mux.HandleFunc("POST /api/auth/login", a.handleAuthLogin)
	mux.HandleFunc("POST /api/auth/refresh", a.handleAuthRefresh)
	mux.HandleFunc("POST /api/auth/change-password", a.handleAuthChangePassword)
	mux.HandleFunc("GET /api/auth/status", a.handleAuthStatus)

	// Host
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("POST /api/save", a.handleSave)
	mux.HandleFunc("POST /api/archive", a.handleArchive)
	mux.HandleFunc("GET /api/archives", a.handleArchives)
	mux.HandleFunc("GET /api/config", a.handleGetConfig)
	mux.HandleFunc("PUT /api/config", a.handlePutConfig)

	// World and scripts
	mux.HandleFunc("GET /api/entities", a.handleListEntities)
	mux.HandleFunc("POST /api/entities", a.handleSpawn)
	mux.HandleFunc("GET /api/entities/{id}", a.handleGetEntity)
	mux.HandleFunc("DELETE /api/entities/{id}", a.handleDespawn)
	mux.HandleFunc("POST /api/send", a.handleSend)

	// Registry
	mux.HandleFunc("GET /api/registry", a.handleListRegistry)
	mux.HandleFunc("GET /api/registry/{name}", a.handleGetRegistry)
	mux.HandleFunc("PUT /api/registry/{name}", a.handlePutRegistry)
	mux.HandleFunc("DELETE /api/registry/{name}", a.handleDeleteRegistry)

	return http.StripPrefix(prefix, a.authMiddleware(mux))
}

// readJSON decodes a JSON request body of at most 1MB.
func readJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
