package admin

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAdminPass = "luahost"
	adminPassFile    = "admin_pass.hash" // stored in data dir
	tokenIssuer      = "luahost"
	minPasswordLen   = 6
)

var errBadCredentials = errors.New("invalid credentials")

// Claims is the JWT payload of an operator token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authService checks the operator password and issues HS256 tokens.
type authService struct {
	mu      sync.RWMutex
	dataDir string
	envPass string // from LUAHOST_ADMIN_PASS (always wins)
	key     []byte
	expiry  time.Duration
}

func newAuthService(cfg Config) *authService {
	key := []byte(cfg.JWTSecret)
	if len(key) == 0 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	expiry := cfg.TokenExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &authService{
		dataDir: cfg.DataDir,
		envPass: os.Getenv("LUAHOST_ADMIN_PASS"),
		key:     key,
		expiry:  expiry,
	}
}

// checkPassword verifies a password.
// Priority: env var > stored hash file > default
func (as *authService) checkPassword(password string) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()

	if as.envPass != "" {
		return subtle.ConstantTimeCompare([]byte(password), []byte(as.envPass)) == 1
	}
	if as.dataDir != "" {
		if hash, err := os.ReadFile(filepath.Join(as.dataDir, adminPassFile)); err == nil {
			return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
		}
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(defaultAdminPass)) == 1
}

// changePassword stores a new bcrypt hash in the data directory.
func (as *authService) changePassword(newPassword string) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.envPass != "" {
		return fmt.Errorf("password is set by LUAHOST_ADMIN_PASS")
	}
	if as.dataDir == "" {
		return fmt.Errorf("no data directory to store the password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(as.dataDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(as.dataDir, adminPassFile), hash, 0600)
}

// isUsingDefault reports whether the password is still the built-in one.
func (as *authService) isUsingDefault() bool {
	as.mu.RLock()
	defer as.mu.RUnlock()

	if as.envPass != "" {
		return false
	}
	if as.dataDir != "" {
		if _, err := os.Stat(filepath.Join(as.dataDir, adminPassFile)); err == nil {
			return false
		}
	}
	return true
}

// login checks password and returns a signed token.
func (as *authService) login(password string) (string, error) {
	if !as.checkPassword(password) {
		return "", errBadCredentials
	}
	now := time.Now()
	return as.sign(Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(as.expiry)),
		},
	})
}

func (as *authService) sign(c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(as.key)
}

// validate parses and verifies a token string.
func (as *authService) validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return as.key, nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Role != "admin" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// refresh reissues a valid token with a fresh expiry.
func (as *authService) refresh(tokenStr string) (string, error) {
	claims, err := as.validate(tokenStr)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(as.expiry))
	return as.sign(*claims)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

// authMiddleware requires a valid bearer token on every route except login.
func (a *Admin) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login", "/api/auth/status":
			next.ServeHTTP(w, r)
			return
		}
		if _, err := a.auth.validate(bearerToken(r)); err != nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleAuthLogin handles POST /api/auth/login
func (a *Admin) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	token, err := a.auth.login(req.Password)
	if err != nil {
		log.Printf("admin: failed login attempt from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}
	log.Printf("admin: successful login from %s", r.RemoteAddr)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"token":            token,
		"expires_in":       int(a.auth.expiry.Seconds()),
		"default_password": a.auth.isUsingDefault(),
	})
}

// handleAuthRefresh handles POST /api/auth/refresh
func (a *Admin) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	token, err := a.auth.refresh(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(a.auth.expiry.Seconds()),
	})
}

// handleAuthChangePassword handles POST /api/auth/change-password
func (a *Admin) handleAuthChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Current string `json:"current"`
		New     string `json:"new"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if !a.auth.checkPassword(req.Current) {
		writeError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}
	if len(req.New) < minPasswordLen {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("new password must be at least %d characters", minPasswordLen))
		return
	}
	if err := a.auth.changePassword(req.New); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save password: "+err.Error())
		return
	}

	log.Printf("admin: password changed from %s", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"status": "changed"})
}

// handleAuthStatus handles GET /api/auth/status
func (a *Admin) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	_, err := a.auth.validate(bearerToken(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated":    err == nil,
		"default_password": a.auth.isUsingDefault(),
	})
}
