// Package web exposes the ceremony endpoints and session routes over HTTP.
// Pages come from embedded templates; the verify endpoints speak JSON to the
// browser-side WebAuthn glue.
package web

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/yakshears/passgate/internal/ceremony"
	"github.com/yakshears/passgate/internal/directory"
	"github.com/yakshears/passgate/internal/gate"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Handlers serves the /auth/* routes.
type Handlers struct {
	engine    *ceremony.Engine
	dir       *directory.Directory
	templates *template.Template
}

func NewHandlers(engine *ceremony.Engine, dir *directory.Directory) (*Handlers, error) {
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse embedded templates: %w", err)
	}
	return &Handlers{
		engine:    engine,
		dir:       dir,
		templates: templates,
	}, nil
}

// Register mounts the auth routes on the mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/login", h.LoginPageHandler)
	mux.HandleFunc("POST /auth/login", h.LoginBeginHandler)
	mux.HandleFunc("POST /auth/verify_login", h.LoginVerifyHandler)
	mux.HandleFunc("GET /auth/register", h.RegisterPageHandler)
	mux.HandleFunc("POST /auth/register", h.RegisterBeginHandler)
	mux.HandleFunc("POST /auth/verify_register", h.RegisterVerifyHandler)
	mux.HandleFunc("GET /auth/logout", h.LogoutHandler)
	mux.HandleFunc("GET /auth/status", h.StatusHandler)
	mux.HandleFunc("GET /health", h.HealthHandler)
}

// LoginPageHandler shows the login form, or sends an already-authenticated
// caller home.
func (h *Handlers) LoginPageHandler(w http.ResponseWriter, r *http.Request) {
	if gate.Identity(r.Context()) != nil {
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}
	h.renderPage(w, "login.html", nil)
}

// LoginBeginHandler starts the authentication ceremony for the submitted
// username and renders the page that drives the authenticator.
func (h *Handlers) LoginBeginHandler(w http.ResponseWriter, r *http.Request) {
	if gate.Identity(r.Context()) != nil {
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}
	username := r.FormValue("username")
	if username == "" {
		h.renderError(w, "Username is required", gate.LoginPath)
		return
	}

	options, _, err := h.engine.BeginAuthentication(r.Context(), username)
	if err != nil {
		if errors.Is(err, directory.ErrUnknownUser) {
			h.renderError(w, "Invalid username", gate.LoginPath)
			return
		}
		slog.Error("Failed to begin authentication", "username", username, "error", err)
		h.renderError(w, "Login failed", gate.LoginPath)
		return
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		slog.Error("Failed to marshal authentication options", "error", err)
		h.renderError(w, "Login failed", gate.LoginPath)
		return
	}
	h.renderPage(w, "login_verify.html", map[string]any{
		"Username": username,
		"Options":  template.JS(optionsJSON),
	})
}

// LoginVerifyHandler completes the authentication ceremony and hands the
// caller a session cookie.
func (h *Handlers) LoginVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username   string          `json:"username"`
		Credential json.RawMessage `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Username == "" || len(req.Credential) == 0 {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	user, _, err := h.engine.FinishAuthentication(r.Context(), req.Username, req.Credential)
	if err != nil {
		slog.Warn("Authentication failed", "username", req.Username, "error", err)
		writeError(w, http.StatusBadRequest, ceremonyMessage(err))
		return
	}

	sessionID, err := h.dir.CreateSession(r.Context(), user.ID)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     gate.SessionCookie,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(h.dir.Sessions().TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, map[string]any{"success": true})
}

// RegisterPageHandler shows the registration form.
func (h *Handlers) RegisterPageHandler(w http.ResponseWriter, r *http.Request) {
	if gate.Identity(r.Context()) != nil {
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}
	h.renderPage(w, "register.html", nil)
}

// RegisterBeginHandler starts the registration ceremony: creates the user
// record and renders the page that drives the authenticator.
func (h *Handlers) RegisterBeginHandler(w http.ResponseWriter, r *http.Request) {
	if gate.Identity(r.Context()) != nil {
		http.Redirect(w, r, "/home", http.StatusSeeOther)
		return
	}
	username := r.FormValue("username")
	displayName := r.FormValue("display_name")
	if username == "" || displayName == "" {
		h.renderError(w, "Username and display name are required", "/auth/register")
		return
	}

	options, err := h.engine.BeginRegistration(r.Context(), username, displayName)
	if err != nil {
		if errors.Is(err, directory.ErrNameTaken) {
			h.renderError(w, "Username already taken", "/auth/register")
			return
		}
		slog.Error("Failed to begin registration", "username", username, "error", err)
		h.renderError(w, "Registration failed", "/auth/register")
		return
	}

	optionsJSON, err := json.Marshal(options)
	if err != nil {
		slog.Error("Failed to marshal registration options", "error", err)
		h.renderError(w, "Registration failed", "/auth/register")
		return
	}
	h.renderPage(w, "register_verify.html", map[string]any{
		"Username": username,
		"Options":  template.JS(optionsJSON),
	})
}

// RegisterVerifyHandler completes the registration ceremony, enrolling the
// new credential and handing the caller a session cookie.
func (h *Handlers) RegisterVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username   string          `json:"username"`
		Credential json.RawMessage `json:"credential"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Username == "" || len(req.Credential) == 0 {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	if _, err := h.engine.FinishRegistration(r.Context(), req.Username, req.Credential); err != nil {
		slog.Warn("Registration failed", "username", req.Username, "error", err)
		writeError(w, http.StatusBadRequest, ceremonyMessage(err))
		return
	}

	user := h.dir.UserByName(req.Username)
	if user == nil {
		writeError(w, http.StatusInternalServerError, "user not found after registration")
		return
	}
	sessionID, err := h.dir.CreateSession(r.Context(), user.ID)
	if err != nil {
		slog.Error("Failed to create session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     gate.SessionCookie,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(h.dir.Sessions().TTL().Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, map[string]any{"success": true})
}

// LogoutHandler revokes the session and clears the cookie. Revoking an
// unknown or missing token is fine; the caller ends up logged out either way.
func (h *Handlers) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(gate.SessionCookie); err == nil && cookie.Value != "" {
		if err := h.dir.DeleteSession(r.Context(), cookie.Value); err != nil {
			slog.Error("Failed to delete session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     gate.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.Redirect(w, r, "/home", http.StatusSeeOther)
}

// StatusHandler reports the caller's authentication state as JSON.
func (h *Handlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	user := gate.IdentityFromRequest(h.dir, r)
	if user == nil {
		writeJSON(w, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, map[string]any{
		"authenticated": true,
		"user": map[string]string{
			"id":           user.ID,
			"name":         user.Name,
			"display_name": user.DisplayName,
		},
	})
}

func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (h *Handlers) renderPage(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("Failed to render template", "template", name, "error", err)
	}
}

func (h *Handlers) renderError(w http.ResponseWriter, message, backURL string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	err := h.templates.ExecuteTemplate(w, "error.html", map[string]string{
		"Message": message,
		"BackURL": backURL,
	})
	if err != nil {
		slog.Error("Failed to render error page", "error", err)
	}
}

// ceremonyMessage maps the ceremony failure taxonomy to user-visible text.
func ceremonyMessage(err error) string {
	switch {
	case errors.Is(err, directory.ErrNameTaken):
		return "username already taken"
	case errors.Is(err, directory.ErrUnknownUser):
		return "user not found"
	case errors.Is(err, directory.ErrUnknownCredential):
		return "credential not recognized"
	case errors.Is(err, ceremony.ErrNoActiveChallenge):
		return "no ceremony in progress, start over"
	case errors.Is(err, ceremony.ErrVerificationFailed):
		return "verification failed"
	default:
		return "internal error"
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
