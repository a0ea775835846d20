package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"pairchat/internal/auth"
	"pairchat/internal/chat"
	"pairchat/internal/filestore"
	"pairchat/internal/ledger"
	"pairchat/internal/media"
	"pairchat/internal/models"
	"pairchat/internal/presence"
	"pairchat/internal/push"
	"pairchat/internal/storage"
	"pairchat/internal/users"
	"pairchat/internal/ws"
)

type FileMetadataReader interface {
	GetFileMetadata(ctx context.Context, id string) (storage.FileMetadata, error)
}

type Config struct {
	Auth     *auth.AuthService
	Users    *users.Directory
	Ledger   *ledger.Ledger
	Presence *presence.Tracker
	Chat     *chat.Channel
	Media    *media.Ingest
	Files    filestore.FileStore
	Metadata FileMetadataReader
	Push     *push.Notifier
	PushKey  string
	Hub      *ws.Hub
}

type API struct {
	auth     *auth.AuthService
	users    *users.Directory
	ledger   *ledger.Ledger
	presence *presence.Tracker
	chat     *chat.Channel
	media    *media.Ingest
	files    filestore.FileStore
	metadata FileMetadataReader
	push     *push.Notifier
	pushKey  string
	hub      *ws.Hub
}

func New(cfg Config) *API {
	return &API{
		auth:     cfg.Auth,
		users:    cfg.Users,
		ledger:   cfg.Ledger,
		presence: cfg.Presence,
		chat:     cfg.Chat,
		media:    cfg.Media,
		files:    cfg.Files,
		metadata: cfg.Metadata,
		push:     cfg.Push,
		pushKey:  cfg.PushKey,
		hub:      cfg.Hub,
	}
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, APIResponse{Success: false, Message: message})
}

// writeServiceError maps service errors to status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, models.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "Permission denied")
	case errors.Is(err, models.ErrInvalidParticipants), errors.Is(err, models.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

type userIDKey struct{}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

func getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

// RequireAuth rejects requests without a valid token and passes the
// caller's user id down in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := a.auth.GetUserID(getToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, id)))
	}
}

// RequireSameOrigin rejects browser requests sent from another origin.
// Requests without an Origin header are not from a browser form and pass.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || u.Host != r.Host {
				writeError(w, http.StatusForbidden, "Cross-origin request rejected")
				return
			}
		}
		next(w, r)
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "Failed to parse form")
			return
		}
		req.Email = r.FormValue("email")
		req.Password = r.FormValue("password")
	}

	loginResp, identity := a.auth.Login(r.Context(), req)
	if !loginResp.Success {
		writeJSON(w, http.StatusUnauthorized, loginResp)
		return
	}

	if _, err := a.users.EnsureProfile(r.Context(), identity); err != nil {
		slog.Error("failed to ensure profile", "user_id", identity.UserID, "error", err)
		_ = a.auth.Logoff(r.Context(), loginResp.Token)
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})
	writeJSON(w, http.StatusOK, loginResp)
}

// LogoffHandler revokes the token and signs off the caller's open
// connections, which flips presence offline immediately.
func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	token := getToken(r)
	if token != "" {
		if id, err := a.auth.GetUserID(token); err == nil {
			a.hub.SignOff(r.Context(), id)
		}
		if err := a.auth.Logoff(r.Context(), token); err != nil {
			slog.Warn("failed to revoke token", "error", err)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusOK)
}
