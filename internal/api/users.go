package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"pairchat/internal/content"
	"pairchat/internal/models"
	"pairchat/internal/ranker"
	"pairchat/internal/users"
)

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.users.Get(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type ProfileRequest struct {
	DisplayName *string `json:"displayName,omitempty"`
	PhotoURL    *string `json:"photoUrl,omitempty"`
}

func (a *API) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, err := a.users.UpdateProfile(r.Context(), userID(r), users.ProfileUpdate{
		DisplayName: req.DisplayName,
		PhotoURL:    req.PhotoURL,
	})
	if errors.Is(err, content.ErrInvalidDisplayName) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	list, err := a.users.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ConversationsHandler returns the caller's ranked conversation list as
// of now. The websocket keeps the same list live.
func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	self := userID(r)

	conversations, err := a.ledger.ForUser(ctx, self)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	list, err := a.users.List(ctx)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	online := make(map[string]bool, len(list))
	for _, u := range list {
		if u.ID == self {
			continue
		}
		p, err := a.presence.Get(ctx, u.ID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		online[u.ID] = p.Online()
	}

	views := ranker.BuildViews(self, list, conversations, online)
	ranked := ranker.Rank(views, self, r.URL.Query().Get("selected"), false)
	if ranked == nil {
		ranked = []models.ConversationView{}
	}
	writeJSON(w, http.StatusOK, ranked)
}
