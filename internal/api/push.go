package api

import (
	"encoding/json"
	"net/http"

	"pairchat/internal/models"
)

// PushSubscriptionRequest is the JSON form of a browser PushSubscription.
type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		Auth   string `json:"auth"`
		P256dh string `json:"p256dh"`
	} `json:"keys"`
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if a.pushKey == "" {
		writeError(w, http.StatusNotFound, "Push notifications are not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.pushKey})
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	if a.pushKey == "" {
		writeError(w, http.StatusNotFound, "Push notifications are not configured")
		return
	}
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := a.push.Subscribe(r.Context(), models.PushSubscription{
		UserID:   userID(r),
		Endpoint: req.Endpoint,
		Auth:     req.Keys.Auth,
		P256dh:   req.Keys.P256dh,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}

func (a *API) PushUnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := a.push.Unsubscribe(r.Context(), userID(r), req.Endpoint); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true})
}
