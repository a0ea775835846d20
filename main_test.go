package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"pairchat/internal/api"
	"pairchat/internal/auth"
	"pairchat/internal/models"
	"pairchat/internal/ws"
)

func TestIntegration(t *testing.T) {
	dir := t.TempDir()
	adminAddr := "127.0.0.1:8888"
	apiAddr := "127.0.0.1:8887"

	t.Setenv("PAIRCHAT_DB", filepath.Join(dir, "integration_test.db"))
	t.Setenv("UPLOADS_PATH", filepath.Join(dir, "uploads"))
	t.Setenv("ADMIN_ADDR", adminAddr)
	t.Setenv("API_ADDR", apiAddr)
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")
	t.Setenv("PAIRCHAT_CONFIG", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, nil) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down")
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/metrics", adminAddr), 50)

	// Step 1: Create users via Admin API
	alice := createUser(t, adminAddr, "alice@example.com", "Alice")
	bob := createUser(t, adminAddr, "bob@example.com", "Bob")

	// Duplicate email is a conflict
	reqBody, _ := json.Marshal(api.AddUserRequest{Email: "alice@example.com"})
	resp, err := http.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	// Step 2: Login
	aliceToken := login(t, apiAddr, alice)
	bobToken := login(t, apiAddr, bob)

	// Step 3: Profile is created on first sign-in
	var me models.User
	getJSON(t, fmt.Sprintf("http://%s/api/me", apiAddr), aliceToken, &me)
	require.Equal(t, alice.UserID, me.ID)
	require.Equal(t, "Alice", me.DisplayName)

	// Step 4: Chat over websockets
	aliceWS := dial(t, apiAddr, aliceToken)
	bobWS := dial(t, apiAddr, bobToken)

	expect(t, bobWS, ws.ServerMessageTypeConversations, func(m ws.ServerMessage) bool {
		return len(m.Conversations) == 1 && m.Conversations[0].Partner.ID == alice.UserID
	})

	require.NoError(t, aliceWS.WriteJSON(ws.ClientMessage{Type: ws.ClientMessageTypeOpen, PartnerID: bob.UserID}))
	require.NoError(t, aliceWS.WriteJSON(ws.ClientMessage{
		Type:      ws.ClientMessageTypeSend,
		RequestID: "r1",
		PartnerID: bob.UserID,
		Content:   "hello **bob**",
	}))

	sent := expect(t, aliceWS, ws.ServerMessageTypeSent, func(m ws.ServerMessage) bool {
		return m.RequestID == "r1"
	})
	require.NotNil(t, sent.Message)
	require.Equal(t, "hello **bob**", sent.Message.Content)
	require.Contains(t, sent.Message.HTML, "<strong>bob</strong>")

	expect(t, bobWS, ws.ServerMessageTypeConversations, func(m ws.ServerMessage) bool {
		for _, v := range m.Conversations {
			if v.Partner.ID == alice.UserID && v.Conversation.Unread == 1 {
				return true
			}
		}
		return false
	})

	// Step 5: Bob reads the conversation
	require.NoError(t, bobWS.WriteJSON(ws.ClientMessage{Type: ws.ClientMessageTypeOpen, PartnerID: alice.UserID}))
	expect(t, bobWS, ws.ServerMessageTypeMessages, func(m ws.ServerMessage) bool {
		return len(m.Messages) == 1 && m.Messages[0].Read
	})

	var views []models.ConversationView
	require.Eventually(t, func() bool {
		getJSON(t, fmt.Sprintf("http://%s/api/conversations", apiAddr), bobToken, &views)
		return len(views) == 1 && views[0].Conversation.Unread == 0 && views[0].Online
	}, 5*time.Second, 50*time.Millisecond)

	// Step 6: Metrics are exported on the admin server
	resp, err = http.Get(fmt.Sprintf("http://%s/metrics", adminAddr))
	require.NoError(t, err)
	metricsBody, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(metricsBody), `pairchat_messages_appended_total{kind="text"} 1`)

	// Step 7: Logoff revokes the token
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/api/logoff", apiAddr), nil)
	req.Header.Set("token", aliceToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/me", apiAddr), nil)
	req.Header.Set("token", aliceToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

type account struct {
	api.AddUserResponse
}

func createUser(t *testing.T, adminAddr, email, name string) account {
	t.Helper()
	reqBody, _ := json.Marshal(api.AddUserRequest{Email: email, DisplayName: name})
	resp, err := http.Post(fmt.Sprintf("http://%s/admin/users", adminAddr), "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out account
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out.AddUserResponse))
	require.True(t, out.Success)
	require.NotEmpty(t, out.UserID)
	require.NotEmpty(t, out.Password)
	return out
}

func login(t *testing.T, apiAddr string, a account) string {
	t.Helper()
	body, _ := json.Marshal(auth.LoginRequest{Email: a.Email, Password: a.Password})
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/api/login", apiAddr), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "http://"+apiAddr)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.True(t, loginResp.Success)
	require.NotEmpty(t, loginResp.Token)
	return loginResp.Token
}

func getJSON(t *testing.T, url, token string, out any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func dial(t *testing.T, apiAddr, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("token", token)
	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/chat", apiAddr), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// expect reads server messages until one of type typ satisfies match.
func expect(t *testing.T, conn *websocket.Conn, typ ws.ServerMessageType, match func(ws.ServerMessage) bool) ws.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg ws.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == typ && match(msg) {
			return msg
		}
	}
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
