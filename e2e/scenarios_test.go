//go:build e2e

package e2e

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os/exec"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"pairchat/internal/api"
	"pairchat/internal/models"
	"pairchat/internal/ws"
)

func TestE2EMainFlow(t *testing.T) {
	server := startServer(t)
	defer server.Stop(t)

	t.Log("Creating users via CLI...")
	alice := server.CreateUser(t, "alice@example.com", "Alice Smith")
	bob := server.CreateUser(t, "bob@example.com", "Bob Jones")

	aliceWS := server.Dial(t, alice)
	bobWS := server.Dial(t, bob)

	t.Log("Alice writes to Bob...")
	for i, text := range []string{"hi", "are you there?", "ping"} {
		aliceWS.Send(ws.ClientMessage{
			Type:      ws.ClientMessageTypeSend,
			RequestID: string(rune('a' + i)),
			PartnerID: bob.ID,
			Content:   text,
		})
		aliceWS.Expect(ws.ServerMessageTypeSent, nil)
	}

	bobWS.Expect(ws.ServerMessageTypeConversations, func(m ws.ServerMessage) bool {
		return len(m.Conversations) == 1 &&
			m.Conversations[0].Conversation.Unread == 3 &&
			m.Conversations[0].Partner.DisplayName == "Alice Smith"
	})

	t.Log("Restarting the server...")
	server.Stop(t)
	server.Start(t)
	server.Login(t, alice)
	server.Login(t, bob)

	var views []models.ConversationView
	require.Equal(t, http.StatusOK, server.Get(t, bob, "/api/conversations", &views))
	require.Len(t, views, 1)
	require.Equal(t, 3, views[0].Conversation.Unread)
	require.Equal(t, "ping", views[0].Conversation.LastMessagePreview)
	require.Equal(t, alice.ID, views[0].Conversation.LastMessageSenderID)
	require.False(t, views[0].Online)

	t.Log("Bob opens the conversation...")
	bobWS = server.Dial(t, bob)
	bobWS.Send(ws.ClientMessage{Type: ws.ClientMessageTypeOpen, PartnerID: alice.ID})
	msgs := bobWS.Expect(ws.ServerMessageTypeMessages, func(m ws.ServerMessage) bool {
		if len(m.Messages) != 3 {
			return false
		}
		for _, msg := range m.Messages {
			if !msg.Read {
				return false
			}
		}
		return true
	})
	require.Equal(t, "hi", msgs.Messages[0].Content)
	require.Equal(t, "ping", msgs.Messages[2].Content)

	require.Equal(t, http.StatusOK, server.Get(t, bob, "/api/conversations", &views))
	require.Equal(t, 0, views[0].Conversation.Unread)
}

const onePixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="

func TestE2EMediaUpload(t *testing.T) {
	server := startServer(t)
	defer server.Stop(t)

	alice := server.CreateUser(t, "alice@example.com", "Alice")
	bob := server.CreateUser(t, "bob@example.com", "Bob")
	carol := server.CreateUser(t, "carol@example.com", "Carol")

	png, err := base64.StdEncoding.DecodeString(onePixelPNG)
	require.NoError(t, err)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "pixel.png")
	require.NoError(t, err)
	_, err = part.Write(png)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req, err := http.NewRequest(http.MethodPost, server.BaseURL+"/api/conversations/"+bob.ID+"/media", &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("token", alice.Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var upload api.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&upload))
	require.NotNil(t, upload.Message.Media)
	require.Equal(t, models.MessageKindImage, upload.Message.Media.Kind)

	t.Log("Bob downloads the image...")
	req, err = http.NewRequest(http.MethodGet, server.BaseURL+upload.Message.Media.URL, nil)
	require.NoError(t, err)
	req.Header.Set("token", bob.Token)
	fileResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = fileResp.Body.Close() }()
	require.Equal(t, http.StatusOK, fileResp.StatusCode)
	require.Equal(t, "image/png", fileResp.Header.Get("Content-Type"))
	data, err := io.ReadAll(fileResp.Body)
	require.NoError(t, err)
	require.Equal(t, png, data)

	t.Log("Carol is not a participant...")
	req, err = http.NewRequest(http.MethodGet, server.BaseURL+upload.Message.Media.URL, nil)
	require.NoError(t, err)
	req.Header.Set("token", carol.Token)
	denied, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = denied.Body.Close()
	require.Equal(t, http.StatusForbidden, denied.StatusCode)

	var views []models.ConversationView
	require.Equal(t, http.StatusOK, server.Get(t, bob, "/api/conversations", &views))
	for _, v := range views {
		if v.Partner.ID == alice.ID {
			require.Equal(t, "Photo", v.Conversation.LastMessagePreview)
			require.Equal(t, 1, v.Conversation.Unread)
		}
	}
}

func TestE2EPushKey(t *testing.T) {
	output, err := exec.Command(serverBinPath, "-gen-vapid").CombinedOutput()
	require.NoError(t, err, string(output))

	public := regexp.MustCompile(`VAPID_PUBLIC_KEY=(\S+)`).FindStringSubmatch(string(output))
	private := regexp.MustCompile(`VAPID_PRIVATE_KEY=(\S+)`).FindStringSubmatch(string(output))
	require.Len(t, public, 2, string(output))
	require.Len(t, private, 2, string(output))

	server := startServer(t,
		"VAPID_PUBLIC_KEY="+public[1],
		"VAPID_PRIVATE_KEY="+private[1],
		"VAPID_SUBSCRIBER=admin@example.com",
	)
	defer server.Stop(t)

	alice := server.CreateUser(t, "alice@example.com", "Alice")

	var key struct {
		PublicKey string `json:"publicKey"`
	}
	require.Equal(t, http.StatusOK, server.Get(t, alice, "/api/push/key", &key))
	require.Equal(t, public[1], key.PublicKey)
}
