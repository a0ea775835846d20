//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"pairchat/internal/auth"
	"pairchat/internal/ws"
)

const authSecret = "test-secret-key-must-be-long-enough-for-base64-if-needed"

type TestServer struct {
	APIAddr   string
	AdminAddr string
	BaseURL   string
	Dir       string
	Env       []string
	Cmd       *exec.Cmd
}

type TestUser struct {
	Email    string
	ID       string
	Password string
	Token    string
}

func getFreePort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	require.NoError(t, err)

	l, err := net.ListenTCP("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port
}

// startServer runs the binary on fresh ports with its database and
// uploads under a temporary directory. extraEnv is appended last.
func startServer(t *testing.T, extraEnv ...string) *TestServer {
	apiAddr := fmt.Sprintf("localhost:%d", getFreePort(t))
	adminAddr := fmt.Sprintf("localhost:%d", getFreePort(t))
	dir := t.TempDir()

	s := &TestServer{
		APIAddr:   apiAddr,
		AdminAddr: adminAddr,
		BaseURL:   fmt.Sprintf("http://%s", apiAddr),
		Dir:       dir,
	}
	s.Env = append(os.Environ(),
		"AUTH_SECRET="+authSecret,
		"PAIRCHAT_CONFIG=",
		fmt.Sprintf("API_ADDR=%s", apiAddr),
		fmt.Sprintf("ADMIN_ADDR=%s", adminAddr),
		fmt.Sprintf("BASE_URL=%s", s.BaseURL),
		fmt.Sprintf("PAIRCHAT_DB=%s", filepath.Join(dir, "pairchat.db")),
		fmt.Sprintf("UPLOADS_PATH=%s", filepath.Join(dir, "uploads")),
	)
	s.Env = append(s.Env, extraEnv...)
	s.Start(t)
	return s
}

func (s *TestServer) Start(t *testing.T) {
	cmd := exec.Command(serverBinPath)
	cmd.Env = s.Env
	require.NoError(t, cmd.Start())
	s.Cmd = cmd

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", s.APIAddr, 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		return false
	}, 5*time.Second, 200*time.Millisecond, "Server failed to start")
}

// Stop sends SIGTERM and waits for a clean exit.
func (s *TestServer) Stop(t *testing.T) {
	if s.Cmd == nil || s.Cmd.Process == nil {
		return
	}
	require.NoError(t, s.Cmd.Process.Signal(syscall.SIGTERM))

	done := make(chan error, 1)
	go func() { done <- s.Cmd.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err, "server exited with an error")
	case <-time.After(10 * time.Second):
		_ = s.Cmd.Process.Kill()
		t.Fatal("server did not shut down")
	}
	s.Cmd = nil
}

var (
	userIDPattern   = regexp.MustCompile(`User ID:\s+(\S+)`)
	passwordPattern = regexp.MustCompile(`Password:\s+(\S+)`)
)

// CreateUser runs the -add-user command against the admin API and signs
// the new user in.
func (s *TestServer) CreateUser(t *testing.T, email, displayName string) *TestUser {
	cmd := exec.Command(serverBinPath, "-add-user", email, "-display-name", displayName)
	cmd.Env = s.Env

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "Failed to create user via CLI: %s", string(output))

	id := userIDPattern.FindStringSubmatch(string(output))
	require.Len(t, id, 2, "Could not find user id in output: %s", string(output))
	password := passwordPattern.FindStringSubmatch(string(output))
	require.Len(t, password, 2, "Could not find password in output: %s", string(output))

	u := &TestUser{Email: email, ID: id[1], Password: password[1]}
	s.Login(t, u)
	return u
}

func (s *TestServer) Login(t *testing.T, u *TestUser) {
	body, _ := json.Marshal(auth.LoginRequest{Email: u.Email, Password: u.Password})
	req, err := http.NewRequest(http.MethodPost, s.BaseURL+"/api/login", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp auth.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	u.Token = loginResp.Token
}

func (s *TestServer) Get(t *testing.T, u *TestUser, path string, out any) int {
	req, err := http.NewRequest(http.MethodGet, s.BaseURL+path, nil)
	require.NoError(t, err)
	req.Header.Set("token", u.Token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *TestServer) Dial(t *testing.T, u *TestUser) *client {
	header := http.Header{}
	header.Set("token", u.Token)
	conn, resp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/chat", s.APIAddr), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) Send(msg ws.ClientMessage) {
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

// Expect reads server messages until one of type typ satisfies match.
func (c *client) Expect(typ ws.ServerMessageType, match func(ws.ServerMessage) bool) ws.ServerMessage {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg ws.ServerMessage
		require.NoError(c.t, c.conn.ReadJSON(&msg))
		if msg.Type == typ && (match == nil || match(msg)) {
			return msg
		}
	}
}
