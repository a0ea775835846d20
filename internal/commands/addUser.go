package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pairchat/internal/api"
	"pairchat/internal/config"
	"pairchat/internal/push"
)

// AddUser creates an account through the admin API of a running server
// and prints its one-time password.
func AddUser(email, displayName string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Email: email, DisplayName: displayName})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Email:    %s\n", result.Email)
	fmt.Printf("User ID:  %s\n", result.UserID)
	fmt.Printf("Password: %s\n\n", result.Password)
	fmt.Printf("Share the password with the user. They sign in at %s.\n", strings.TrimSuffix(cfg.BaseURL, "/"))
	fmt.Println("The password cannot be shown again.")
	return nil
}

// GenerateVAPIDKeys prints a key pair for web push configuration.
func GenerateVAPIDKeys() error {
	privateKey, publicKey, err := push.GenerateKeys()
	if err != nil {
		return fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	fmt.Printf("VAPID_PUBLIC_KEY=%s\n", publicKey)
	fmt.Printf("VAPID_PRIVATE_KEY=%s\n", privateKey)
	return nil
}
