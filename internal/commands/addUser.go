package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"healthmate/internal/api"
	"healthmate/internal/models"
)

// AddUser creates an account through the admin API of a running server and
// prints the result to out.
func AddUser(out io.Writer, adminAddr string, req api.AddUserRequest) (models.User, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("http://%s/admin/users", adminAddr)
	resp, err := client.Post(url, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return models.User{}, fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		var apiErr models.APIResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return models.User{}, fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, apiErr.Message)
		}
		return models.User{}, fmt.Errorf("failed to add user (Status: %d)", resp.StatusCode)
	}

	var user models.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return models.User{}, fmt.Errorf("failed to decode response: %w", err)
	}

	_, _ = fmt.Fprintf(out, "\nUser Created Successfully!\n")
	_, _ = fmt.Fprintf(out, "ID:           %s\n", user.ID)
	_, _ = fmt.Fprintf(out, "Email:        %s\n", user.Email)
	_, _ = fmt.Fprintf(out, "Display name: %s\n\n", user.DisplayName)
	return user, nil
}
