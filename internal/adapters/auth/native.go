// Package auth holds the credential checks behind POST /auth/login.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/domain"
)

// Native checks credentials against an external user API that answers
// POST <base>/token.
type Native struct {
	baseURL   string
	avatarURL string
	client    *http.Client
}

func NewNative(baseURL, avatarURL string, timeout time.Duration) *Native {
	return &Native{
		baseURL:   strings.TrimRight(baseURL, "/"),
		avatarURL: avatarURL,
		client:    &http.Client{Timeout: timeout},
	}
}

type nativeUser struct {
	ID     json.RawMessage `json:"id"`
	Name   string          `json:"name"`
	Email  string          `json:"email"`
	Avatar string          `json:"avatar"`
	Rooms  []struct {
		RoomID string `json:"roomId"`
	} `json:"Rooms"`
}

func (n *Native) Authenticate(ctx context.Context, username, password string) (domain.UserInfo, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return domain.UserInfo{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/token", bytes.NewReader(body))
	if err != nil {
		return domain.UserInfo{}, fmt.Errorf("native auth: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return domain.UserInfo{}, fmt.Errorf("native auth: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return domain.UserInfo{}, domain.ErrInvalidCredentials
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.UserInfo{}, fmt.Errorf("native auth: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out struct {
		User *nativeUser `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.UserInfo{}, fmt.Errorf("native auth: decode: %w", err)
	}
	if out.User == nil {
		return domain.UserInfo{}, domain.ErrInvalidCredentials
	}
	u := out.User
	// ids come as numbers or strings
	id := strings.Trim(string(u.ID), `"`)
	if id == "" || id == "null" {
		return domain.UserInfo{}, domain.ErrInvalidCredentials
	}
	info := domain.UserInfo{
		ID:          id,
		DisplayName: u.Name,
		Email:       u.Email,
	}
	if u.Avatar != "" && n.avatarURL != "" {
		info.Picture = strings.TrimRight(n.avatarURL, "/") + "/" + u.Avatar
	}
	for _, r := range u.Rooms {
		info.Rooms = append(info.Rooms, r.RoomID)
	}
	return info, nil
}
