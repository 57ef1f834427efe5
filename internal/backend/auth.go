package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashureev/vpsdeck/internal/domain"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// CheckAuth validates token and returns the identity it belongs to.
func (c *Client) CheckAuth(ctx context.Context, token string) (domain.Identity, error) {
	var id domain.Identity
	if err := c.do(ctx, http.MethodGet, "/auth/check", token, nil, &id); err != nil {
		return domain.Identity{}, err
	}
	return id, nil
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, email, password string) (domain.LoginResult, error) {
	var res domain.LoginResult
	err := c.do(ctx, http.MethodPost, "/auth/login", "", loginRequest{Email: email, Password: password}, &res)
	if err != nil {
		// Some backends answer bad credentials with 400.
		if IsStatus(err, http.StatusBadRequest) {
			return domain.LoginResult{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return domain.LoginResult{}, err
	}
	if strings.TrimSpace(res.Token) == "" {
		return domain.LoginResult{}, fmt.Errorf("login: %w: empty token", ErrMalformedResponse)
	}
	return res, nil
}

// ChangePassword changes the signed-in operator's password.
func (c *Client) ChangePassword(ctx context.Context, token, current, next string) error {
	if next == "" {
		return errors.New("new password is required")
	}
	return c.do(ctx, http.MethodPost, "/auth/change-password", token,
		changePasswordRequest{CurrentPassword: current, NewPassword: next}, nil)
}
