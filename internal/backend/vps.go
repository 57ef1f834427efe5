package backend

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ashureev/vpsdeck/internal/domain"
)

// ListVPS returns every VPS visible to the operator.
func (c *Client) ListVPS(ctx context.Context, token string) ([]domain.VPS, error) {
	var out []domain.VPS
	if err := c.do(ctx, http.MethodGet, "/vps", token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetVPS returns one VPS.
func (c *Client) GetVPS(ctx context.Context, token string, id int) (domain.VPS, error) {
	var out domain.VPS
	err := c.do(ctx, http.MethodGet, "/vps/"+strconv.Itoa(id), token, nil, &out)
	return out, err
}

// CreateVPS registers a VPS.
func (c *Client) CreateVPS(ctx context.Context, token string, in domain.VPSInput) error {
	return c.do(ctx, http.MethodPost, "/vps", token, in, nil)
}

// UpdateVPS replaces a VPS definition.
func (c *Client) UpdateVPS(ctx context.Context, token string, id int, in domain.VPSInput) error {
	return c.do(ctx, http.MethodPut, "/vps/"+strconv.Itoa(id), token, in, nil)
}

// DeleteVPS removes a VPS.
func (c *Client) DeleteVPS(ctx context.Context, token string, id int) error {
	return c.do(ctx, http.MethodDelete, "/vps/"+strconv.Itoa(id), token, nil, nil)
}

// CheckConnection asks the backend to probe SSH connectivity with in.
func (c *Client) CheckConnection(ctx context.Context, token string, in domain.VPSInput) (domain.ConnectionCheck, error) {
	var out domain.ConnectionCheck
	err := c.do(ctx, http.MethodPost, "/vps/check-connection", token, in, &out)
	return out, err
}

// SystemInfo returns resource usage for a VPS.
func (c *Client) SystemInfo(ctx context.Context, token string, id int) (domain.SystemInfo, error) {
	var out domain.SystemInfo
	err := c.do(ctx, http.MethodGet, "/vps/system-info/"+strconv.Itoa(id), token, nil, &out)
	return out, err
}
