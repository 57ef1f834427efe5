package backend

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ashureev/vpsdeck/internal/domain"
)

// ListModels returns the deployable AI models.
func (c *Client) ListModels(ctx context.Context, token string) ([]domain.AIModel, error) {
	var out []domain.AIModel
	if err := c.do(ctx, http.MethodGet, "/aimodel", token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAdminModels returns model definitions for administration.
func (c *Client) ListAdminModels(ctx context.Context, token string) ([]domain.AIModel, error) {
	var out []domain.AIModel
	if err := c.do(ctx, http.MethodGet, "/adminmodels", token, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAdminModel returns one model definition.
func (c *Client) GetAdminModel(ctx context.Context, token string, id int) (domain.AIModel, error) {
	var out domain.AIModel
	err := c.do(ctx, http.MethodGet, "/adminmodels/"+strconv.Itoa(id), token, nil, &out)
	return out, err
}

// CreateAdminModel adds a model definition.
func (c *Client) CreateAdminModel(ctx context.Context, token string, m domain.AIModel) error {
	return c.do(ctx, http.MethodPost, "/adminmodels", token, m, nil)
}

// UpdateAdminModel replaces a model definition.
func (c *Client) UpdateAdminModel(ctx context.Context, token string, id int, m domain.AIModel) error {
	return c.do(ctx, http.MethodPut, "/adminmodels/"+strconv.Itoa(id), token, m, nil)
}

// DeployModel starts a model deployment. Log lines are pushed to the hub
// connection named by req.ConnectionID.
func (c *Client) DeployModel(ctx context.Context, token string, req domain.DeployRequest) error {
	return c.do(ctx, http.MethodPost, "/modeldeploy/deploy", token, req, nil)
}
