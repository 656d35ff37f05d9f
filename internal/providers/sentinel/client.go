// File: internal/providers/sentinel/client.go
package sentinel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/config"
	"github.com/xkilldash9x/ctibridge/internal/mapper"
	"github.com/xkilldash9x/ctibridge/internal/network"
	"github.com/xkilldash9x/ctibridge/internal/observability"
)

// ConnectorName names the stream connector in logs and metrics.
const ConnectorName = "Sentinel"

// maxListPages bounds a listing whose server keeps returning next links.
const maxListPages = 10000

type indicatorList struct {
	Value    []schemas.RemoteIndicatorRecord `json:"value"`
	NextLink string                          `json:"@odata.nextLink"`
}

// Client manages threat intelligence indicators through the Graph security API.
// It implements schemas.RemoteIndicatorAPI.
type Client struct {
	resource string
	req      *network.Requester
	opts     mapper.IndicatorOptions
	log      *zap.Logger
}

var _ schemas.RemoteIndicatorAPI = (*Client)(nil)

// NewClient creates a client authenticating with the client-credentials grant
// of the configured tenant. Tokens are refreshed once the configured fraction
// of their lifetime has passed.
func NewClient(cfg config.SentinelConfig, nc config.NetworkConfig, httpClient *http.Client, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	creds := network.NewClientCredentials(network.ClientCredentialsConfig{
		TokenURL:     cfg.TokenURL(),
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        cfg.Scope,
	}, httpClient, logger)
	tokens := network.NewTokenSource(creds, network.WithRefreshMargin(cfg.RefreshMargin))

	return &Client{
		resource: cfg.ResourceURL(),
		req:      network.NewRequester(httpClient, network.RequesterConfigFor("sentinel", nc, tokens, logger, metrics)),
		opts: mapper.IndicatorOptions{
			TargetProduct: cfg.TargetProduct,
			Action:        cfg.Action,
			TLPLevel:      cfg.TLPLevel,
			PassiveOnly:   cfg.PassiveOnly,
			ExpireDays:    cfg.ExpireTime,
		},
		log: logger.Named("sentinel.client"),
	}
}

// Search implements schemas.RemoteIndicatorAPI.
func (c *Client) Search(ctx context.Context, externalID string) ([]schemas.RemoteIndicatorRecord, error) {
	filter := "externalId eq '" + strings.ReplaceAll(externalID, "'", "''") + "'"
	return c.collect(ctx, c.resource+"?"+url.Values{"$filter": {filter}}.Encode())
}

// List implements schemas.RemoteIndicatorAPI. Every page is read; a partial
// listing is never returned.
func (c *Client) List(ctx context.Context) ([]schemas.RemoteIndicatorRecord, error) {
	return c.collect(ctx, c.resource)
}

// collect reads a collection starting at first and following next links.
func (c *Client) collect(ctx context.Context, first string) ([]schemas.RemoteIndicatorRecord, error) {
	var out []schemas.RemoteIndicatorRecord
	seen := make(map[string]bool)
	for next, page := first, 0; next != ""; page++ {
		if page >= maxListPages || seen[next] {
			return nil, fmt.Errorf("indicator listing did not terminate after %d pages", page)
		}
		seen[next] = true

		var list indicatorList
		if err := c.req.GetJSON(ctx, next, &list); err != nil {
			return nil, err
		}
		out = append(out, list.Value...)
		next = list.NextLink
		if next != "" {
			c.log.Debug("Following next link", zap.Int("page", page+1), zap.Int("records", len(out)))
		}
	}
	return out, nil
}

// Create implements schemas.RemoteIndicatorAPI. Observables the product cannot
// represent return schemas.ErrUnsupportedObservable without a request.
func (c *Client) Create(ctx context.Context, obs schemas.Observable) (*schemas.RemoteIndicatorRecord, error) {
	body, err := mapper.BuildIndicatorRequest(obs, c.opts)
	if err != nil {
		return nil, err
	}
	var rec schemas.RemoteIndicatorRecord
	if err := c.req.JSON(ctx, http.MethodPost, c.resource, body, &rec); err != nil {
		return nil, err
	}
	c.log.Debug("Indicator created", zap.String("external_id", body.ExternalID), zap.String("remote_id", rec.RemoteID))
	return &rec, nil
}

// Update implements schemas.RemoteIndicatorAPI.
func (c *Client) Update(ctx context.Context, remoteID string, obs schemas.Observable) error {
	body, err := mapper.BuildIndicatorRequest(obs, c.opts)
	if err != nil {
		return err
	}
	return c.req.JSON(ctx, http.MethodPatch, c.recordURL(remoteID), body, nil)
}

// Delete implements schemas.RemoteIndicatorAPI. A record that is already gone
// counts as deleted.
func (c *Client) Delete(ctx context.Context, remoteID string) error {
	_, err := c.req.Do(ctx, network.Request{Method: http.MethodDelete, URL: c.recordURL(remoteID)})
	if network.IsNotFound(err) {
		c.log.Info("Indicator already deleted", zap.String("remote_id", remoteID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete indicator %s: %w", remoteID, err)
	}
	return nil
}

func (c *Client) recordURL(remoteID string) string {
	return c.resource + "/" + url.PathEscape(remoteID)
}
