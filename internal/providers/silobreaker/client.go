// File: internal/providers/silobreaker/client.go
package silobreaker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/internal/config"
	"github.com/xkilldash9x/ctibridge/internal/mapper"
	"github.com/xkilldash9x/ctibridge/internal/network"
	"github.com/xkilldash9x/ctibridge/internal/observability"
)

const (
	listPrefix          = "15_"
	searchExtras        = "documentTeasers,documentXml,DocumentFullText"
	maxEntitiesPerDoc   = 200
	defaultSearchPageSz = 100
)

// Client talks to the Silobreaker REST API. Every request is signed with the
// account's API key and shared secret.
type Client struct {
	baseURL  string
	pageSize int
	req      *network.Requester
	log      *zap.Logger
}

// NewClient creates a signed client on top of doer.
func NewClient(cfg config.SilobreakerConfig, nc config.NetworkConfig, doer network.HTTPDoer, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultSearchPageSz
	}
	signer := network.HMACSigner{APIKey: cfg.APIKey, Secret: cfg.APIShared}
	return &Client{
		baseURL:  strings.TrimRight(cfg.APIURL, "/"),
		pageSize: pageSize,
		req:      network.NewRequester(doer, network.RequesterConfigFor("silobreaker", nc, signer, logger, metrics)),
		log:      logger.Named("silobreaker.client"),
	}
}

// PageSize is the number of documents requested per search page.
func (c *Client) PageSize() int { return c.pageSize }

// ListExpression resolves the search expression stored on a list. An empty
// expression with a nil error means the list exists but is unusable.
func (c *Client) ListExpression(ctx context.Context, listID string) (string, error) {
	var rec ListRecord
	if err := c.req.GetJSON(ctx, c.baseURL+"/v2/lists/"+listPrefix+listID, &rec); err != nil {
		return "", fmt.Errorf("failed to resolve list %s: %w", listID, err)
	}
	return rec.Description, nil
}

// SearchURL builds the document search URL for one page. Page 0 omits the
// page number.
func (c *Client) SearchURL(expression string, deltaDays, page int) string {
	query := `list:"` + expression + `" fromdate:-` + strconv.Itoa(deltaDays)
	types := make([]string, len(mapper.EntityTypes))
	for i, t := range mapper.EntityTypes {
		types[i] = string(t)
	}

	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/v2/documents/search?query=")
	b.WriteString(quote(query))
	b.WriteString("&extras=")
	b.WriteString(url.QueryEscape(searchExtras))
	if page > 0 {
		b.WriteString("&pageNumber=")
		b.WriteString(strconv.Itoa(page))
	}
	b.WriteString("&pagesize=")
	b.WriteString(strconv.Itoa(c.pageSize))
	b.WriteString("&sortDirection=asc&includeEntities=True&maxNoEntities=")
	b.WriteString(strconv.Itoa(maxEntitiesPerDoc))
	b.WriteString("&entityTypes=")
	b.WriteString(url.QueryEscape(strings.Join(types, ",")))
	return b.String()
}

// Search fetches one page of documents matching a list expression published
// within the last deltaDays days.
func (c *Client) Search(ctx context.Context, expression string, deltaDays, page int) (SearchResult, error) {
	var res SearchResult
	if err := c.req.GetJSON(ctx, c.SearchURL(expression, deltaDays, page), &res); err != nil {
		return SearchResult{}, err
	}
	return res, nil
}

// Score implements mapper.Scorer via the enrichment endpoint. When several
// modules report a risk score, the last one wins.
func (c *Client) Score(ctx context.Context, entityType mapper.EntityType, value string) (int, error) {
	endpoint := fmt.Sprintf("%s/v2/enrichments?type=%s&description=%s",
		c.baseURL, url.QueryEscape(string(entityType)), quote(value))

	var resp enrichmentResponse
	if err := c.req.GetJSON(ctx, endpoint, &resp); err != nil {
		return 0, err
	}
	score, found := 0, false
	for _, m := range resp.Modules {
		if m.Risk != nil && m.Risk.RiskScore != nil {
			score, found = int(*m.Risk.RiskScore), true
		}
	}
	if !found {
		return 0, mapper.ErrNoScore
	}
	return score, nil
}

// Download implements bundle.Downloader. Download URLs are signed like every
// other call.
func (c *Client) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	resp, err := c.req.Do(ctx, network.Request{Method: http.MethodGet, URL: downloadURL})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// quote percent-encodes a query value with spaces as %20.
func quote(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}
