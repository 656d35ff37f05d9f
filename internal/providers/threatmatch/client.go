// File: internal/providers/threatmatch/client.go
package threatmatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/ctibridge/api/schemas"
	"github.com/xkilldash9x/ctibridge/internal/config"
	"github.com/xkilldash9x/ctibridge/internal/network"
	"github.com/xkilldash9x/ctibridge/internal/observability"
	"github.com/xkilldash9x/ctibridge/internal/syncer"
)

// Collections that can be listed with ListAll.
const (
	CollectionProfiles = "profiles"
	CollectionAlerts   = "alerts"
)

// compactListRequest is the body sent with collection listings.
type compactListRequest struct {
	Mode      string `json:"mode"`
	DateSince string `json:"date_since"`
}

// Listing is the result of a collection listing. The provider returns either
// ready STIX objects or the ids of items to fetch one by one.
type Listing struct {
	Objects []schemas.STIXObject
	IDs     []string
}

// Empty reports whether the listing carries nothing.
func (l Listing) Empty() bool { return len(l.Objects) == 0 && len(l.IDs) == 0 }

type taxiiPage struct {
	Objects []schemas.STIXObject `json:"objects"`
	More    bool                 `json:"more"`
}

// Client talks to the ThreatMatch developer platform with a bearer token
// obtained from the client credentials.
type Client struct {
	baseURL string
	req     *network.Requester
	tokens  *network.TokenSource
	log     *zap.Logger
}

// NewClient creates a client on top of doer. The token endpoint is called
// lazily on first use, again once the token nears its advertised expiry, and
// again after a 401.
func NewClient(cfg config.ThreatMatchConfig, nc config.NetworkConfig, doer network.HTTPDoer, logger *zap.Logger, metrics *observability.Metrics) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.URL, "/")

	// The token endpoint is unauthenticated and never retried on 401.
	tokenReq := network.NewRequester(doer, network.RequesterConfigFor("threatmatch-token", nc, nil, logger, metrics))
	fetch := network.TokenFetcherFunc(func(ctx context.Context) (network.Token, error) {
		var resp struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int64  `json:"expires_in"`
		}
		body := map[string]string{"client_id": cfg.ClientID, "client_secret": cfg.ClientSecret}
		if err := tokenReq.JSON(ctx, http.MethodPost, base+"/api/developers-platform/token", body, &resp); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return network.Token{}, err
			}
			return network.Token{}, fmt.Errorf("%w: threatmatch token request: %v", network.ErrAuthentication, err)
		}
		return network.Token{AccessToken: resp.AccessToken, ExpiresIn: time.Duration(resp.ExpiresIn) * time.Second}, nil
	})
	tokens := network.NewTokenSource(fetch)

	return &Client{
		baseURL: base,
		req:     network.NewRequester(doer, network.RequesterConfigFor("threatmatch", nc, tokens, logger, metrics)),
		tokens:  tokens,
		log:     logger.Named("threatmatch.client"),
	}
}

// call runs fn and, when the platform rejects the cached token, runs it once
// more with a freshly issued one.
func (c *Client) call(fn func() error) error {
	err := fn()
	if network.StatusCode(err) != http.StatusUnauthorized {
		return err
	}
	c.log.Info("Access token rejected, retrying with a new one")
	c.tokens.Invalidate()
	return fn()
}

// ListAll lists a collection updated since dateSince ("YYYY-MM-DD HH:MM").
func (c *Client) ListAll(ctx context.Context, collection, dateSince string) (Listing, error) {
	var resp struct {
		List []json.RawMessage `json:"list"`
	}
	body := compactListRequest{Mode: "compact", DateSince: dateSince}
	err := c.call(func() error {
		return c.req.JSON(ctx, http.MethodGet, c.baseURL+"/api/"+collection+"/all", body, &resp)
	})
	if err != nil {
		return Listing{}, err
	}
	return parseListing(resp.List)
}

// parseListing splits a raw list by the shape of its first element.
func parseListing(raw []json.RawMessage) (Listing, error) {
	var l Listing
	if len(raw) == 0 {
		return l, nil
	}
	if first := bytes.TrimSpace(raw[0]); len(first) > 0 && first[0] == '{' {
		l.Objects = make([]schemas.STIXObject, 0, len(raw))
		for _, r := range raw {
			var obj schemas.STIXObject
			if err := json.Unmarshal(r, &obj); err != nil {
				return Listing{}, fmt.Errorf("malformed listing object: %w", err)
			}
			l.Objects = append(l.Objects, obj)
		}
		return l, nil
	}

	l.IDs = make([]string, 0, len(raw))
	for _, r := range raw {
		id, err := idString(r)
		if err != nil {
			return Listing{}, fmt.Errorf("malformed listing id: %w", err)
		}
		l.IDs = append(l.IDs, id)
	}
	return l, nil
}

// idString accepts ids sent either as JSON numbers or strings.
func idString(raw json.RawMessage) (string, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%s is neither a number nor a string", string(raw))
	}
	return s, nil
}

// Item fetches the STIX objects of one collection item.
func (c *Client) Item(ctx context.Context, collection, id string) ([]schemas.STIXObject, error) {
	var resp struct {
		Objects []schemas.STIXObject `json:"objects"`
	}
	endpoint := c.baseURL + "/api/stix/" + collection + "/" + url.PathEscape(id)
	if err := c.call(func() error { return c.req.GetJSON(ctx, endpoint, &resp) }); err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

// GroupID returns the id of the first TAXII group, the one holding every result.
func (c *Client) GroupID(ctx context.Context) (string, error) {
	var groups []struct {
		ID json.RawMessage `json:"id"`
	}
	if err := c.call(func() error { return c.req.GetJSON(ctx, c.baseURL+"/api/taxii/groups", &groups) }); err != nil {
		return "", err
	}
	if len(groups) == 0 || len(groups[0].ID) == 0 {
		return "", errors.New("no taxii group available")
	}
	return idString(groups[0].ID)
}

// Indicators fetches the indicators of a group modified after watermark. It
// satisfies the cursor contract: the next watermark is the modification time
// of the last object on the page, and undecodable pages are malformed.
func (c *Client) Indicators(ctx context.Context, groupID, watermark string) (syncer.CursorPage[schemas.STIXObject], error) {
	q := url.Values{}
	q.Set("groupId", groupID)
	q.Set("stixTypeName", "indicator")
	q.Set("modifiedAfter", watermark)

	var resp *network.Response
	err := c.call(func() (err error) {
		resp, err = c.req.Do(ctx, network.Request{
			Method: http.MethodGet,
			URL:    c.baseURL + "/api/taxii/objects?" + q.Encode(),
			Header: http.Header{"Accept": {"application/json"}},
		})
		return err
	})
	if err != nil {
		return syncer.CursorPage[schemas.STIXObject]{}, err
	}

	var page taxiiPage
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return syncer.CursorPage[schemas.STIXObject]{}, fmt.Errorf("%w: %v", syncer.ErrMalformedPage, err)
	}
	next := watermark
	for i := len(page.Objects) - 1; i >= 0; i-- {
		if m := page.Objects[i].Modified; m != "" {
			next = m
			break
		}
	}
	return syncer.CursorPage[schemas.STIXObject]{Items: page.Objects, More: page.More, Watermark: next}, nil
}
