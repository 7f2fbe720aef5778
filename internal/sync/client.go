package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/forecastworks/pfa-mirror/internal/types"
)

// Client talks to the external system of record over HTTP. It implements
// both Source (paged baseline feed) and Target (field patch apply).
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client for the source system's REST API.
func NewClient(baseURL, apiKey string) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("source base url is empty")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type listResponse struct {
	Data       []BaselineRecord `json:"data"`
	NextCursor string           `json:"next_cursor"`
	HasMore    bool             `json:"has_more"`
}

// FetchPage implements Source.
func (c *Client) FetchPage(ctx context.Context, cursor string, limit int) (*SourcePage, error) {
	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	endpoint := c.baseURL + "/v1/pfa/records?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.NewExternalTransient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, types.NewExternalTransient(
			fmt.Errorf("source api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, types.NewExternalTransient(err)
	}
	return &SourcePage{
		Records:    parsed.Data,
		NextCursor: parsed.NextCursor,
		HasMore:    parsed.HasMore,
	}, nil
}

// Apply implements Target. A 409 from the far side means its own version of
// the record moved and the delta must be re-derived; anything else
// non-2xx is treated as transient.
func (c *Client) Apply(ctx context.Context, externalID string, fields map[string]json.RawMessage) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	endpoint := c.baseURL + "/v1/pfa/records/" + url.PathEscape(externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewExternalTransient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return types.NewExternalConflict(externalID,
			fmt.Errorf("target api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	default:
		return types.NewExternalTransient(
			fmt.Errorf("target api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
}
