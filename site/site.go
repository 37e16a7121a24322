// Package site talks to the content-management backend that owns user
// accounts and experiment metadata. Only its interface belongs to this
// service; the backend itself is an external collaborator.
package site

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"etserver/models"

	"go.uber.org/zap"
)

const (
	pathPing       = "/ets/services/ping"
	pathUser       = "/ets/services/user"
	pathExperiment = "/ets/services/experiment"
)

// Client is the HTTP client to the site backend.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
}

func NewClient(endpoint string, logger *zap.Logger) *Client {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	return &Client{
		base:   strings.TrimRight(endpoint, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Endpoint returns the normalized base URL of the backend.
func (c *Client) Endpoint() string {
	return c.base
}

// GetUser resolves a participant identity. Anonymous users (uId 0)
// resolve locally; the backend is only asked about real accounts.
func (c *Client) GetUser(ctx context.Context, uID uint64, guid string) (*models.Participant, error) {
	if uID == 0 {
		return &models.Participant{UID: 0, GUID: guid, Site: c.base}, nil
	}

	q := url.Values{}
	q.Set("uId", strconv.FormatUint(uID, 10))
	q.Set("guid", guid)

	var user models.Participant
	if err := c.getJSON(ctx, pathUser+"?"+q.Encode(), &user); err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	user.GUID = guid
	user.Site = c.base
	return &user, nil
}

// GetExperiment fetches the experiment metadata record.
func (c *Client) GetExperiment(ctx context.Context, eID int64) (*models.Experiment, error) {
	var exp models.Experiment
	path := fmt.Sprintf("%s/%d", pathExperiment, eID)
	if err := c.getJSON(ctx, path, &exp); err != nil {
		return nil, fmt.Errorf("experiment lookup failed: %w", err)
	}
	exp.EID = eID
	return &exp, nil
}

// Ping checks that the backend is reachable (used by /healthz).
func (c *Client) Ping(ctx context.Context) error {
	var out interface{}
	return c.getJSON(ctx, pathPing, &out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("site backend returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
