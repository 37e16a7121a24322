// Package manager is the HTTP channel toward the experiment-specific
// manager processes.
package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"etserver/models"

	"go.uber.org/zap"
)

// ErrUnavailable means the gateway has no usable client or the HTTP
// call to the manager failed. The caller decides how to report it; the
// gateway never retries on its own.
var ErrUnavailable = errors.New("manager unavailable")

// Gateway is one logical channel to a manager, owned by an instance
// (or by an experiment during the join phase).
type Gateway struct {
	InstanceID string

	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewGateway builds a gateway from the experiment's manager address.
// An absent or malformed managerURI yields a gateway without a client:
// every call then fails fast with ErrUnavailable instead of panicking.
func NewGateway(exp *models.Experiment, instanceID string, logger *zap.Logger) *Gateway {
	gw := &Gateway{InstanceID: instanceID, logger: logger}

	if exp == nil || exp.ManagerURI == "" {
		return gw
	}
	raw := exp.ManagerURI
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		logger.Warn("malformed managerURI", zap.String("managerURI", exp.ManagerURI))
		return gw
	}

	gw.endpoint = u.String()
	gw.client = &http.Client{Timeout: 30 * time.Second}
	return gw
}

// Forward serializes the message, POSTs it to the manager and returns
// the response body as a list of raw inbound messages (the manager
// answers with a JSON array, letting one request trigger several
// pushes). Element validation belongs to the router.
func (g *Gateway) Forward(ctx context.Context, msg models.OutboundMessage) ([]json.RawMessage, error) {
	if g.client == nil {
		return nil, fmt.Errorf("%w: manager is not defined", ErrUnavailable)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: manager returned %s", ErrUnavailable, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var messages []json.RawMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("manager response is not a message array: %w", err)
	}
	return messages, nil
}

// Ping confirms the manager is reachable. Used exactly once, before an
// instance's completion is made durable.
func (g *Gateway) Ping(ctx context.Context) error {
	_, err := g.Forward(ctx, models.OutboundMessage{Sender: models.SenderSystem, Topic: "ping"})
	if err != nil {
		return fmt.Errorf("cannot contact the experiment manager (%s): %w", g.endpoint, err)
	}
	g.logger.Info("manager contacted", zap.String("endpoint", g.endpoint))
	return nil
}

// Cache holds one gateway per instance id. Gateways are lazily built,
// reused, and reclaimed with the cache itself.
type Cache struct {
	mu       sync.Mutex
	gateways map[string]*Gateway
	logger   *zap.Logger
}

func NewCache(logger *zap.Logger) *Cache {
	return &Cache{gateways: make(map[string]*Gateway), logger: logger}
}

// Find returns the gateway of an instance, building it from the
// experiment's manager address on first use.
func (c *Cache) Find(exp *models.Experiment, instanceID string) *Gateway {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gw, ok := c.gateways[instanceID]; ok {
		return gw
	}
	gw := NewGateway(exp, instanceID, c.logger)
	c.gateways[instanceID] = gw
	return gw
}

// Get returns the cached gateway of an instance, or nil.
func (c *Cache) Get(instanceID string) *Gateway {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateways[instanceID]
}

// Drop forgets the gateway of an instance.
func (c *Cache) Drop(instanceID string) {
	c.mu.Lock()
	delete(c.gateways, instanceID)
	c.mu.Unlock()
}
