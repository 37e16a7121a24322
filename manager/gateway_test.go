package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"etserver/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func experimentFor(uri string) *models.Experiment {
	return &models.Experiment{EID: 7, ManagerURI: uri, Town: models.Town{Name: "Pisa"}}
}

func TestForwardParsesResponseArray(t *testing.T) {
	var got models.OutboundMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`[{"topic":"move","recipient":"client","instanceId":"i1","clientId":"g1"},
		                 {"topic":"over","recipient":"system","instanceId":"i1"}]`))
	}))
	defer srv.Close()

	gw := NewGateway(experimentFor(srv.URL), "i1", zap.NewNop())
	messages, err := gw.Forward(context.Background(), models.OutboundMessage{
		Sender: models.SenderClient, Topic: "move", ClientID: "g1", InstanceID: "i1",
	})
	require.NoError(t, err)
	assert.Len(t, messages, 2, "one request may trigger several pushes")
	assert.Equal(t, "move", got.Topic)
	assert.Equal(t, "g1", got.ClientID)
}

func TestForwardEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	gw := NewGateway(experimentFor(srv.URL), "i1", zap.NewNop())
	messages, err := gw.Forward(context.Background(), models.OutboundMessage{Topic: "ready"})
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestForwardWithoutClientFailsFast(t *testing.T) {
	gw := NewGateway(&models.Experiment{EID: 7}, "i1", zap.NewNop())
	_, err := gw.Forward(context.Background(), models.OutboundMessage{Topic: "ready"})
	assert.ErrorIs(t, err, ErrUnavailable)

	malformed := NewGateway(experimentFor("://not a uri"), "i1", zap.NewNop())
	_, err = malformed.Forward(context.Background(), models.OutboundMessage{Topic: "ready"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestForwardNon2xxIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gw := NewGateway(experimentFor(srv.URL), "i1", zap.NewNop())
	_, err := gw.Forward(context.Background(), models.OutboundMessage{Topic: "ready"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestPing(t *testing.T) {
	var pinged atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg models.OutboundMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		if msg.Sender == models.SenderSystem && msg.Topic == "ping" {
			pinged.Store(true)
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	gw := NewGateway(experimentFor(srv.URL), "i1", zap.NewNop())
	require.NoError(t, gw.Ping(context.Background()))
	assert.True(t, pinged.Load())

	down := NewGateway(experimentFor("http://127.0.0.1:1"), "i1", zap.NewNop())
	assert.ErrorIs(t, down.Ping(context.Background()), ErrUnavailable)
}

func TestCacheReusesGateways(t *testing.T) {
	cache := NewCache(zap.NewNop())
	exp := experimentFor("http://manager.example:9000/path")

	first := cache.Find(exp, "i1")
	assert.Same(t, first, cache.Find(exp, "i1"))
	assert.Same(t, first, cache.Get("i1"))
	assert.NotSame(t, first, cache.Find(exp, "i2"))

	cache.Drop("i1")
	assert.Nil(t, cache.Get("i1"))
}
