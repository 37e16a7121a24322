package ehs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"etserver/experiments"
	"etserver/hub"
	"etserver/instances"
	"etserver/models"
	"etserver/pubsub"
	"etserver/site"
	"etserver/stash"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSock struct {
	mu     sync.Mutex
	frames []models.ServerMessage
}

func (f *fakeSock) WriteMessage(_ int, data []byte) error {
	var msg models.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
	return nil
}

func (f *fakeSock) Close() error { return nil }

func (f *fakeSock) last() *models.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return &f.frames[len(f.frames)-1]
}

type recordingBus struct {
	mu     sync.Mutex
	events map[string][]interface{}
}

func newRecordingBus() *recordingBus {
	return &recordingBus{events: make(map[string][]interface{})}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[channel] = append(b.events[channel], payload)
	return nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events[channel])
}

// newSiteBackend fakes the site services used during a join: the user
// lookup, the experiment record and the health ping.
func newSiteBackend(t *testing.T, managerURI string, anonymousJoin, canPerform string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/ets/services/user":
			fmt.Fprintf(w, `{"uId":%s,"language":"it"}`, r.URL.Query().Get("uId"))
		case strings.HasPrefix(r.URL.Path, "/ets/services/experiment/"):
			fmt.Fprintf(w, `{
				"exactNUsers": 2,
				"anonymousJoin": %q,
				"canPerform": %q,
				"managerURI": %q,
				"town": {"name": "Pisa"}
			}`, anonymousJoin, canPerform, managerURI)
		case r.URL.Path == "/ets/services/ping":
			w.Write([]byte(`"pong"`))
		default:
			http.NotFound(w, r)
		}
	}))
}

type joinFixture struct {
	service *Service
	store   *instances.Store
	bus     *recordingBus
	server  *httptest.Server
}

func newJoinFixture(t *testing.T, managerURI, anonymousJoin, canPerform string) *joinFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	siteSrv := newSiteBackend(t, managerURI, anonymousJoin, canPerform)
	t.Cleanup(siteSrv.Close)

	siteClient := site.NewClient(siteSrv.URL, zap.NewNop())
	store := instances.NewStore(stash.NewMemory(), zap.NewNop())
	bus := newRecordingBus()
	svc := NewService(zap.NewNop(), siteClient,
		experiments.NewCache(siteClient, zap.NewNop()),
		instances.NewAllocator(zap.NewNop()), store, bus)

	engine := gin.New()
	engine.GET("/ehs", svc.HandleConnection)
	wsSrv := httptest.NewServer(engine)
	t.Cleanup(wsSrv.Close)

	return &joinFixture{service: svc, store: store, bus: bus, server: wsSrv}
}

func (f *joinFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ehs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJoin(t *testing.T, conn *websocket.Conn, uID int, guid string) {
	t.Helper()
	frame := fmt.Sprintf(`{"topic":"join","params":{"eId":7,"uId":%d,"guid":%q}}`, uID, guid)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) (models.ServerMessage, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return models.ServerMessage{}, false
	}
	var msg models.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg, true
}

// readUntil drains frames until the wanted topic appears; it fails the
// test if the connection closes first.
func readUntil(t *testing.T, conn *websocket.Conn, topic string) models.ServerMessage {
	t.Helper()
	var seen []string
	for {
		msg, ok := readFrame(t, conn)
		if !ok {
			t.Fatalf("connection closed before %q (saw %v)", topic, seen)
		}
		if msg.Topic == topic {
			return msg
		}
		seen = append(seen, msg.Topic)
	}
}

func TestJoinFlowCompletesInstance(t *testing.T) {
	managerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer managerSrv.Close()

	f := newJoinFixture(t, managerSrv.URL, "1", "1")

	connA := f.dial(t)
	sendJoin(t, connA, 0, "g1")

	status := readUntil(t, connA, "status")
	params := status.Params.(map[string]interface{})
	iID := params["iId"].(string)
	require.NotEmpty(t, iID)
	assert.Equal(t, float64(1), params["nUsers"])
	assert.Equal(t, float64(2), params["nUsersMin"])
	assert.Equal(t, "g1", params["guid"])
	readUntil(t, connA, "accept")

	connB := f.dial(t)
	sendJoin(t, connB, 5, "g2")
	readUntil(t, connB, "accept")

	// Completion: both sides get the start notice, then the join
	// sockets are closed by the server.
	startA := readUntil(t, connA, "start")
	assert.Equal(t, iID, startA.Params.(map[string]interface{})["iId"])
	readUntil(t, connB, "start")

	_, ok := readFrame(t, connA)
	assert.False(t, ok, "join sockets are single-shot")

	// The completed instance became durable.
	inst, err := f.store.Get(context.Background(), iID)
	require.NoError(t, err)
	assert.Equal(t, models.StateComplete, inst.State)
	require.Len(t, inst.Users, 2)

	assert.Equal(t, 1, f.bus.count(pubsub.ChannelInstanceNew))
	assert.Equal(t, 2, f.bus.count(pubsub.ChannelInstanceJoin))
}

func TestJoinFlowDropsInstanceWhenManagerIsDown(t *testing.T) {
	managerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer managerSrv.Close()

	f := newJoinFixture(t, managerSrv.URL, "1", "1")

	connA := f.dial(t)
	sendJoin(t, connA, 0, "g1")
	readUntil(t, connA, "accept")

	connB := f.dial(t)
	sendJoin(t, connB, 0, "g2")
	readUntil(t, connB, "accept")

	// The completion ping fails: everyone is told and nothing survives.
	errMsg := readUntil(t, connA, "error")
	params := errMsg.Params.(map[string]interface{})
	iID := params["iId"].(string)
	assert.NotEmpty(t, params["error"])
	readUntil(t, connB, "error")

	require.Eventually(t, func() bool {
		return f.bus.count(pubsub.ChannelInstanceDrop) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := f.store.Get(context.Background(), iID)
	assert.ErrorIs(t, err, stash.ErrNotFound, "a dropped instance is never persisted")
}

func TestHandleMessageRefusals(t *testing.T) {
	managerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer managerSrv.Close()

	cases := []struct {
		name          string
		anonymousJoin string
		canPerform    string
		frame         string
		reason        string
	}{
		{"empty params", "1", "1",
			`{"topic":"join"}`, "Message format error"},
		{"missing guid", "1", "1",
			`{"topic":"join","params":{"eId":7,"uId":0}}`, "Message format error"},
		{"anonymous refused", "0", "1",
			`{"topic":"join","params":{"eId":7,"uId":0,"guid":"g1"}}`, "Anonymous users can't join experiment"},
		{"inactive experiment", "1", "0",
			`{"topic":"join","params":{"eId":7,"uId":0,"guid":"g1"}}`, "The experiment is not active at the moment"},
		{"unknown topic", "1", "1",
			`{"topic":"fly","params":{"eId":7,"uId":0,"guid":"g1"}}`, "I do not understand fly"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newJoinFixture(t, managerSrv.URL, tc.anonymousJoin, tc.canPerform)

			sock := &fakeSock{}
			cn := &joinConn{client: hub.NewClient(sock)}
			var msg models.ClientMessage
			require.NoError(t, json.Unmarshal([]byte(tc.frame), &msg))

			f.service.handleMessage(context.Background(), cn, &msg)

			frame := sock.last()
			require.NotNil(t, frame)
			assert.Equal(t, "refuse", frame.Topic)
			assert.Equal(t, tc.reason, frame.Params.(map[string]interface{})["reason"])
		})
	}
}

func TestDisconnectReleasesFormingSeat(t *testing.T) {
	managerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer managerSrv.Close()

	f := newJoinFixture(t, managerSrv.URL, "1", "1")

	connA := f.dial(t)
	sendJoin(t, connA, 0, "g1")
	readUntil(t, connA, "accept")
	connA.Close()

	// Leaving the only seat drops the forming instance entirely.
	require.Eventually(t, func() bool {
		return f.bus.count(pubsub.ChannelInstanceLeave) == 1 &&
			f.bus.count(pubsub.ChannelInstanceDrop) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh pair can form a new instance afterwards.
	connB := f.dial(t)
	sendJoin(t, connB, 0, "g2")
	status := readUntil(t, connB, "status")
	assert.Equal(t, float64(1), status.Params.(map[string]interface{})["nUsers"])
}
