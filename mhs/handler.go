// Package mhs is the play phase: it keeps every participant's
// connection alive for the duration of the experiment and relays
// messages between the connections and the experiment manager.
package mhs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"etserver/experiments"
	"etserver/hub"
	"etserver/instances"
	"etserver/manager"
	"etserver/models"
	"etserver/pubsub"
	"etserver/router"
	"etserver/sessions"
	"etserver/site"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Service handles play-phase websocket connections and the manager
// push channel.
type Service struct {
	Logger      *zap.Logger
	Site        *site.Client
	Experiments *experiments.Cache
	Hub         *hub.Hub
	Sessions    *sessions.Registry
	Gateways    *manager.Cache
	Store       *instances.Store
	Bus         pubsub.Bus
	Hash        *manager.Hasher
	Router      *router.Router

	upgrader websocket.Upgrader

	startedAt time.Time
	connected atomic.Int64
	received  atomic.Int64
}

func NewService(logger *zap.Logger, siteClient *site.Client, cache *experiments.Cache,
	h *hub.Hub, reg *sessions.Registry, gateways *manager.Cache,
	store *instances.Store, bus pubsub.Bus, hasher *manager.Hasher) *Service {
	s := &Service{
		Logger:      logger,
		Site:        siteClient,
		Experiments: cache,
		Hub:         h,
		Sessions:    reg,
		Gateways:    gateways,
		Store:       store,
		Bus:         bus,
		Hash:        hasher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startedAt: time.Now(),
	}
	s.Router = &router.Router{
		Hub:      h,
		Sessions: reg,
		Gateways: gateways,
		Store:    store,
		Bus:      bus,
		Hash:     hasher,
		Logger:   logger,
		Site:     siteClient.Endpoint(),
	}
	return s
}

// Snapshot implements utils.StatsSource.
func (s *Service) Snapshot() models.ServiceStats {
	return models.ServiceStats{
		Service:          "MHS",
		Uptime:           int64(time.Since(s.startedAt).Seconds()),
		ConnectedClients: s.connected.Load(),
		ReceivedMessages: s.received.Load(),
		InstancesInPool:  int64(len(s.Sessions.Instances())),
	}
}

// HandleConnection upgrades a play-phase websocket and serves it until
// it closes.
func (s *Service) HandleConnection(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}

	client := s.Hub.Add(conn)
	s.connected.Add(1)

	go hub.KeepAlive(conn, client, s.Logger)

	defer func() {
		conn.Close()
		s.connected.Add(-1)
		s.handleDisconnect(context.Background(), client)
		s.Sessions.Del(client.ID)
		s.Hub.Remove(client.ID)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.Logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}
		s.received.Add(1)

		var msg models.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.Logger.Warn("Unexpected input from client (invalid JSON)")
			return
		}

		switch msg.Topic {
		case "dbg_create":
			s.handleDbgCreate(c.Request.Context(), client, &msg)
			return
		case "ready", "forward", "over":
			s.handleMessage(c.Request.Context(), client, &msg)
		default:
			client.SendError(fmt.Sprintf("Unrecognized system topic (%s)", msg.Topic), s.Logger)
		}
	}
}

// handleMessage relays one client frame to the manager and routes the
// manager's response messages back out.
func (s *Service) handleMessage(ctx context.Context, client *hub.Client, msg *models.ClientMessage) {
	inst, err := s.Store.Get(ctx, msg.IID)
	if err != nil {
		client.SendError("Unable to retrieve instance data", s.Logger)
		return
	}
	if !inst.Member(msg.GUID) {
		client.SendError("You are not part of this instance", s.Logger)
		return
	}

	// The session key is (instanceId, guid): a player can be in many
	// instances, but never twice in the same one. The first message of
	// a reconnect refreshes the connection id. Registration happens
	// only after the membership check, so a rejected claimant never
	// receives the instance's broadcasts.
	s.Sessions.Set(msg.IID, msg.GUID, client.ID, msg.UID)

	if inst.Ended() {
		client.SendError("Cannot restart an ended experiment", s.Logger)
		return
	}

	experiment, err := s.Experiments.Get(ctx, msg.EID)
	if err != nil {
		client.SendError(fmt.Sprintf("Error while retrieving experiment data (%v)", err), s.Logger)
		return
	}

	gw := s.Gateways.Find(experiment, msg.IID)

	msgOut := models.OutboundMessage{
		ClientID:   msg.GUID,
		UserID:     s.Hash.Hash(msg.UID),
		InstanceID: msg.IID,
		Experiment: experiment.Ref(),
	}

	if msg.Topic == "ready" && !inst.Started() {
		// One-time: the first ready of an instance marks it active.
		s.Bus.Publish(ctx, pubsub.ChannelInstanceReady, models.Event{
			EID: inst.EID, IID: inst.ID, UID: msg.UID, Site: s.Site.Endpoint(),
		})
		if err := s.Store.SetStarted(ctx, inst, true); err != nil {
			s.Logger.Error("failed to mark instance started", zap.String("iId", inst.ID), zap.Error(err))
		}
	}

	if msg.Topic == "forward" {
		// In-experiment message: unwrap and relay under the client sender.
		var fp models.ForwardParams
		if err := json.Unmarshal(msg.Params, &fp); err != nil {
			client.SendError("Message format error", s.Logger)
			return
		}
		msgOut.Sender = models.SenderClient
		msgOut.Topic = fp.Topic
		msgOut.Params = fp.Params
	} else {
		msgOut.Sender = models.SenderSystem
		msgOut.Topic = msg.Topic
		msgOut.Params = msg.Params
	}

	responses, err := gw.Forward(ctx, msgOut)
	if err != nil {
		client.SendError(fmt.Sprintf("Error communicating with the experiment manager (%v)", err), s.Logger)
		return
	}

	for _, raw := range responses {
		if err := s.Router.Process(ctx, inst, raw); err != nil {
			s.Logger.Error("Error processing message from manager", zap.Error(err))
			client.SendError(err.Error(), s.Logger)
			return
		}
	}
}

// handleDbgCreate seeds a durable instance and experiment record
// directly, bypassing the join phase. Debugging only.
func (s *Service) handleDbgCreate(ctx context.Context, client *hub.Client, msg *models.ClientMessage) {
	if msg.Instance == nil {
		client.SendError("Message format error", s.Logger)
		return
	}

	if err := s.Store.Remove(ctx, msg.Instance.ID); err != nil {
		s.Logger.Error("dbg_create: stale record removal failed", zap.Error(err))
	}
	if err := s.Store.Save(ctx, msg.Instance); err != nil {
		client.SendError("Unable to save instance data", s.Logger)
		return
	}
	s.Experiments.SaveData(&models.Experiment{
		EID:           msg.Instance.EID,
		ExactNUsers:   2,
		AnonymousJoin: true,
		CanPerform:    true,
		ManagerURI:    msg.ManagerURI,
		Town:          models.Town{Name: "Pisa"},
	})

	if err := client.Send(models.ServerMessage{Topic: "dbg_created"}); err != nil {
		s.Logger.Error("failed to confirm dbg_create", zap.Error(err))
	}
	client.Close()
}

// handleDisconnect tells the manager the participant is gone (abort if
// the experiment was still running, end otherwise), aborts the
// remaining connections, and ends the instance. A disconnect currently
// always terminates the instance; substituting a waiting player or a
// bot is a possible future change.
func (s *Service) handleDisconnect(ctx context.Context, client *hub.Client) {
	ref, ok := s.Sessions.Get(client.ID)
	if !ok {
		return
	}

	inst, err := s.Store.Get(ctx, ref.IID)
	if err != nil {
		return
	}
	experiment, err := s.Experiments.Get(ctx, inst.EID)
	if err != nil {
		return
	}

	var uID uint64
	if sess := s.Sessions.Find(ref.IID, ref.GUID); sess != nil {
		uID = sess.UID
	}

	topic := "abort"
	if inst.Ended() {
		topic = "end"
	}
	msgOut := models.OutboundMessage{
		Sender:     models.SenderSystem,
		Topic:      topic,
		ClientID:   ref.GUID,
		UserID:     s.Hash.Hash(uID),
		InstanceID: inst.ID,
		Experiment: experiment.Ref(),
	}

	if !inst.Ended() {
		s.Router.Broadcast(inst.ID, models.ServerMessage{Topic: "abort"}, client.ID)
	}

	gw := s.Gateways.Find(experiment, inst.ID)
	if _, err := gw.Forward(ctx, msgOut); err != nil {
		s.Logger.Warn("disconnect notice to manager failed", zap.String("iId", inst.ID), zap.Error(err))
	}

	if !inst.Ended() {
		s.Bus.Publish(ctx, pubsub.ChannelInstanceError, models.Event{
			EID: inst.EID, IID: inst.ID, UID: uID, GUID: ref.GUID, Site: s.Site.Endpoint(),
		})
		if _, err := s.Store.Advance(ctx, inst.ID, models.StateAborted); err != nil {
			s.Logger.Error("failed to abort instance", zap.String("iId", inst.ID), zap.Error(err))
		}
	}
}
