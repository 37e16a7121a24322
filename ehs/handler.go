// Package ehs is the join phase: it matches participants into
// experiment instances and hands completed instances over to the play
// phase.
package ehs

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"etserver/experiments"
	"etserver/hub"
	"etserver/instances"
	"etserver/manager"
	"etserver/models"
	"etserver/pubsub"
	"etserver/site"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Service handles join-phase websocket connections.
type Service struct {
	Logger      *zap.Logger
	Site        *site.Client
	Experiments *experiments.Cache
	Alloc       *instances.Allocator
	Store       *instances.Store
	Bus         pubsub.Bus

	upgrader websocket.Upgrader

	mu     sync.Mutex
	models map[string]*instanceModel

	startedAt time.Time
	connected atomic.Int64
	received  atomic.Int64
}

func NewService(logger *zap.Logger, siteClient *site.Client, cache *experiments.Cache,
	alloc *instances.Allocator, store *instances.Store, bus pubsub.Bus) *Service {
	return &Service{
		Logger:      logger,
		Site:        siteClient,
		Experiments: cache,
		Alloc:       alloc,
		Store:       store,
		Bus:         bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		models:    make(map[string]*instanceModel),
		startedAt: time.Now(),
	}
}

// Snapshot implements utils.StatsSource.
func (s *Service) Snapshot() models.ServiceStats {
	s.mu.Lock()
	pool := len(s.models)
	s.mu.Unlock()
	return models.ServiceStats{
		Service:          "EHS",
		Uptime:           int64(time.Since(s.startedAt).Seconds()),
		ConnectedClients: s.connected.Load(),
		ReceivedMessages: s.received.Load(),
		InstancesInPool:  int64(pool),
		CreatedInstances: s.Alloc.Created(),
	}
}

// HandleConnection upgrades a join-phase websocket and serves it until
// it closes. Messages of one connection are handled to completion in
// order; connections interleave freely.
func (s *Service) HandleConnection(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Error("Error upgrading WebSocket", zap.Error(err))
		return
	}

	client := hub.NewClient(conn)
	cn := &joinConn{client: client}
	s.connected.Add(1)

	go hub.KeepAlive(conn, client, s.Logger)

	defer func() {
		conn.Close()
		s.connected.Add(-1)
		s.handleDisconnect(context.Background(), cn)
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

		s.handleMessage(c.Request.Context(), cn, &msg)
	}
}

func (s *Service) refuse(cn *joinConn, reason string) {
	if err := cn.client.Send(models.ServerMessage{Topic: "refuse", Params: map[string]string{"reason": reason}}); err != nil {
		s.Logger.Error("failed to send refuse", zap.Error(err))
	}
}

// handleMessage runs the identity lookup, then the experiment lookup,
// then the action; each step's failure short-circuits the rest.
func (s *Service) handleMessage(ctx context.Context, cn *joinConn, msg *models.ClientMessage) {
	if len(msg.Params) == 0 {
		s.refuse(cn, "Message format error")
		return
	}
	var params models.JoinParams
	if err := json.Unmarshal(msg.Params, &params); err != nil ||
		params.EID == nil || params.UID == nil || params.GUID == nil {
		s.refuse(cn, "Message format error")
		return
	}

	account, err := s.Site.GetUser(ctx, *params.UID, *params.GUID)
	if err != nil {
		s.Logger.Error("Error contacting the site backend for user data", zap.Error(err))
		s.refuse(cn, err.Error())
		return
	}
	if params.Language != "" {
		account.Language = params.Language
	}

	experiment, err := s.Experiments.Get(ctx, *params.EID)
	if err != nil {
		s.Logger.Error("Error contacting the site backend for experiment data", zap.Error(err))
		s.refuse(cn, err.Error())
		return
	}

	if account.Anonymous() && !bool(experiment.AnonymousJoin) {
		s.Logger.Warn("Anonymous users can't join", zap.Int64("eId", experiment.EID))
		s.refuse(cn, "Anonymous users can't join experiment")
		return
	}
	if !bool(experiment.CanPerform) {
		s.Logger.Warn("Attempt to join an inactive experiment", zap.Int64("eId", experiment.EID))
		s.refuse(cn, "The experiment is not active at the moment")
		return
	}

	// Kept on the connection for the disconnect path.
	cn.user = account

	s.Logger.Info("join-phase request",
		zap.String("topic", msg.Topic), zap.Int64("eId", experiment.EID),
		zap.Uint64("uId", account.UID), zap.String("guid", account.GUID))

	if msg.Topic != "join" {
		s.refuse(cn, "I do not understand "+msg.Topic)
		return
	}
	s.processJoin(ctx, cn, experiment, account)
}

func (s *Service) processJoin(ctx context.Context, cn *joinConn, experiment *models.Experiment, account *models.Participant) {
	inst, created, err := s.Alloc.Allocate(experiment.EID, *account,
		experiment.ExactNUsers, bool(experiment.ShareLanguages))
	if err != nil {
		s.Logger.Error("Error joining the instance", zap.Error(err))
		s.refuse(cn, err.Error())
		return
	}

	model := s.model(inst, experiment)
	if created {
		s.Bus.Publish(ctx, pubsub.ChannelInstanceNew, models.Event{EID: inst.EID, Site: account.Site})
	}

	cn.iID = inst.ID
	model.addConn(cn)

	// Best effort: the manager may not be up yet. Reachability is
	// settled by the ping at completion.
	model.notifyManager(ctx, "join", account.GUID)
	model.notifyUsers("status", "")

	s.Bus.Publish(ctx, pubsub.ChannelInstanceJoin, models.Event{
		EID: inst.EID, UID: account.UID, GUID: account.GUID, Site: account.Site,
	})

	if err := cn.client.Send(models.ServerMessage{Topic: "accept"}); err != nil {
		s.Logger.Error("failed to send accept", zap.Error(err))
	}

	if !inst.Complete() {
		return
	}
	s.Logger.Info("instance is complete", zap.String("iId", inst.ID))

	if err := model.gateway.Ping(ctx); err != nil {
		// Hard failure for the whole instance: everyone is told,
		// nothing is persisted, the instance is dropped.
		model.notifyUsers("error", err.Error())
		s.Bus.Publish(ctx, pubsub.ChannelInstanceDrop, models.Event{
			EID: inst.EID, IID: inst.ID, Site: account.Site,
		})
		dropped := inst.Clone()
		dropped.Advance(models.StateDropped)
		model.setData(dropped)
		s.dropModel(inst.ID)
		cn.client.Close()
		return
	}

	// Hand the instance over to the play phase by making it durable.
	// Only completed instances ever reach the stash.
	if err := s.Store.Save(ctx, inst); err != nil {
		s.Logger.Error("failed to persist completed instance", zap.String("iId", inst.ID), zap.Error(err))
		model.notifyUsers("error", "Unable to persist instance data")
		return
	}

	model.notifyUsers("start", "")

	// Join sockets are single-shot: matchmaking is done, the clients
	// reconnect on the play endpoint.
	for _, member := range model.connections() {
		member.client.Close()
	}
}

// model returns the tracked instance model, creating it on first use.
func (s *Service) model(inst *models.Instance, experiment *models.Experiment) *instanceModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.models[inst.ID]; ok {
		m.setData(inst)
		return m
	}
	m := &instanceModel{
		data:        inst,
		gateway:     manager.NewGateway(experiment, inst.ID, s.Logger),
		experiments: s.Experiments,
		logger:      s.Logger,
	}
	s.models[inst.ID] = m
	go m.notifyManager(context.Background(), "instance", "")
	return m
}

func (s *Service) lookupModel(iID string) *instanceModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.models[iID]
}

func (s *Service) dropModel(iID string) {
	s.mu.Lock()
	delete(s.models, iID)
	s.mu.Unlock()
}

// handleDisconnect runs when a join-phase socket closes. Leaving a
// still-forming instance releases the seat and may drop the instance;
// leaving a completed one is the normal handoff to the play phase.
func (s *Service) handleDisconnect(ctx context.Context, cn *joinConn) {
	s.Logger.Info("join-phase client disconnected")

	if cn.iID == "" {
		return
	}
	model := s.lookupModel(cn.iID)
	if model == nil {
		s.Logger.Warn("empty instance on disconnect", zap.String("iId", cn.iID))
		return
	}
	if cn.user == nil {
		s.Logger.Warn("problem retrieving user data on disconnect", zap.String("iId", cn.iID))
		return
	}

	model.removeConn(cn)

	snap, wasForming := s.Alloc.Release(model.snapshot().EID, cn.iID, cn.user.GUID)
	if !wasForming {
		// The instance completed: the seat is not released, the
		// participant is on their way to the play phase.
		s.Logger.Info("user part", zap.String("guid", cn.user.GUID))
		if len(model.connections()) == 0 {
			s.dropModel(cn.iID)
		}
		return
	}

	model.setData(snap)
	s.Logger.Info("user leave", zap.String("guid", cn.user.GUID))
	s.Bus.Publish(ctx, pubsub.ChannelInstanceLeave, models.Event{
		EID: snap.EID, UID: cn.user.UID, GUID: cn.user.GUID, Site: cn.user.Site,
	})
	model.notifyManager(ctx, "leave", cn.user.GUID)
	model.notifyUsers("status", "")

	if len(snap.Users) == 0 {
		s.Bus.Publish(ctx, pubsub.ChannelInstanceDrop, models.Event{
			EID: snap.EID, Site: cn.user.Site,
		})
		model.notifyManager(ctx, "drop", "")
		s.dropModel(cn.iID)
	}
}
