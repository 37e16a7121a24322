package ehs

import (
	"context"
	"sync"

	"etserver/experiments"
	"etserver/hub"
	"etserver/manager"
	"etserver/models"

	"go.uber.org/zap"
)

// joinConn is the per-connection state of a join-phase socket.
type joinConn struct {
	client *hub.Client
	user   *models.Participant
	iID    string
}

// instanceModel binds a forming instance to its attached join-phase
// connections and its manager gateway. data always points at an
// allocator snapshot; it is replaced wholesale, never mutated, so a
// snapshot read under the lock stays safe to use after release.
type instanceModel struct {
	mu      sync.Mutex
	data    *models.Instance
	gateway *manager.Gateway
	conns   []*joinConn

	experiments *experiments.Cache
	logger      *zap.Logger
}

func (m *instanceModel) setData(inst *models.Instance) {
	m.mu.Lock()
	m.data = inst
	m.mu.Unlock()
}

func (m *instanceModel) snapshot() *models.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

func (m *instanceModel) addConn(cn *joinConn) {
	m.mu.Lock()
	m.conns = append(m.conns, cn)
	m.mu.Unlock()
}

func (m *instanceModel) removeConn(cn *joinConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.conns {
		if c == cn {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			return
		}
	}
}

func (m *instanceModel) connections() []*joinConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*joinConn, len(m.conns))
	copy(out, m.conns)
	return out
}

// notifyUsers pushes a lifecycle topic to every attached connection,
// augmenting the params with each receiver's guid.
func (m *instanceModel) notifyUsers(topic string, errText string) {
	data := m.snapshot()
	var base map[string]interface{}

	switch topic {
	case "error":
		base = map[string]interface{}{"iId": data.ID, "error": errText}
	case "status":
		nUsersMin := 0
		if exp, err := m.experiments.Retrieve(data.EID); err == nil {
			nUsersMin = exp.ExactNUsers
		}
		base = map[string]interface{}{"iId": data.ID, "nUsers": len(data.Users), "nUsersMin": nUsersMin}
	case "start":
		base = map[string]interface{}{"iId": data.ID, "eId": data.EID}
	default:
		return
	}

	for _, cn := range m.connections() {
		if cn.user == nil {
			m.logger.Error("connection has no user data", zap.String("iId", data.ID))
			continue
		}
		params := make(map[string]interface{}, len(base)+1)
		for k, v := range base {
			params[k] = v
		}
		params["guid"] = cn.user.GUID
		if err := cn.client.Send(models.ServerMessage{Topic: topic, Params: params}); err != nil {
			m.logger.Error("notify failed", zap.String("iId", data.ID),
				zap.String("topic", topic), zap.Error(err))
		}
	}
}

// notifyManager tells the manager about a join-phase lifecycle step.
// Best effort: the manager may not be running yet, and the completion
// ping is the place where reachability actually matters.
func (m *instanceModel) notifyManager(ctx context.Context, topic, clientID string) {
	if m.gateway == nil {
		return
	}
	data := m.snapshot()

	msg := models.OutboundMessage{
		Sender:     models.SenderSystem,
		Topic:      topic,
		InstanceID: data.ID,
		Experiment: models.ExperimentRef{ID: data.EID},
		Params:     map[string]interface{}{},
	}
	if exp, err := m.experiments.Retrieve(data.EID); err == nil {
		msg.Experiment = exp.Ref()
	}

	switch topic {
	case "instance", "drop":
	case "join", "leave":
		msg.ClientID = clientID
	default:
		m.logger.Error("undefined system message", zap.String("topic", topic))
		return
	}

	if _, err := m.gateway.Forward(ctx, msg); err != nil {
		m.logger.Warn("manager notification failed",
			zap.String("iId", data.ID), zap.String("topic", topic), zap.Error(err))
	}
}
