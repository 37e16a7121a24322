// Package router validates inbound manager messages and dispatches
// them to the right connections.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"etserver/hub"
	"etserver/instances"
	"etserver/manager"
	"etserver/models"
	"etserver/pubsub"
	"etserver/sessions"

	"go.uber.org/zap"
)

// Router routes manager messages toward one or many client
// connections and handles the system-level topics (today: "over").
type Router struct {
	Hub      *hub.Hub
	Sessions *sessions.Registry
	Gateways *manager.Cache
	Store    *instances.Store
	Bus      pubsub.Bus
	Hash     *manager.Hasher
	Logger   *zap.Logger
	Site     string
}

// Validate checks one raw manager message. Each rejection carries a
// distinct, loggable reason; a rejected message is dropped without
// affecting the rest of its batch.
func Validate(raw json.RawMessage) (*models.ManagerMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.New("invalid message from manager (not an object)")
	}
	if _, ok := fields["topic"]; !ok {
		return nil, errors.New("unknown message from manager (no topic)")
	}
	rawRecipient, ok := fields["recipient"]
	if !ok {
		return nil, errors.New("invalid message from manager (no recipient)")
	}
	var recipient string
	if err := json.Unmarshal(rawRecipient, &recipient); err != nil ||
		(recipient != models.SenderSystem && recipient != models.SenderClient) {
		return nil, fmt.Errorf("invalid message from manager (wrong recipient %s)", rawRecipient)
	}
	var msg models.ManagerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid message from manager (%v)", err)
	}
	if msg.InstanceID == "" {
		return nil, errors.New("invalid message from manager (no instanceId)")
	}
	return &msg, nil
}

// Process validates and dispatches one raw manager message.
func (r *Router) Process(ctx context.Context, inst *models.Instance, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	msg, err := Validate(raw)
	if err != nil {
		return err
	}

	switch msg.Recipient {
	case models.SenderClient:
		return r.deliver(msg)
	case models.SenderSystem:
		// Only the "over" system topic can be sent by a manager.
		if msg.Topic == "over" {
			return r.handleOver(ctx, inst, msg)
		}
	}
	return nil
}

// deliver routes a client-recipient message: either to the one session
// it names, or to the whole instance when the manager asked for a
// broadcast (excluding the named session unless includeSelf).
func (r *Router) deliver(msg *models.ManagerMessage) error {
	sess := r.Sessions.Find(msg.InstanceID, msg.ClientID)
	if sess == nil {
		return fmt.Errorf("cannot find the session for the user: %w", sessions.ErrNotFound)
	}

	forward := models.ServerMessage{
		Topic:  "forward",
		Params: models.ForwardEnvelope{Topic: msg.Topic, Params: msg.Params},
	}

	if msg.Broadcast {
		exclude := sess.ConnID
		if msg.IncludeSelf {
			exclude = ""
		}
		r.Broadcast(msg.InstanceID, forward, exclude)
		return nil
	}

	client := r.Hub.Get(sess.ConnID)
	if client == nil {
		return fmt.Errorf("cannot find the session for the user: %w", sessions.ErrNotFound)
	}
	return client.Send(forward)
}

// handleOver is the experiment-termination signal: fan the "over" out
// to every connection of the instance, close the manager's own
// bookkeeping with a terminal notice, extract and serialize the score,
// publish the over event, and end the instance.
func (r *Router) handleOver(ctx context.Context, inst *models.Instance, msg *models.ManagerMessage) error {
	r.Broadcast(inst.ID, models.ServerMessage{Topic: "over", Params: msg.Params}, "")

	if gw := r.Gateways.Get(inst.ID); gw != nil {
		_, err := gw.Forward(ctx, models.OutboundMessage{
			Sender:     models.SenderSystem,
			Topic:      "over",
			InstanceID: inst.ID,
			Experiment: models.ExperimentRef{ID: inst.EID},
		})
		if err != nil {
			r.Logger.Warn("over notice to manager failed", zap.String("iId", inst.ID), zap.Error(err))
		}
	}

	score := r.extractScore(inst, msg)

	r.Bus.Publish(ctx, pubsub.ChannelInstanceOver, models.Event{
		EID:   inst.EID,
		IID:   inst.ID,
		UIDs:  inst.UIDs(),
		Score: score,
		Site:  r.Site,
	})

	if err := r.Store.SetEnded(ctx, inst, true); err != nil {
		r.Logger.Error("failed to end instance", zap.String("iId", inst.ID), zap.Error(err))
		return err
	}
	return nil
}

// extractScore reads the manager's score. A scalar applies verbatim to
// every participant; a clientId-to-score mapping is resolved through
// the session registry and serialized as "<hashedUid>:<score>;" pairs,
// skipping identifiers with no live session. Only hashed ids ever
// appear in the serialized form.
func (r *Router) extractScore(inst *models.Instance, msg *models.ManagerMessage) string {
	score := ""
	for _, value := range []interface{}{msg.Score, msg.Scores} {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			score = v
		case float64:
			score = formatScore(v)
		case map[string]interface{}:
			for guid, entry := range v {
				sess := r.Sessions.Find(inst.ID, guid)
				if sess == nil {
					continue
				}
				score += r.Hash.Hash(sess.UID) + ":" + formatScoreValue(entry) + ";"
			}
		}
	}
	return score
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatScoreValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return formatScore(t)
	default:
		return fmt.Sprint(t)
	}
}

// Broadcast delivers a message to every live connection of an
// instance, minus the excluded one (pass "" to deliver to all).
func (r *Router) Broadcast(iID string, msg models.ServerMessage, excludeConnID string) {
	for _, sess := range r.Sessions.All(iID) {
		if excludeConnID != "" && excludeConnID == sess.ConnID {
			continue
		}
		client := r.Hub.Get(sess.ConnID)
		if client == nil {
			continue
		}
		if err := client.Send(msg); err != nil {
			r.Logger.Error("broadcast delivery failed",
				zap.String("iId", iID), zap.String("connId", sess.ConnID), zap.Error(err))
		}
	}
}
