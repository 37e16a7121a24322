package mhs

import (
	"encoding/json"
	"net/http"

	"etserver/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandlePush is the managers' push channel: form-encoded
// `message=<json>`, answered 200 regardless. Only client-sender
// messages are acted on; they are broadcast to the instance's
// connections, excluding the originating participant's own session.
func (s *Service) HandlePush(c *gin.Context) {
	defer c.JSON(http.StatusOK, "OK")

	data := c.PostForm("message")
	if data == "" {
		return
	}

	var msg models.ManagerMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		s.Logger.Warn("unparseable push message", zap.Error(err))
		return
	}

	// System messages on the push channel are discarded.
	if msg.Sender != models.SenderClient {
		return
	}

	inst, err := s.Store.Get(c.Request.Context(), msg.InstanceID)
	if err != nil {
		s.Logger.Warn("push for unknown instance", zap.String("iId", msg.InstanceID), zap.Error(err))
		return
	}

	exclude := ""
	if sess := s.Sessions.Find(inst.ID, msg.ClientID); sess != nil {
		exclude = sess.ConnID
	}

	s.Router.Broadcast(inst.ID, models.ServerMessage{
		Topic:  "forward",
		Params: models.ForwardEnvelope{Topic: msg.Topic, Params: msg.Params},
	}, exclude)
}
