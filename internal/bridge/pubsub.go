package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ayobaapps/bgm-recorder/internal/appstats"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub"
	"github.com/ayobaapps/bgm-recorder/internal/pubsub/events"
	log "github.com/sirupsen/logrus"
)

var _ Host = (*PubSubHost)(nil)

// PubSubHost reaches the native shell through the control plane. Calls are
// published as bridgeCall events; the getters answer from the last
// hostProfile event.
type PubSubHost struct {
	ps        pubsub.PubSub
	channel   string
	sessionId string
	logger    *log.Entry

	mu      sync.RWMutex
	profile events.HostProfile
}

func NewPubSubHost(ctx context.Context, ps pubsub.PubSub, channel string) *PubSubHost {
	id, _ := ctx.Value("session").(string)
	return &PubSubHost{
		ps:        ps,
		channel:   channel,
		sessionId: id,
		logger:    log.WithField("session", ctx.Value("session")),
	}
}

func (h *PubSubHost) publish(method string, args ...interface{}) {
	msg := events.NewBridgeCall(h.sessionId, method, args...)
	j, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorf("failed to encode bridge call %s: %v", method, err)
		return
	}
	if err := h.ps.Publish(h.channel, j); err != nil {
		h.logger.Errorf("failed to publish bridge call %s: %v", method, err)
		return
	}
	appstats.OnServerResponse(msg)
}

func (h *PubSubHost) Finish()                     { h.publish("finish") }
func (h *PubSubHost) SendMessage(text string)     { h.publish("sendMessage", text) }
func (h *PubSubHost) ComposeMessage(draft string) { h.publish("composeMessage", draft) }

func (h *PubSubHost) SendMedia(url, mimeType string) {
	h.publish("sendMedia", url, mimeType)
}

func (h *PubSubHost) SendLocation(lat, lon float64) {
	h.publish("sendLocation", lat, lon)
}

// UpdateProfile stores the answers for the synchronous getters.
func (h *PubSubHost) UpdateProfile(p events.HostProfile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.profile = p
}

func (h *PubSubHost) Country() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.profile.Country
}

func (h *PubSubHost) Msisdn() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.profile.Msisdn
}

func (h *PubSubHost) CanSendMessage() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.profile.CanSendMessage
}

func (h *PubSubHost) Language() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.profile.Language
}
