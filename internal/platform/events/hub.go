package events

import (
	"context"
	"strings"

	"github.com/careline/intake/internal/platform/websocket"
)

// HubPublisher forwards events to websocket subscribers of the hospital's
// queue or alerts topic.
type HubPublisher struct {
	hub *websocket.Hub
}

func NewHubPublisher(hub *websocket.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) Publish(_ context.Context, ev Event) error {
	topic := topicFor(ev)
	if topic == "" {
		return nil
	}
	p.hub.Broadcast(topic, websocket.Event{
		Type:      ev.Type,
		EntityID:  ev.EntityID,
		Timestamp: ev.OccurredAt,
		Data:      ev.Data,
	})
	return nil
}

func topicFor(ev Event) string {
	if ev.HospitalID == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(ev.Type, "alert."):
		return websocket.AlertsTopic(ev.HospitalID)
	case strings.HasPrefix(ev.Type, "intake."), strings.HasPrefix(ev.Type, "queue."):
		return websocket.QueueTopic(ev.HospitalID)
	}
	return ""
}
