// Package events fans call lifecycle events out to a redis pub/sub channel.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/supportline/supportline/internal/routing"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventCallQueued  EventType = "call.queued"
	EventCallClaimed EventType = "call.claimed"
	EventCallEnded   EventType = "call.ended"
)

// Event is the JSON payload published for each lifecycle change.
type Event struct {
	Type       EventType `json:"type"`
	CallID     string    `json:"call_id"`
	GuildID    string    `json:"guild_id"`
	ClientID   string    `json:"client_id"`
	ClientName string    `json:"client_name"`
	AdminID    string    `json:"admin_id,omitempty"`
	AdminName  string    `json:"admin_name,omitempty"`
	RoomID     string    `json:"room_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	At         time.Time `json:"at"`
}

// publisher is the subset of *redis.Client used here.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

const (
	defaultBuffer  = 256
	publishTimeout = 3 * time.Second
)

// Publisher is a routing.Observer that publishes events to redis from a
// background goroutine.
type Publisher struct {
	client  publisher
	channel string
	clock   clockwork.Clock
	logger  *slog.Logger
	events  chan Event
}

// NewClient creates a redis client for addr.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// NewPublisher creates a Publisher writing to channel.
func NewPublisher(client publisher, channel string, clk clockwork.Clock, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:  client,
		channel: channel,
		clock:   clk,
		logger:  logger.With("subsystem", "events"),
		events:  make(chan Event, defaultBuffer),
	}
}

// CallQueued implements routing.Observer.
func (p *Publisher) CallQueued(c routing.Call) {
	p.enqueue(eventFor(EventCallQueued, c, p.clock.Now()))
}

// CallClaimed implements routing.Observer.
func (p *Publisher) CallClaimed(c routing.Call) {
	p.enqueue(eventFor(EventCallClaimed, c, p.clock.Now()))
}

// CallEnded implements routing.Observer.
func (p *Publisher) CallEnded(c routing.Call, outcome routing.Outcome, endedAt time.Time) {
	ev := eventFor(EventCallEnded, c, endedAt)
	ev.Outcome = string(outcome)
	p.enqueue(ev)
}

func (p *Publisher) enqueue(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event buffer full, dropping event", "type", string(ev.Type), "call_id", ev.CallID)
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("event publisher started", "channel", p.channel)
	for {
		select {
		case ev := <-p.events:
			if err := p.publish(ctx, ev); err != nil {
				p.logger.Error("failed to publish event",
					"type", string(ev.Type),
					"call_id", ev.CallID,
					"error", err,
				)
			}
		case <-ctx.Done():
			p.logger.Info("event publisher stopped")
			return nil
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", p.channel, err)
	}
	return nil
}

func eventFor(t EventType, c routing.Call, at time.Time) Event {
	return Event{
		Type:       t,
		CallID:     c.ID,
		GuildID:    c.GuildID,
		ClientID:   c.ClientID,
		ClientName: c.ClientName,
		AdminID:    c.AdminID,
		AdminName:  c.AdminName,
		RoomID:     c.PrivateRoomID,
		At:         at,
	}
}
