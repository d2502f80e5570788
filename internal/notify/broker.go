// Package notify publishes accepted status transitions to downstream
// consumers. Transitions go out on a Redis pub/sub channel; the broker also
// fans them out to SSE clients subscribed on this instance, either to the
// whole stream or to a single session.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/attendly/orchestrator-server-go/internal/model"
	redisclient "github.com/attendly/orchestrator-server-go/internal/redis"
)

const (
	HeartbeatInterval = 30 * time.Second

	// SubscribeAll subscribes a client to every session's transitions.
	SubscribeAll = "*"
)

// ErrStaleVersion is returned by Publish when a newer version for the same
// session has already been published. Retried deliveries must stop at that
// point rather than push stale state out of order.
var ErrStaleVersion = errors.New("newer version already published")

// StatusChange is the payload downstream consumers receive on every
// accepted transition.
type StatusChange struct {
	SessionID string              `json:"sessionId"`
	Status    model.SessionStatus `json:"status"`
	Version   int64               `json:"version"`
	Timestamp time.Time           `json:"timestamp"`
}

type Client struct {
	Key     string
	Changes chan StatusChange
	Done    chan struct{}
}

type Broker struct {
	redis       *redisclient.Client
	mu          sync.RWMutex
	clients     map[string]map[*Client]bool // subscription key -> set of clients
	lastVersion map[string]int64            // sessionID -> highest published version
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewBroker(redisClient *redisclient.Client) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		redis:       redisClient,
		clients:     make(map[string]map[*Client]bool),
		lastVersion: make(map[string]int64),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Subscribe registers an SSE client for one session's transitions, or for
// all of them when key is SubscribeAll.
func (b *Broker) Subscribe(key string) *Client {
	client := &Client{
		Key:     key,
		Changes: make(chan StatusChange, 100),
		Done:    make(chan struct{}),
	}

	b.mu.Lock()
	if !b.started {
		b.started = true
		go b.consume()
	}
	if b.clients[key] == nil {
		b.clients[key] = make(map[*Client]bool)
	}
	b.clients[key][client] = true
	count := len(b.clients[key])
	b.mu.Unlock()

	log.Info().
		Str("subscription", key).
		Int("clientCount", count).
		Msg("status stream client subscribed")

	return client
}

func (b *Broker) Unsubscribe(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if clients, ok := b.clients[client.Key]; ok {
		delete(clients, client)
		close(client.Done)

		if len(clients) == 0 {
			delete(b.clients, client.Key)
		}

		log.Info().
			Str("subscription", client.Key).
			Int("clientCount", len(clients)).
			Msg("status stream client unsubscribed")
	}
}

// Publish pushes one accepted transition onto the Redis channel. A change
// older than the latest already published for its session is refused with
// ErrStaleVersion so delivery retries cannot reorder state.
func (b *Broker) Publish(ctx context.Context, change StatusChange) error {
	b.mu.Lock()
	if last, ok := b.lastVersion[change.SessionID]; ok && change.Version < last {
		b.mu.Unlock()
		return ErrStaleVersion
	}
	b.lastVersion[change.SessionID] = change.Version
	b.mu.Unlock()

	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return b.redis.Publish(ctx, redisclient.StatusChannel(), data).Err()
}

// LatestPublished reports the highest version this instance has published
// for the session, and whether anything was published at all.
func (b *Broker) LatestPublished(sessionID string) (int64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.lastVersion[sessionID]
	return v, ok
}

func (b *Broker) consume() {
	pubsub := b.redis.Subscribe(b.ctx, redisclient.StatusChannel())
	defer pubsub.Close()

	log.Debug().Str("channel", redisclient.StatusChannel()).Msg("redis pubsub subscribed")

	ch := pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var change StatusChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal status change")
				continue
			}

			b.broadcast(change)
		}
	}
}

func (b *Broker) broadcast(change StatusChange) {
	b.mu.RLock()
	targets := make([]*Client, 0, 4)
	for client := range b.clients[SubscribeAll] {
		targets = append(targets, client)
	}
	for client := range b.clients[change.SessionID] {
		targets = append(targets, client)
	}
	b.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.Changes <- change:
		default:
			log.Warn().
				Str("sessionId", change.SessionID).
				Msg("client change buffer full, dropping status change")
		}
	}
}

func (b *Broker) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, clients := range b.clients {
		for client := range clients {
			close(client.Done)
		}
	}
	b.clients = make(map[string]map[*Client]bool)
}

func (b *Broker) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, clients := range b.clients {
		total += len(clients)
	}
	return total
}
