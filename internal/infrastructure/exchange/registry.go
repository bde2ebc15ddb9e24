package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/futures_ladder/internal/domain"
	"go.uber.org/zap"
)

// StreamingExchange is an account client that can also push executions.
type StreamingExchange interface {
	domain.Exchange
	StartStream(ctx context.Context, handler domain.ExecutionHandler)
	StopStream()
}

// ClientFactory builds the client of one user.
type ClientFactory func(user *domain.User) (StreamingExchange, error)

// BinanceFactory builds BinanceFutures clients sharing opts except credentials.
func BinanceFactory(opts Options, logger *zap.Logger) ClientFactory {
	return func(user *domain.User) (StreamingExchange, error) {
		if user.APIKey == "" || user.APISecret == "" {
			return nil, fmt.Errorf("user %d has no credentials", user.ID)
		}
		o := opts
		o.APIKey = user.APIKey
		o.APISecret = user.APISecret
		return NewBinanceFutures(user.ID, o, logger), nil
	}
}

type registryEntry struct {
	client StreamingExchange
	key    string
}

// Registry selects the exchange client of each user and keeps the set in
// line with the active users.
type Registry struct {
	users   domain.UserRepository
	factory ClientFactory
	dummy   domain.Exchange
	logger  *zap.Logger

	mu        sync.RWMutex
	clients   map[int64]registryEntry
	handler   domain.ExecutionHandler
	streamCtx context.Context
}

func NewRegistry(users domain.UserRepository, factory ClientFactory, dummy domain.Exchange, logger *zap.Logger) *Registry {
	return &Registry{
		users:   users,
		factory: factory,
		dummy:   dummy,
		logger:  logger,
		clients: make(map[int64]registryEntry),
	}
}

// Client returns the client of userID.
func (r *Registry) Client(userID int64) (domain.Exchange, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrNoClient, userID)
	}
	return e.client, nil
}

// Dummy returns the unauthenticated client used for public reads.
func (r *Registry) Dummy() domain.Exchange {
	return r.dummy
}

// AttachStreams starts a push stream for every current and future client.
func (r *Registry) AttachStreams(ctx context.Context, handler domain.ExecutionHandler) {
	r.mu.Lock()
	r.handler = handler
	r.streamCtx = ctx
	clients := make([]StreamingExchange, 0, len(r.clients))
	for _, e := range r.clients {
		clients = append(clients, e.client)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.StartStream(ctx, handler)
	}
}

// Refresh rebuilds clients for new or re-keyed users and drops clients of
// users no longer active.
func (r *Registry) Refresh(ctx context.Context) error {
	users, err := r.users.ListActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}

	active := make(map[int64]*domain.User, len(users))
	for _, u := range users {
		active[u.ID] = u
	}

	r.mu.Lock()
	var started, stopped []StreamingExchange
	for id, e := range r.clients {
		u, ok := active[id]
		if !ok || u.APIKey+u.APISecret != e.key {
			stopped = append(stopped, e.client)
			delete(r.clients, id)
		}
	}
	for id, u := range active {
		if _, ok := r.clients[id]; ok {
			continue
		}
		c, err := r.factory(u)
		if err != nil {
			r.logger.Warn("Skipping user without usable client", zap.Int64("user_id", id), zap.Error(err))
			continue
		}
		r.clients[id] = registryEntry{client: c, key: u.APIKey + u.APISecret}
		started = append(started, c)
	}
	handler, streamCtx := r.handler, r.streamCtx
	r.mu.Unlock()

	for _, c := range stopped {
		c.StopStream()
	}
	if handler != nil {
		for _, c := range started {
			c.StartStream(streamCtx, handler)
		}
	}
	if len(started)+len(stopped) > 0 {
		r.logger.Info("Client registry refreshed", zap.Int("added", len(started)), zap.Int("removed", len(stopped)))
	}
	return nil
}

// Run refreshes on every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Error("Registry refresh failed", zap.Error(err))
			}
		}
	}
}

// Close stops every stream.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[int64]registryEntry)
	r.mu.Unlock()
	for _, e := range clients {
		e.client.StopStream()
	}
}
