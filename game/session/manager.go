package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kasuganosora/animsession/cache"
	"github.com/kasuganosora/animsession/game/character"
	"go.uber.org/zap"
)

const attachAttempts = 3

// Manager creates session actors on first use, one per owner.
type Manager struct {
	mu      sync.RWMutex
	actors  map[string]*Actor
	store   character.Store
	history character.History
	cache   cache.Cache
	pubsub  cache.PubSub
	opts    Options
	logger  *zap.Logger
}

// NewManager creates a new Manager. The logger is used as the root for the
// SessionManager, SessionActor and CharacterEngine components.
func NewManager(store character.Store, history character.History, c cache.Cache, ps cache.PubSub, opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		actors:  make(map[string]*Actor),
		store:   store,
		history: history,
		cache:   c,
		pubsub:  ps,
		opts:    opts.withDefaults(),
		logger:  logger,
	}
}

// GetOrCreate returns the actor for ownerID, creating and starting it if needed.
func (m *Manager) GetOrCreate(ownerID string) *Actor {
	m.mu.RLock()
	a, ok := m.actors[ownerID]
	m.mu.RUnlock()
	if ok {
		return a
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok = m.actors[ownerID]; ok {
		return a
	}
	engine := character.NewEngine(ownerID, m.store, m.history, m.logger.Named("CharacterEngine"))
	a = newActor(ownerID, engine, m.cache, m.pubsub, m.opts, m.logger.Named("SessionActor"))
	m.actors[ownerID] = a
	go a.run()
	m.logger.Named("SessionManager").Info("session actor created", zap.String("owner_id", ownerID))
	return a
}

// Get returns the actor for ownerID, or nil if none is running.
func (m *Manager) Get(ownerID string) *Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actors[ownerID]
}

// Attach connects conn to ownerID's session. If the actor it finds is being
// reaped, a fresh one is created and the attach is retried.
func (m *Manager) Attach(ctx context.Context, ownerID string, conn Conn, meta ConnectionData) (*Actor, error) {
	var err error
	for i := 0; i < attachAttempts; i++ {
		a := m.GetOrCreate(ownerID)
		if err = a.Attach(ctx, conn, meta); err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrStopped) {
			return nil, err
		}
		m.forget(ownerID, a)
	}
	return nil, err
}

// Query runs fn against ownerID's actor, creating it if needed. Like Attach, a
// reaped actor is replaced and fn is retried on the new one.
func (m *Manager) Query(ctx context.Context, ownerID string, fn func(*Actor) error) error {
	var err error
	for i := 0; i < attachAttempts; i++ {
		a := m.GetOrCreate(ownerID)
		if err = fn(a); !errors.Is(err, ErrStopped) {
			return err
		}
		m.forget(ownerID, a)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// ReapIdle stops actors with no open connections that have been quiet for
// timeout, and returns how many were stopped. Actors still bootstrapping are
// left alone.
func (m *Manager) ReapIdle(ctx context.Context, timeout time.Duration) int {
	n := 0
	for _, a := range m.snapshot() {
		select {
		case <-a.Ready():
		default:
			continue
		}
		stopped, err := a.stopIfIdle(ctx, timeout)
		if err != nil {
			m.logger.Named("SessionManager").Warn("idle check failed",
				zap.String("owner_id", a.OwnerID()), zap.Error(err))
			continue
		}
		if stopped {
			m.forget(a.OwnerID(), a)
			n++
		}
	}
	return n
}

// forget removes a from the table if it is still the actor for ownerID.
func (m *Manager) forget(ownerID string, a *Actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actors[ownerID] == a {
		delete(m.actors, ownerID)
	}
}

func (m *Manager) snapshot() []*Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		out = append(out, a)
	}
	return out
}

// Count returns the number of running actors.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.actors)
}

// OwnerIDs returns the owners with a running actor, sorted.
func (m *Manager) OwnerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionCount sums open connections across all actors.
func (m *Manager) ConnectionCount() int {
	n := 0
	for _, a := range m.snapshot() {
		n += a.ConnectionCount()
	}
	return n
}

// StopAll stops every actor (used at server shutdown).
func (m *Manager) StopAll() {
	m.mu.Lock()
	actors := make([]*Actor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()
	for _, a := range actors {
		a.Stop()
	}
}
