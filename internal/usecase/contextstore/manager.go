// Package contextstore manages per-agent conversation context: a write-through
// LRU cache in front of a durable store, TTL expiry, and cross-agent sharing.
package contextstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"maestro/internal/domain"
)

// sharedFromKey carries provenance metadata on a target context after a share.
const sharedFromKey = "_shared_from"

// Options tunes the manager.
type Options struct {
	TTL           time.Duration
	CacheSize     int
	SweepSchedule string // cron spec; empty disables the sweeper
}

// Stats is a snapshot of manager state.
type Stats struct {
	CachedContexts int    `json:"cached_contexts"`
	CacheCapacity  int    `json:"cache_capacity"`
	CurrentSession string `json:"current_session"`
	TTL            string `json:"ttl"`
}

// SessionExport is a portable dump of one session's contexts.
type SessionExport struct {
	SessionID  string                    `json:"session_id"`
	ExportedAt time.Time                 `json:"exported_at"`
	Contexts   map[string]map[string]any `json:"contexts"`
}

// Manager is the context façade agents talk to. Reads hit the cache first;
// writes go through to the store. Expired records are treated as absent and
// purged lazily on access.
type Manager struct {
	store    domain.ContextStore
	cache    *lru.Cache[string, domain.ContextRecord]
	capacity int
	ttl      time.Duration
	session  string
	logger   *slog.Logger
	events   domain.EventBus
	sweeper  *cron.Cron
	now      func() time.Time
}

// NewManager wires a manager over the given store. A fresh session ID is
// minted per manager.
func NewManager(store domain.ContextStore, opts Options, logger *slog.Logger) (*Manager, error) {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	cache, err := lru.New[string, domain.ContextRecord](opts.CacheSize)
	if err != nil {
		return nil, domain.WrapOp("contextstore.NewManager", err)
	}
	m := &Manager{
		store:    store,
		cache:    cache,
		capacity: opts.CacheSize,
		ttl:      opts.TTL,
		session:  domain.NewID(),
		logger:   logger,
		now:      time.Now,
	}
	if opts.SweepSchedule != "" {
		m.sweeper = cron.New()
		_, err := m.sweeper.AddFunc(opts.SweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := m.CleanupExpired(ctx); err != nil {
				logger.Error("context sweep failed", "error", err)
			}
		})
		if err != nil {
			return nil, domain.WrapOp("contextstore.NewManager", err)
		}
		m.sweeper.Start()
	}
	logger.Info("context manager initialized", "session", m.session, "ttl", opts.TTL)
	return m, nil
}

// SetEventBus enables context.shared events.
func (m *Manager) SetEventBus(events domain.EventBus) { m.events = events }

// SessionID returns the manager's current session.
func (m *Manager) SessionID() string { return m.session }

func (m *Manager) key(agent, sessionID string) string { return agent + "|" + sessionID }

func (m *Manager) resolveSession(sessionID string) string {
	if sessionID == "" {
		return m.session
	}
	return sessionID
}

// Save stores an agent's context, resetting its TTL clock.
func (m *Manager) Save(ctx context.Context, agent string, data map[string]any, sessionID string) error {
	sessionID = m.resolveSession(sessionID)
	now := m.now()
	rec := domain.ContextRecord{
		Agent:     agent,
		SessionID: sessionID,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return domain.WrapOp("contextstore.Save", err)
	}
	m.cache.Add(m.key(agent, sessionID), rec)
	m.logger.Debug("context saved", "agent", agent, "session", sessionID)
	return nil
}

// Load returns an agent's context, or ErrContextNotFound when there is none
// or it has expired. Expired records are purged as a side effect.
func (m *Manager) Load(ctx context.Context, agent, sessionID string) (map[string]any, error) {
	sessionID = m.resolveSession(sessionID)
	key := m.key(agent, sessionID)

	if rec, ok := m.cache.Get(key); ok {
		if !rec.Expired(m.ttl, m.now()) {
			return rec.Data, nil
		}
		m.cache.Remove(key)
		_ = m.store.Delete(ctx, agent, sessionID)
		return nil, domain.NewDomainError("contextstore.Load", domain.ErrContextNotFound, "expired")
	}

	rec, err := m.store.Get(ctx, agent, sessionID)
	if err != nil {
		return nil, domain.WrapOp("contextstore.Load", err)
	}
	if rec.Expired(m.ttl, m.now()) {
		_ = m.store.Delete(ctx, agent, sessionID)
		return nil, domain.NewDomainError("contextstore.Load", domain.ErrContextNotFound, "expired")
	}
	m.cache.Add(key, *rec)
	return rec.Data, nil
}

// Share copies the named keys from the source agent's context into the target
// agent's, recording provenance under _shared_from. Keys absent from the
// source are skipped; a share with no surviving keys is a no-op.
func (m *Manager) Share(ctx context.Context, sourceAgent, targetAgent string, keys []string, sessionID string) error {
	sessionID = m.resolveSession(sessionID)

	source, err := m.Load(ctx, sourceAgent, sessionID)
	if err != nil {
		return domain.WrapOp("contextstore.Share", err)
	}

	shared := make(map[string]any)
	for _, k := range keys {
		if v, ok := source[k]; ok {
			shared[k] = v
		}
	}
	if len(shared) == 0 {
		m.logger.Warn("no matching context keys to share",
			"source", sourceAgent, "target", targetAgent, "keys", keys)
		return nil
	}

	target, err := m.Load(ctx, targetAgent, sessionID)
	if err != nil {
		target = make(map[string]any)
	}
	for k, v := range shared {
		target[k] = v
	}
	target[sharedFromKey] = map[string]any{
		"source_agent": sourceAgent,
		"shared_keys":  keys,
		"shared_at":    m.now().Format(time.RFC3339Nano),
	}

	if err := m.Save(ctx, targetAgent, target, sessionID); err != nil {
		return err
	}
	m.logger.Info("context shared",
		"source", sourceAgent, "target", targetAgent, "keys", keys, "session", sessionID)
	m.publishShared(ctx, sourceAgent, targetAgent, keys, sessionID)
	return nil
}

// SessionContext returns all unexpired contexts of a session keyed by agent.
func (m *Manager) SessionContext(ctx context.Context, sessionID string) (map[string]map[string]any, error) {
	sessionID = m.resolveSession(sessionID)
	recs, err := m.store.ListSession(ctx, sessionID)
	if err != nil {
		return nil, domain.WrapOp("contextstore.SessionContext", err)
	}
	out := make(map[string]map[string]any, len(recs))
	now := m.now()
	for _, rec := range recs {
		if rec.Expired(m.ttl, now) {
			continue
		}
		out[rec.Agent] = rec.Data
	}
	return out, nil
}

// Clear removes one agent's context from cache and store.
func (m *Manager) Clear(ctx context.Context, agent, sessionID string) error {
	sessionID = m.resolveSession(sessionID)
	m.cache.Remove(m.key(agent, sessionID))
	if err := m.store.Delete(ctx, agent, sessionID); err != nil {
		return domain.WrapOp("contextstore.Clear", err)
	}
	m.logger.Info("context cleared", "agent", agent, "session", sessionID)
	return nil
}

// ClearSession removes every context of a session.
func (m *Manager) ClearSession(ctx context.Context, sessionID string) error {
	sessionID = m.resolveSession(sessionID)
	recs, err := m.store.ListSession(ctx, sessionID)
	if err != nil {
		return domain.WrapOp("contextstore.ClearSession", err)
	}
	for _, rec := range recs {
		m.cache.Remove(m.key(rec.Agent, sessionID))
		_ = m.store.Delete(ctx, rec.Agent, sessionID)
	}
	m.logger.Info("session context cleared", "session", sessionID, "count", len(recs))
	return nil
}

// CleanupExpired purges expired records from cache and store and returns the
// number removed from the store.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	now := m.now()
	for _, key := range m.cache.Keys() {
		if rec, ok := m.cache.Peek(key); ok && rec.Expired(m.ttl, now) {
			m.cache.Remove(key)
		}
	}
	n, err := m.store.DeleteOlderThan(ctx, now.Add(-m.ttl))
	if err != nil {
		return 0, domain.WrapOp("contextstore.CleanupExpired", err)
	}
	if n > 0 {
		m.logger.Info("expired contexts cleaned up", "count", n)
	}
	return n, nil
}

// ExportSession dumps a session to a portable structure.
func (m *Manager) ExportSession(ctx context.Context, sessionID string) (*SessionExport, error) {
	sessionID = m.resolveSession(sessionID)
	contexts, err := m.SessionContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionExport{
		SessionID:  sessionID,
		ExportedAt: m.now(),
		Contexts:   contexts,
	}, nil
}

// ImportSession restores an exported session.
func (m *Manager) ImportSession(ctx context.Context, export *SessionExport) error {
	if export == nil || export.SessionID == "" {
		return domain.NewDomainError("contextstore.ImportSession", domain.ErrInvalidInput, "session id required")
	}
	for agent, data := range export.Contexts {
		if err := m.Save(ctx, agent, data, export.SessionID); err != nil {
			return err
		}
	}
	m.logger.Info("session imported", "session", export.SessionID, "contexts", len(export.Contexts))
	return nil
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() Stats {
	return Stats{
		CachedContexts: m.cache.Len(),
		CacheCapacity:  m.capacity,
		CurrentSession: m.session,
		TTL:            m.ttl.String(),
	}
}

// Close stops the sweeper, runs a final cleanup, and closes the store.
func (m *Manager) Close(ctx context.Context) error {
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	if _, err := m.CleanupExpired(ctx); err != nil {
		m.logger.Warn("final context cleanup failed", "error", err)
	}
	return m.store.Close()
}

func (m *Manager) publishShared(ctx context.Context, source, target string, keys []string, sessionID string) {
	if m.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"source_agent": source,
		"target_agent": target,
		"shared_keys":  keys,
	})
	if err != nil {
		return
	}
	m.events.Publish(ctx, domain.Event{
		Type:      domain.EventContextShared,
		Timestamp: m.now(),
		SessionID: sessionID,
		Payload:   payload,
	})
}
