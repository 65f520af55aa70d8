package presence

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/segmentio/fasthash/fnv1a"
	"go.uber.org/zap"
)

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	members map[string]map[string]*Session // identity → session id → session
}

// Registry maps an identity to its live sessions. The map is split into
// shards by identity hash so unrelated identities do not contend.
type Registry struct {
	shards  [shardCount]*shard
	dropped atomic.Uint64
	logger  *zap.Logger
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Sessions   int    `json:"sessions"`
	Identities int    `json:"identities"`
	Dropped    uint64 `json:"dropped_envelopes"`
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	for i := range r.shards {
		r.shards[i] = &shard{members: make(map[string]map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(identity string) *shard {
	return r.shards[fnv1a.HashString32(identity)%shardCount]
}

// Join adds s under identity. Joining the same session twice is a no-op.
func (r *Registry) Join(identity string, s *Session) {
	sh := r.shardFor(identity)
	sh.mu.Lock()
	set, ok := sh.members[identity]
	if !ok {
		set = make(map[string]*Session)
		sh.members[identity] = set
	}
	set[s.ID] = s
	n := len(set)
	sh.mu.Unlock()

	r.logger.Debug("session joined",
		zap.String("username", identity),
		zap.String("session_id", s.ID),
		zap.Int("sessions", n))
}

// Leave removes s from identity and reports whether it was a member.
func (r *Registry) Leave(identity string, s *Session) bool {
	sh := r.shardFor(identity)
	sh.mu.Lock()
	set := sh.members[identity]
	_, ok := set[s.ID]
	if ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(sh.members, identity)
		}
	}
	sh.mu.Unlock()

	if ok {
		r.logger.Debug("session left",
			zap.String("username", identity),
			zap.String("session_id", s.ID))
	}
	return ok
}

// Sessions returns a snapshot of the sessions joined under identity.
func (r *Registry) Sessions(identity string) []*Session {
	sh := r.shardFor(identity)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	set := sh.members[identity]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Fanout queues data on every session currently joined under identity and
// returns how many accepted it. An offline identity yields 0. Sends never
// block; a session with a full buffer misses this envelope.
func (r *Registry) Fanout(identity string, data []byte) int {
	delivered := 0
	for _, s := range r.Sessions(identity) {
		if s.SendRaw(data) {
			delivered++
		} else {
			r.dropped.Add(1)
		}
	}
	return delivered
}

// IsOnline reports whether identity has at least one live session.
func (r *Registry) IsOnline(identity string) bool {
	sh := r.shardFor(identity)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.members[identity]) > 0
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, set := range sh.members {
			n += len(set)
		}
		sh.mu.RUnlock()
	}
	return n
}

// IdentityCount returns the number of identities with live sessions.
func (r *Registry) IdentityCount() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.members)
		sh.mu.RUnlock()
	}
	return n
}

// Identities returns the online identities in lexical order.
func (r *Registry) Identities() []string {
	var out []string
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id := range sh.members {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Stats summarises the registry.
func (r *Registry) Stats() Stats {
	return Stats{
		Sessions:   r.Count(),
		Identities: r.IdentityCount(),
		Dropped:    r.dropped.Load(),
	}
}

// Kick closes every session of identity and returns how many were closed.
// Each session leaves the registry from its own read loop.
func (r *Registry) Kick(identity string) int {
	sessions := r.Sessions(identity)
	for _, s := range sessions {
		s.Close()
	}
	if len(sessions) > 0 {
		r.logger.Info("identity kicked",
			zap.String("username", identity),
			zap.Int("sessions", len(sessions)))
	}
	return len(sessions)
}

// CloseAll closes every live session.
func (r *Registry) CloseAll() {
	var all []*Session
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, set := range sh.members {
			for _, s := range set {
				all = append(all, s)
			}
		}
		sh.mu.RUnlock()
	}
	r.logger.Info("closing all sessions", zap.Int("count", len(all)))
	for _, s := range all {
		s.Close()
	}
}
