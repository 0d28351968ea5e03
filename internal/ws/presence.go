package ws

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/lo"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
)

type presenceRecord struct {
	mu      sync.Mutex
	online  bool
	version uint64
	session *Session
}

// PresenceTracker owns the online state of every participant and fans
// transitions out to interested sessions. Each participant's transitions are
// serialized by its record lock, which also covers the fan-out, so observers
// see them in version order.
type PresenceTracker struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	records map[int]*presenceRecord

	imu       sync.Mutex
	interests map[int]map[*Session]struct{}
	queried   map[*Session]map[int]struct{}
}

// NewPresenceTracker constructs a PresenceTracker.
func NewPresenceTracker(registry *Registry, logger *slog.Logger) *PresenceTracker {
	return &PresenceTracker{
		registry:  registry,
		logger:    logger,
		records:   make(map[int]*presenceRecord),
		interests: make(map[int]map[*Session]struct{}),
		queried:   make(map[*Session]map[int]struct{}),
	}
}

func (p *PresenceTracker) record(userID int) *presenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[userID]
	if !ok {
		rec = &presenceRecord{}
		p.records[userID] = rec
	}
	return rec
}

// Connect marks the participant of s online, binds s as its session and fans
// the transition out. It returns the session s replaces, if any.
func (p *PresenceTracker) Connect(s *Session) *Session {
	userID := s.UserID()
	rec := p.record(userID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	previous := rec.session
	rec.session = s
	rec.online = true
	rec.version++
	p.fanOutLocked(userID, true, s, previous)
	observability.IncPresence(true)
	p.logger.Info("participant online", "user_id", userID, "version", rec.version, "conn_id", s.info.ConnID)
	return previous
}

// Disconnect marks the participant of s offline unless a newer session has
// already replaced s. It reports whether a transition happened.
func (p *PresenceTracker) Disconnect(s *Session) bool {
	p.forget(s)

	userID := s.UserID()
	rec := p.record(userID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.session != s {
		return false
	}
	rec.session = nil
	rec.online = false
	rec.version++
	p.fanOutLocked(userID, false, s, nil)
	observability.IncPresence(false)
	p.logger.Info("participant offline", "user_id", userID, "version", rec.version, "conn_id", s.info.ConnID)
	return true
}

// fanOutLocked must run under the subject's record lock.
func (p *PresenceTracker) fanOutLocked(subject int, online bool, skip ...*Session) {
	event := models.UserStatusEvent{Type: models.EventUserStatus, UserID: subject, IsOnline: online}
	for _, target := range p.interested(subject) {
		if lo.Contains(skip, target) || target.UserID() == subject {
			continue
		}
		if err := target.Send(event); err != nil {
			p.logger.Debug("presence delivery dropped", "user_id", subject, "target", target.UserID(), "err", err)
		}
	}
}

func (p *PresenceTracker) interested(subject int) []*Session {
	targets := p.registry.Watchers(subject)

	p.imu.Lock()
	for s := range p.interests[subject] {
		targets = append(targets, s)
	}
	p.imu.Unlock()

	return lo.Uniq(targets)
}

// Query registers explicit interest of s in userID and replies with the
// current state.
func (p *PresenceTracker) Query(s *Session, userID int) error {
	p.imu.Lock()
	set, ok := p.interests[userID]
	if !ok {
		set = make(map[*Session]struct{})
		p.interests[userID] = set
	}
	set[s] = struct{}{}
	subjects, ok := p.queried[s]
	if !ok {
		subjects = make(map[int]struct{})
		p.queried[s] = subjects
	}
	subjects[userID] = struct{}{}
	p.imu.Unlock()

	return p.Announce(s, userID)
}

// Announce sends the current state of userID to s. It reads and sends under
// the record lock so it cannot overtake a concurrent transition.
func (p *PresenceTracker) Announce(s *Session, userID int) error {
	rec := p.record(userID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return s.Send(models.UserStatusEvent{Type: models.EventUserStatus, UserID: userID, IsOnline: rec.online})
}

func (p *PresenceTracker) forget(s *Session) {
	p.imu.Lock()
	defer p.imu.Unlock()
	for subject := range p.queried[s] {
		if set, ok := p.interests[subject]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(p.interests, subject)
			}
		}
	}
	delete(p.queried, s)
}

// IsOnline reports the current state of userID.
func (p *PresenceTracker) IsOnline(userID int) bool {
	p.mu.Lock()
	rec, ok := p.records[userID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.online
}

// SessionOf returns the live session of userID, or nil.
func (p *PresenceTracker) SessionOf(userID int) *Session {
	p.mu.Lock()
	rec, ok := p.records[userID]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.session
}

// Online returns the ids of every online participant in ascending order.
func (p *PresenceTracker) Online() []int {
	p.mu.Lock()
	ids := lo.Keys(p.records)
	p.mu.Unlock()

	online := lo.Filter(ids, func(id int, _ int) bool { return p.IsOnline(id) })
	sort.Ints(online)
	return online
}
