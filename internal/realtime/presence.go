package realtime

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

type presenceEntry struct {
	email  string
	handle Handle
}

// Presence tracks which connection currently speaks for each user. A user
// has at most one authoritative handle; the latest login wins. Status
// changes are broadcast to every attached connection, logged in or not.
type Presence struct {
	mu       sync.RWMutex
	attached map[string]Handle        // handle id -> handle
	online   map[string]presenceEntry // user id -> current entry

	// announceMu orders status announcements the same way as the changes
	// to online.
	announceMu sync.Mutex

	logger *logrus.Logger
}

func NewPresence(logger *logrus.Logger) *Presence {
	return &Presence{
		attached: make(map[string]Handle),
		online:   make(map[string]presenceEntry),
		logger:   logger,
	}
}

// Attach makes h a recipient of global status broadcasts.
func (p *Presence) Attach(h Handle) {
	p.mu.Lock()
	p.attached[h.ID()] = h
	p.mu.Unlock()
}

func (p *Presence) Detach(h Handle) {
	p.mu.Lock()
	delete(p.attached, h.ID())
	p.mu.Unlock()
}

// SetOnline registers h as userID's connection, replacing any previous one,
// and announces the user as online.
func (p *Presence) SetOnline(userID, email string, h Handle) {
	p.announceMu.Lock()
	defer p.announceMu.Unlock()

	p.mu.Lock()
	p.online[userID] = presenceEntry{email: email, handle: h}
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"user_id":       userID,
		"connection_id": h.ID(),
	}).Debug("User online")

	p.announce(email, StatusOnline)
}

// Clear removes every presence entry whose current handle is h and announces
// those users offline. Entries that were replaced by a newer login are left
// alone. It returns the ids of the users that went offline.
func (p *Presence) Clear(h Handle) []string {
	var cleared []presenceEntry
	var ids []string

	p.announceMu.Lock()
	defer p.announceMu.Unlock()

	p.mu.Lock()
	for userID, entry := range p.online {
		if entry.handle.ID() == h.ID() {
			delete(p.online, userID)
			cleared = append(cleared, entry)
			ids = append(ids, userID)
		}
	}
	p.mu.Unlock()

	for i, entry := range cleared {
		p.logger.WithFields(logrus.Fields{
			"user_id":       ids[i],
			"connection_id": h.ID(),
		}).Debug("User offline")
		p.announce(entry.email, StatusOffline)
	}

	sort.Strings(ids)
	return ids
}

func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// HandleFor returns the connection currently registered for userID.
func (p *Presence) HandleFor(userID string) (Handle, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.online[userID]
	return entry.handle, ok
}

// Online returns the ids of every online user in sorted order.
func (p *Presence) Online() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (p *Presence) announce(email, status string) {
	payload, err := Encode(EventUserStatus, UserStatusPayload{Email: email, Status: status})
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode user status")
		return
	}

	p.mu.RLock()
	recipients := make([]Handle, 0, len(p.attached))
	for _, h := range p.attached {
		recipients = append(recipients, h)
	}
	p.mu.RUnlock()

	for _, h := range recipients {
		if err := h.Send(payload); err != nil {
			p.logger.WithError(err).WithField("connection_id", h.ID()).Debug("Failed to deliver user status")
		}
	}
}

// Attached returns every connection currently receiving status broadcasts.
func (p *Presence) Attached() []Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Handle, 0, len(p.attached))
	for _, h := range p.attached {
		out = append(out, h)
	}
	return out
}
