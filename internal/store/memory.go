package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"obsapi.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and local runs without a database.
type InMemory struct {
	mu            sync.RWMutex
	now           func() time.Time
	tokens        map[string]AccessToken // owner -> token
	subs          map[string]Subscription
	validations   []TransferValidation
	notifications map[string]NotificationRecord // user|desc -> record
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		now:           time.Now,
		tokens:        make(map[string]AccessToken),
		subs:          make(map[string]Subscription),
		notifications: make(map[string]NotificationRecord),
	}
}

// WithClock overrides the time source used for expiry checks.
func (s *InMemory) WithClock(now func() time.Time) *InMemory {
	s.now = now
	return s
}

func (s *InMemory) Tokens() TokenStore               { return memTokens{s} }
func (s *InMemory) Subscriptions() SubscriptionStore { return memSubs{s} }
func (s *InMemory) Validations() ValidationStore     { return memValidations{s} }
func (s *InMemory) Notifications() NotificationStore { return memNotifications{s} }

type memTokens struct{ s *InMemory }

func (m memTokens) Current(ctx context.Context) (AccessToken, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var (
		best  AccessToken
		found bool
	)
	for _, tok := range m.s.tokens {
		if !found || tok.AuthorisedAt.After(best.AuthorisedAt) {
			best, found = tok, true
		}
	}
	if !found {
		return AccessToken{}, ErrNotFound
	}
	return best, nil
}

func (m memTokens) Save(ctx context.Context, tok AccessToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if tok.AuthorisedAt.IsZero() {
		tok.AuthorisedAt = m.s.now()
	}
	m.s.tokens[tok.OwnerID] = tok
	return nil
}

func (m memTokens) SaveRefreshed(ctx context.Context, tok AccessToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cur, ok := m.s.tokens[tok.OwnerID]
	if !ok {
		return ErrNotFound
	}
	cur.Value = tok.Value
	cur.RefreshValue = tok.RefreshValue
	cur.Expiry = tok.Expiry
	m.s.tokens[tok.OwnerID] = cur
	return nil
}

type memSubs struct{ s *InMemory }

func (m memSubs) Active(ctx context.Context, id string) (Subscription, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	now := m.s.now()
	var candidates []Subscription
	for _, sub := range m.s.subs {
		if id != "" && sub.ID != id {
			continue
		}
		if !sub.Active(now) {
			continue
		}
		tok, ok := m.s.tokens[sub.OwnerID]
		if !ok {
			continue
		}
		sub.AccessToken = tok.Value
		candidates = append(candidates, sub)
	}
	if len(candidates) == 0 {
		return Subscription{}, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Expiry.After(candidates[j].Expiry)
	})
	return candidates[0], nil
}

func (m memSubs) Save(ctx context.Context, sub Subscription) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if prev, ok := m.s.subs[sub.ID]; ok {
		prev.Expiry = sub.Expiry
		if sub.AccessToken != "" {
			prev.AccessToken = sub.AccessToken
		}
		sub = prev
	}
	m.s.subs[sub.ID] = sub
	return nil
}

func (m memSubs) Delete(ctx context.Context, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.subs, id)
	return nil
}

type memValidations struct{ s *InMemory }

func (m memValidations) Create(ctx context.Context, v TransferValidation) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if v.ID == "" {
		v.ID = ids.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.s.now()
	}
	m.s.validations = append(m.s.validations, v)
	return nil
}

func (m memValidations) Open(ctx context.Context, account, code string) (TransferValidation, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, v := range m.s.validations {
		if v.Account == account && v.ValidationString == code && v.Open() {
			return v, nil
		}
	}
	return TransferValidation{}, ErrNotFound
}

func (m memValidations) Record(ctx context.Context, account, code, ipAddress string, accepted bool) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for i, v := range m.s.validations {
		if v.Account != account || v.ValidationString != code {
			continue
		}
		v.IPAddress = ipAddress
		if accepted {
			v.Accepted = true
		} else {
			v.Denied = true
		}
		m.s.validations[i] = v
	}
	return nil
}

type memNotifications struct{ s *InMemory }

func notificationKey(user, desc string) string {
	return strings.ToLower(user) + "|" + desc
}

func (m memNotifications) Log(ctx context.Context, rec NotificationRecord) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := notificationKey(rec.UserID, rec.Description)
	cur, ok := m.s.notifications[key]
	if !ok {
		rec.Count = 1
		rec.LastNotice = m.s.now()
		m.s.notifications[key] = rec
		return nil
	}
	cur.Count++
	cur.LastNotice = m.s.now()
	m.s.notifications[key] = cur
	return nil
}

func (m memNotifications) Notified(ctx context.Context, desc string, since time.Time, maxCount int) ([]string, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []string
	for _, rec := range m.s.notifications {
		if rec.Description != desc {
			continue
		}
		if !rec.LastNotice.Before(since) || rec.Count > maxCount {
			out = append(out, rec.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}
