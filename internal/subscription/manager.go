// Package subscription keeps the provider webhook subscription alive: it
// creates, renews and deletes it and reports whether one is active.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"obsapi.org/internal/apperr"
	"obsapi.org/internal/audit"
	"obsapi.org/internal/graph"
	"obsapi.org/internal/ids"
	"obsapi.org/internal/obs"
	"obsapi.org/internal/store"
)

// Window is how far into the future each create or renew pushes the expiry.
const Window = 4229 * time.Minute

// State is the lifecycle state reported to health checks.
type State string

const (
	StateNone   State = "NONE"
	StateActive State = "ACTIVE"
)

// Provider is the subset of the provider API the manager drives.
type Provider interface {
	CreateSubscription(ctx context.Context, token string, req graph.SubscriptionRequest) (graph.Subscription, error)
	PatchSubscription(ctx context.Context, token, id string, expiry time.Time) (graph.Subscription, error)
	DeleteSubscription(ctx context.Context, token, id string) error
}

// Settings describe the subscription requested from the provider.
type Settings struct {
	NotificationURL string
	Resource        string
	ChangeType      string
	// ClientState is the shared secret; a fresh one is generated per create when empty.
	ClientState string
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the subscription lifecycle.
type Manager struct {
	provider Provider
	subs     store.SubscriptionStore
	tokens   store.TokenStore
	settings Settings
	now      func() time.Time
}

// New builds a Manager.
func New(provider Provider, subs store.SubscriptionStore, tokens store.TokenStore, settings Settings, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		subs:     subs,
		tokens:   tokens,
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers a new subscription owned by tok and stores it.
func (m *Manager) Create(ctx context.Context, tok store.AccessToken) (store.Subscription, error) {
	secret := m.settings.ClientState
	if secret == "" {
		secret = ids.Secret()
	}
	expiry := m.now().Add(Window).UTC()
	remote, err := m.provider.CreateSubscription(ctx, tok.Value, graph.SubscriptionRequest{
		ChangeType:         m.settings.ChangeType,
		NotificationURL:    m.settings.NotificationURL,
		Resource:           m.settings.Resource,
		ClientState:        secret,
		ExpirationDateTime: expiry,
	})
	if err != nil {
		obs.CountSubscriptionOp("create", "error")
		return store.Subscription{}, err
	}

	sub := fromRemote(remote, tok)
	if sub.ClientState == "" {
		sub.ClientState = secret
	}
	if sub.Expiry.IsZero() {
		sub.Expiry = expiry
	}
	if err := m.subs.Save(ctx, sub); err != nil {
		obs.CountSubscriptionOp("create", "error")
		obs.Logger().Error("subscription created remotely but not stored",
			zap.String("subscription_id", sub.ID), zap.Error(err))
		return store.Subscription{}, apperr.Persistence("save subscription", err)
	}
	obs.CountSubscriptionOp("create", "ok")
	_ = audit.LogEvent(ctx, "subscription.created", map[string]any{
		"subscription_id": sub.ID,
		"owner":           sub.OwnerID,
		"expires":         sub.Expiry,
	})
	return sub, nil
}

// Renew extends subscription id by Window. The stored row is only replaced
// once the provider accepted the new expiry.
func (m *Manager) Renew(ctx context.Context, id string) (store.Subscription, error) {
	tok, err := m.tokens.Current(ctx)
	if err != nil {
		obs.CountSubscriptionOp("renew", "error")
		return store.Subscription{}, fmt.Errorf("load token: %w", err)
	}
	expiry := m.now().Add(Window).UTC()
	remote, err := m.provider.PatchSubscription(ctx, tok.Value, id, expiry)
	if err != nil {
		obs.CountSubscriptionOp("renew", "error")
		return store.Subscription{}, err
	}

	sub := fromRemote(remote, tok)
	if sub.ID == "" {
		sub.ID = id
	}
	if sub.Expiry.IsZero() {
		sub.Expiry = expiry
	}
	if sub.ClientState == "" {
		sub.ClientState = m.settings.ClientState
	}
	if err := m.subs.Save(ctx, sub); err != nil {
		obs.CountSubscriptionOp("renew", "error")
		return store.Subscription{}, apperr.Persistence("save renewed subscription", err)
	}
	obs.CountSubscriptionOp("renew", "ok")
	obs.Logger().Info("subscription renewed", zap.String("subscription_id", sub.ID), zap.Time("expires", sub.Expiry))
	return sub, nil
}

// RenewActive renews the newest active subscription.
func (m *Manager) RenewActive(ctx context.Context) (store.Subscription, error) {
	cur, err := m.Current(ctx)
	if err != nil {
		return store.Subscription{}, err
	}
	return m.Renew(ctx, cur.ID)
}

// Delete removes subscription id remotely when possible and locally always.
func (m *Manager) Delete(ctx context.Context, id string) error {
	tok, err := m.tokens.Current(ctx)
	switch {
	case err != nil:
		obs.Logger().Warn("skipping remote subscription delete: no token", zap.String("subscription_id", id), zap.Error(err))
	default:
		if err := m.provider.DeleteSubscription(ctx, tok.Value, id); err != nil {
			obs.Logger().Warn("remote subscription delete failed", zap.String("subscription_id", id), zap.Error(err))
		}
	}
	if err := m.subs.Delete(ctx, id); err != nil {
		obs.CountSubscriptionOp("delete", "error")
		return apperr.Persistence("delete subscription", err)
	}
	obs.CountSubscriptionOp("delete", "ok")
	_ = audit.LogEvent(ctx, "subscription.deleted", map[string]any{"subscription_id": id})
	return nil
}

// Current returns the newest active subscription or store.ErrNotFound.
func (m *Manager) Current(ctx context.Context) (store.Subscription, error) {
	return m.subs.Active(ctx, "")
}

// State reports whether an active subscription exists.
func (m *Manager) State(ctx context.Context) State {
	if _, err := m.Current(ctx); err != nil {
		return StateNone
	}
	return StateActive
}

// Ensure renews the active subscription, or creates one from the stored token
// when none is active.
func (m *Manager) Ensure(ctx context.Context) (store.Subscription, error) {
	sub, err := m.RenewActive(ctx)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return sub, err
	}
	tok, err := m.tokens.Current(ctx)
	if err != nil {
		return store.Subscription{}, fmt.Errorf("no active subscription and no stored token: %w", err)
	}
	return m.Create(ctx, tok)
}

// Run calls Ensure immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	tick := func() {
		sub, err := m.Ensure(ctx)
		if err != nil {
			obs.Logger().Error("subscription upkeep failed", zap.Error(err))
			obs.SetReady(false)
			return
		}
		obs.SetReady(true)
		obs.Logger().Debug("subscription upkeep done", zap.String("subscription_id", sub.ID))
	}
	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func fromRemote(r graph.Subscription, tok store.AccessToken) store.Subscription {
	return store.Subscription{
		ID:              r.ID,
		ApplicationID:   r.ApplicationID,
		CreatorID:       r.CreatorID,
		Resource:        r.Resource,
		ChangeType:      r.ChangeType,
		ClientState:     r.ClientState,
		NotificationURL: r.NotificationURL,
		Expiry:          r.ExpirationDateTime.UTC(),
		OwnerID:         tok.OwnerID,
		AccessToken:     tok.Value,
	}
}
