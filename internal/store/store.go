package store

import (
	"context"
	"time"
)

// TokenStore persists the single active access token.
type TokenStore interface {
	Current(ctx context.Context) (AccessToken, error)
	Save(ctx context.Context, tok AccessToken) error
	SaveRefreshed(ctx context.Context, tok AccessToken) error
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	// Active returns the newest subscription with expiry after now, limited to
	// id when id is non-empty.
	Active(ctx context.Context, id string) (Subscription, error)
	// Save inserts sub; for an existing id only the expiry and a non-empty
	// token are replaced.
	Save(ctx context.Context, sub Subscription) error
	Delete(ctx context.Context, id string) error
}

// ValidationStore persists account transfer validations.
type ValidationStore interface {
	Create(ctx context.Context, v TransferValidation) error
	// Open returns the unconsumed validation for account and code, or ErrNotFound.
	Open(ctx context.Context, account, code string) (TransferValidation, error)
	Record(ctx context.Context, account, code, ipAddress string, accepted bool) error
}

// NotificationStore tracks per-user notification counters used for throttling.
type NotificationStore interface {
	Log(ctx context.Context, rec NotificationRecord) error
	// Notified returns user ids notified with desc since `since` or more than maxCount times.
	Notified(ctx context.Context, desc string, since time.Time, maxCount int) ([]string, error)
}

// Store bundles every persistence concern.
type Store interface {
	Tokens() TokenStore
	Subscriptions() SubscriptionStore
	Validations() ValidationStore
	Notifications() NotificationStore
}
