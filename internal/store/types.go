package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("store: not found")
)

// AccessToken is the service principal's provider token pair. One row per owner.
type AccessToken struct {
	Value        string
	RefreshValue string
	Expiry       time.Time
	OwnerID      string
	RawPayload   []byte
	AuthorisedAt time.Time
}

// Subscription is a provider webhook registration as stored locally.
type Subscription struct {
	ID              string
	ApplicationID   string
	CreatorID       string
	Resource        string
	ChangeType      string
	ClientState     string
	NotificationURL string
	Expiry          time.Time
	OwnerID         string
	// AccessToken is the token current for OwnerID when the row is read; on
	// write it is the copy taken at creation time.
	AccessToken string
}

// Active reports whether the subscription expires after now.
func (s Subscription) Active(now time.Time) bool {
	return s.Expiry.After(now)
}

// TransferValidation is one offered account transfer awaiting a decision.
type TransferValidation struct {
	ID               string
	Account          string
	ValidationString string
	Email            string
	Accepted         bool
	Denied           bool
	IPAddress        string
	CreatedAt        time.Time
}

// Open reports whether the validation can still be consumed.
func (v TransferValidation) Open() bool {
	return !v.Accepted && !v.Denied
}

// NotificationRecord counts how often a user was sent a given notification.
type NotificationRecord struct {
	UserID      string
	FullName    string
	Email       string
	Description string
	Count       int
	LastNotice  time.Time
}
