package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInMemoryActiveSubscriptionJoinsToken(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	s := NewInMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.Subscriptions().Active(ctx, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Tokens().Save(ctx, AccessToken{Value: "tok-1", OwnerID: "svc@uct.ac.za"}); err != nil {
		t.Fatal(err)
	}
	_ = s.Subscriptions().Save(ctx, Subscription{ID: "old", OwnerID: "svc@uct.ac.za", Expiry: now.Add(-time.Minute)})
	_ = s.Subscriptions().Save(ctx, Subscription{ID: "a", OwnerID: "svc@uct.ac.za", Expiry: now.Add(time.Hour)})
	_ = s.Subscriptions().Save(ctx, Subscription{ID: "b", OwnerID: "svc@uct.ac.za", Expiry: now.Add(2 * time.Hour)})

	sub, err := s.Subscriptions().Active(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if sub.ID != "b" || sub.AccessToken != "tok-1" {
		t.Fatalf("unexpected active subscription %+v", sub)
	}
	if _, err := s.Subscriptions().Active(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired subscription must not be active, got %v", err)
	}

	if err := s.Tokens().SaveRefreshed(ctx, AccessToken{Value: "tok-2", OwnerID: "svc@uct.ac.za"}); err != nil {
		t.Fatal(err)
	}
	sub, _ = s.Subscriptions().Active(ctx, "a")
	if sub.AccessToken != "tok-2" {
		t.Fatalf("expected refreshed token, got %q", sub.AccessToken)
	}
}

func TestInMemoryValidationConsumedOnce(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	_ = s.Validations().Create(ctx, TransferValidation{Account: "t123", ValidationString: "code"})

	if _, err := s.Validations().Open(ctx, "t123", "code"); err != nil {
		t.Fatalf("expected open validation: %v", err)
	}
	_ = s.Validations().Record(ctx, "t123", "code", "10.0.0.1", false)
	if _, err := s.Validations().Open(ctx, "t123", "code"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("denied validation must be consumed, got %v", err)
	}
}

func TestInMemoryNotifiedThrottle(t *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	s := NewInMemory().WithClock(func() time.Time { return now })
	ctx := context.Background()

	_ = s.Notifications().Log(ctx, NotificationRecord{UserID: "t1", Description: "transfer"})
	now = now.Add(30 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		_ = s.Notifications().Log(ctx, NotificationRecord{UserID: "t2", Description: "transfer"})
	}
	now = now.Add(30 * 24 * time.Hour)

	got, err := s.Notifications().Notified(ctx, "transfer", now.Add(-7*24*time.Hour), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "t2" {
		t.Fatalf("expected only heavily notified user, got %v", got)
	}
}
