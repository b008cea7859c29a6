package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"obsapi.org/internal/store"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestTokenCurrent(t *testing.T) {
	s, mock := newMock(t)
	expiry := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	authorised := expiry.Add(-time.Hour)

	mock.ExpectQuery("select account, token, refresh_token, expiration_date, authorisation_date, last_payload").
		WillReturnRows(sqlmock.NewRows([]string{"account", "token", "refresh_token", "expiration_date", "authorisation_date", "last_payload"}).
			AddRow("svc@uct.ac.za", "tok", "ref", expiry, authorised, []byte(`{"a":1}`)))

	tok, err := s.Tokens().Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if tok.OwnerID != "svc@uct.ac.za" || tok.Value != "tok" || tok.RefreshValue != "ref" || !tok.Expiry.Equal(expiry) {
		t.Fatalf("unexpected token %+v", tok)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTokenCurrentEmpty(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from tokens").WillReturnError(sql.ErrNoRows)
	if _, err := s.Tokens().Current(context.Background()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTokenSaveUpserts(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into tokens .* on conflict \\(account\\) do update").
		WithArgs("svc@uct.ac.za", "tok", "ref", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Tokens().Save(context.Background(), store.AccessToken{
		OwnerID: "svc@uct.ac.za", Value: "tok", RefreshValue: "ref", Expiry: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTokenSaveRefreshedUnknownOwner(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update tokens set token").
		WithArgs("tok2", "ref2", sqlmock.AnyArg(), "nobody").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Tokens().SaveRefreshed(context.Background(), store.AccessToken{OwnerID: "nobody", Value: "tok2", RefreshValue: "ref2"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionActive(t *testing.T) {
	s, mock := newMock(t)
	expiry := time.Now().Add(48 * time.Hour).UTC()
	cols := []string{"id", "application_id", "creator_id", "resource", "change_type", "client_state", "notification_url", "account", "token", "expiration_date"}

	mock.ExpectQuery("from subscriptions s\\s+join tokens t").WithArgs("").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("sub-1", "app", "creator", "me/events", "created", "secret", "https://hook", "svc@uct.ac.za", "tok", expiry))

	sub, err := s.Subscriptions().Active(context.Background(), "")
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if sub.ID != "sub-1" || sub.ClientState != "secret" || sub.AccessToken != "tok" {
		t.Fatalf("unexpected subscription %+v", sub)
	}

	mock.ExpectQuery("from subscriptions s").WithArgs("gone").WillReturnRows(sqlmock.NewRows(cols))
	if _, err := s.Subscriptions().Active(context.Background(), "gone"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubscriptionSaveAndDelete(t *testing.T) {
	s, mock := newMock(t)
	expiry := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into subscriptions").
		WithArgs("sub-1", "", "", "me/events", "created", "secret", "https://hook", "svc@uct.ac.za", "tok", expiry).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("delete from subscriptions where id").WithArgs("sub-1").WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	err := s.Subscriptions().Save(ctx, store.Subscription{
		ID: "sub-1", Resource: "me/events", ChangeType: "created", ClientState: "secret",
		NotificationURL: "https://hook", OwnerID: "svc@uct.ac.za", AccessToken: "tok", Expiry: expiry,
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Subscriptions().Delete(ctx, "sub-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestValidationLifecycle(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("insert into port_t_account_authorisation").
		WithArgs(sqlmock.AnyArg(), "t123", "code", "a@uct.ac.za").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("user_accepted is null and user_denied is null").WithArgs("t123", "code").
		WillReturnRows(sqlmock.NewRows([]string{"id", "t_account", "validation_string", "email", "created_at"}).
			AddRow("v1", "t123", "code", "a@uct.ac.za", time.Now()))
	mock.ExpectExec("set user_affirmation_ip = \\$1, user_accepted = true").
		WithArgs("10.0.0.1", "t123", "code").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("set user_affirmation_ip = \\$1, user_denied = true").
		WithArgs("10.0.0.2", "t123", "other").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Validations().Create(ctx, store.TransferValidation{Account: "t123", ValidationString: "code", Email: "a@uct.ac.za"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	v, err := s.Validations().Open(ctx, "t123", "code")
	if err != nil || v.ID != "v1" {
		t.Fatalf("Open: %+v %v", v, err)
	}
	if err := s.Validations().Record(ctx, "t123", "code", "10.0.0.1", true); err != nil {
		t.Fatalf("Record accepted: %v", err)
	}
	if err := s.Validations().Record(ctx, "t123", "other", "10.0.0.2", false); err != nil {
		t.Fatalf("Record denied: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNotificationsThrottleQuery(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	since := time.Date(2026, 10, 8, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into user_notifications").
		WithArgs("t1", "Ann Smith", "a@uct.ac.za", "t_account_uct_account_transfer").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("select user_id from user_notifications").
		WithArgs("t_account_uct_account_transfer", since, 2).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("t1").AddRow("t9"))

	err := s.Notifications().Log(ctx, store.NotificationRecord{
		UserID: "t1", FullName: "Ann Smith", Email: "a@uct.ac.za", Description: "t_account_uct_account_transfer",
	})
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	users, err := s.Notifications().Notified(ctx, "t_account_uct_account_transfer", since, 2)
	if err != nil {
		t.Fatalf("Notified: %v", err)
	}
	if len(users) != 2 || users[0] != "t1" {
		t.Fatalf("unexpected users %v", users)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
