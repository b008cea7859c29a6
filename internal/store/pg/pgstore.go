package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"obsapi.org/internal/ids"
	"obsapi.org/internal/store"
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects with the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Tokens() store.TokenStore               { return &tokenStore{db: s.db} }
func (s *Store) Subscriptions() store.SubscriptionStore { return &subscriptionStore{db: s.db} }
func (s *Store) Validations() store.ValidationStore     { return &validationStore{db: s.db} }
func (s *Store) Notifications() store.NotificationStore { return &notificationStore{db: s.db} }

// Token store --------------------------------------------------------------
type tokenStore struct{ db *sql.DB }

func (s *tokenStore) Current(ctx context.Context) (store.AccessToken, error) {
	row := s.db.QueryRowContext(ctx, `
		select account, token, refresh_token, expiration_date, authorisation_date, last_payload
		from tokens order by authorisation_date desc limit 1`)
	var (
		tok     store.AccessToken
		expiry  sql.NullTime
		payload []byte
	)
	if err := row.Scan(&tok.OwnerID, &tok.Value, &tok.RefreshValue, &expiry, &tok.AuthorisedAt, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.AccessToken{}, store.ErrNotFound
		}
		return store.AccessToken{}, err
	}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	tok.RawPayload = payload
	return tok, nil
}

func (s *tokenStore) Save(ctx context.Context, tok store.AccessToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tokens (account, token, refresh_token, expiration_date, authorisation_date, last_payload)
		values ($1, $2, $3, $4, now(), $5)
		on conflict (account) do update
		set token = excluded.token,
		    refresh_token = excluded.refresh_token,
		    expiration_date = excluded.expiration_date,
		    authorisation_date = now(),
		    last_payload = excluded.last_payload`,
		tok.OwnerID, tok.Value, tok.RefreshValue, nullTime(tok.Expiry), nullJSON(tok.RawPayload),
	)
	return err
}

func (s *tokenStore) SaveRefreshed(ctx context.Context, tok store.AccessToken) error {
	res, err := s.db.ExecContext(ctx,
		`update tokens set token = $1, refresh_token = $2, expiration_date = $3 where account = $4`,
		tok.Value, tok.RefreshValue, nullTime(tok.Expiry), tok.OwnerID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Subscription store -------------------------------------------------------
type subscriptionStore struct{ db *sql.DB }

func (s *subscriptionStore) Active(ctx context.Context, id string) (store.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		select s.id, s.application_id, s.creator_id, s.resource, s.change_type, s.client_state,
		       s.notification_url, s.account, t.token, s.expiration_date
		from subscriptions s
		join tokens t on t.account = s.account
		where s.expiration_date > now() and ($1 = '' or s.id = $1)
		order by s.expiration_date desc, t.expiration_date desc
		limit 1`, id)
	var sub store.Subscription
	if err := row.Scan(&sub.ID, &sub.ApplicationID, &sub.CreatorID, &sub.Resource, &sub.ChangeType,
		&sub.ClientState, &sub.NotificationURL, &sub.OwnerID, &sub.AccessToken, &sub.Expiry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Subscription{}, store.ErrNotFound
		}
		return store.Subscription{}, err
	}
	return sub, nil
}

func (s *subscriptionStore) Save(ctx context.Context, sub store.Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		insert into subscriptions (id, application_id, creator_id, resource, change_type, client_state,
		                           notification_url, account, access_token, expiration_date)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		on conflict (id) do update
		set expiration_date = excluded.expiration_date,
		    access_token = case when excluded.access_token <> '' then excluded.access_token
		                        else subscriptions.access_token end`,
		sub.ID, sub.ApplicationID, sub.CreatorID, sub.Resource, sub.ChangeType, sub.ClientState,
		sub.NotificationURL, sub.OwnerID, sub.AccessToken, sub.Expiry.UTC(),
	)
	return err
}

func (s *subscriptionStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from subscriptions where id = $1`, id)
	return err
}

// Validation store ---------------------------------------------------------
type validationStore struct{ db *sql.DB }

func (s *validationStore) Create(ctx context.Context, v store.TransferValidation) error {
	if v.ID == "" {
		v.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into port_t_account_authorisation (id, t_account, validation_string, email) values ($1, $2, $3, $4)`,
		v.ID, v.Account, v.ValidationString, v.Email,
	)
	return err
}

func (s *validationStore) Open(ctx context.Context, account, code string) (store.TransferValidation, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, t_account, validation_string, email, created_at
		from port_t_account_authorisation
		where t_account = $1 and validation_string = $2 and user_accepted is null and user_denied is null
		order by created_at desc limit 1`, account, code)
	var v store.TransferValidation
	if err := row.Scan(&v.ID, &v.Account, &v.ValidationString, &v.Email, &v.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.TransferValidation{}, store.ErrNotFound
		}
		return store.TransferValidation{}, err
	}
	return v, nil
}

func (s *validationStore) Record(ctx context.Context, account, code, ipAddress string, accepted bool) error {
	query := `update port_t_account_authorisation set user_affirmation_ip = $1, user_denied = true
		where t_account = $2 and validation_string = $3`
	if accepted {
		query = `update port_t_account_authorisation set user_affirmation_ip = $1, user_accepted = true
		where t_account = $2 and validation_string = $3`
	}
	_, err := s.db.ExecContext(ctx, query, ipAddress, account, code)
	return err
}

// Notification store -------------------------------------------------------
type notificationStore struct{ db *sql.DB }

func (s *notificationStore) Log(ctx context.Context, rec store.NotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_notifications (user_id, user_fullname, user_email, notification_desc)
		values ($1, $2, $3, $4)
		on conflict (user_id, notification_desc) do update
		set notification_count = user_notifications.notification_count + 1,
		    notification_date = now()`,
		rec.UserID, rec.FullName, rec.Email, rec.Description,
	)
	return err
}

func (s *notificationStore) Notified(ctx context.Context, desc string, since time.Time, maxCount int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id from user_notifications
		where notification_desc = $1 and (notification_date >= $2 or notification_count > $3)
		order by user_id`, desc, since.UTC(), maxCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
