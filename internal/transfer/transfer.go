// Package transfer moves a temporary account's personal series to the
// owner's permanent account after a mailed validation handshake.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"obsapi.org/internal/apperr"
	"obsapi.org/internal/audit"
	"obsapi.org/internal/ids"
	"obsapi.org/internal/keylock"
	"obsapi.org/internal/mail"
	"obsapi.org/internal/obs"
	"obsapi.org/internal/opencast"
	"obsapi.org/internal/store"
	"obsapi.org/internal/vula"
)

// NotificationDesc labels transfer offers in the notification counters.
const NotificationDesc = "t_account_uct_account_transfer"

// Throttle limits: an account counts as notified when it was sent an offer
// within ThrottleWindow or more than ThrottleCount times.
const (
	ThrottleWindow = 7 * 24 * time.Hour
	ThrottleCount  = 2
)

// ErrNoSeries is returned when the account owns no series to move.
var ErrNoSeries = errors.New("transfer: account owns no series")

// Media is the media-service surface the workflow uses.
type Media interface {
	SearchSeries(ctx context.Context, text string) ([]opencast.Series, error)
	SeriesACL(ctx context.Context, id string) ([]opencast.ACE, error)
	SetSeriesACL(ctx context.Context, id string, acl []opencast.ACE) error
	UpdateSeriesMetadata(ctx context.Context, id string, catalog opencast.Catalog) error
}

// LMS is an open learning-management session.
type LMS interface {
	UserByEmail(ctx context.Context, email string) (vula.Identity, error)
	UserByAccount(ctx context.Context, account string) (vula.Identity, error)
	AddTool(ctx context.Context, t vula.Tool) (string, error)
	Close(ctx context.Context) error
}

// Dialer opens an LMS session that is ready for use.
type Dialer func(ctx context.Context) (LMS, error)

// Mailer sends a named mail template.
type Mailer interface {
	Send(ctx context.Context, to, name string, data mail.Data) error
}

// Config carries the fixed values written into moved series and tool links.
type Config struct {
	RightsHolder string
	LaunchURL    string
	MediaHost    string
}

// Request is a confirm or skip decision made by the owner.
type Request struct {
	ValidationString string `json:"validationString"`
	Account          string `json:"account"`
	ContactEmail     string `json:"email"`
	IPAddress        string `json:"-"`
}

func (r Request) trimmed() Request {
	r.ValidationString = strings.TrimSpace(r.ValidationString)
	r.Account = strings.TrimSpace(r.Account)
	r.ContactEmail = strings.TrimSpace(r.ContactEmail)
	return r
}

// Workflow runs offers and their decisions.
type Workflow struct {
	media         Media
	dial          Dialer
	mailer        Mailer
	validations   store.ValidationStore
	notifications store.NotificationStore
	cfg           Config
	now           func() time.Time
	// locks serialises decisions per account within this process.
	locks *keylock.Set
}

// New builds a Workflow.
func New(media Media, dial Dialer, mailer Mailer, validations store.ValidationStore, notifications store.NotificationStore, cfg Config) *Workflow {
	return &Workflow{
		media:         media,
		dial:          dial,
		mailer:        mailer,
		validations:   validations,
		notifications: notifications,
		cfg:           cfg,
		now:           time.Now,
		locks:         keylock.New(),
	}
}

// Offer issues a validation string for account and mails it to contactEmail.
func (w *Workflow) Offer(ctx context.Context, account, contactEmail string) error {
	account = strings.TrimSpace(account)
	contactEmail = strings.TrimSpace(contactEmail)
	if account == "" || contactEmail == "" {
		return errors.New("transfer: account and email are required")
	}
	code := ids.ValidationString()
	if err := w.validations.Create(ctx, store.TransferValidation{
		Account:          account,
		ValidationString: code,
		Email:            contactEmail,
	}); err != nil {
		return apperr.Persistence("create validation", err)
	}
	if err := w.mailer.Send(ctx, contactEmail, mail.Transfer, mail.Data{Account: account, ValidationString: code}); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	if err := w.notifications.Log(ctx, store.NotificationRecord{
		UserID:      account,
		Email:       contactEmail,
		Description: NotificationDesc,
	}); err != nil {
		obs.Logger().Warn("could not update last notification date", zap.String("account", account), zap.Error(err))
	}
	_ = audit.LogEvent(ctx, "transfer.offered", map[string]any{"account": account, "email": contactEmail})
	return nil
}

func (w *Workflow) checkOpen(ctx context.Context, req Request) error {
	_, err := w.validations.Open(ctx, req.Account, req.ValidationString)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.ErrValidationExpired
	default:
		return apperr.Persistence("check validation", err)
	}
}

// Confirm moves every series of req.Account to the permanent account that
// owns req.ContactEmail. Both identities must carry the same email.
func (w *Workflow) Confirm(ctx context.Context, req Request) (bool, error) {
	req = req.trimmed()
	unlock, err := w.locks.Lock(ctx, keylock.Normalize(req.Account))
	if err != nil {
		return false, err
	}
	defer unlock()

	if err := w.checkOpen(ctx, req); err != nil {
		return false, err
	}
	err = w.confirm(ctx, req)
	w.record(ctx, req, err == nil)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (w *Workflow) confirm(ctx context.Context, req Request) error {
	lms, err := w.dial(ctx)
	if err != nil {
		return fmt.Errorf("open lms session: %w", err)
	}
	defer func() { _ = lms.Close(context.WithoutCancel(ctx)) }()

	var requester, target vula.Identity
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := lms.UserByEmail(gctx, req.ContactEmail)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", req.ContactEmail, err)
		}
		requester = id
		return nil
	})
	g.Go(func() error {
		id, err := lms.UserByAccount(gctx, req.Account)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", req.Account, err)
		}
		target = id
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if requester.Email == "" || requester.Email != target.Email {
		obs.Logger().Warn("transfer identity mismatch",
			zap.String("account", req.Account), zap.String("requester", requester.Username))
		return apperr.ErrIdentityMismatch
	}

	series, err := w.media.SearchSeries(ctx, req.Account)
	if err != nil {
		return fmt.Errorf("search series: %w", err)
	}
	if len(series) == 0 {
		return ErrNoSeries
	}

	owner := opencast.Owner{
		FullName: requester.FullName,
		Username: requester.Username,
		Email:    requester.Email,
		SiteID:   requester.SiteID,
	}
	for _, s := range series {
		if err := w.move(ctx, lms, s.Identifier, req.Account, owner); err != nil {
			return fmt.Errorf("series %s: %w", s.Identifier, err)
		}
	}
	_ = audit.LogEvent(ctx, "transfer.confirmed", map[string]any{
		"account":  req.Account,
		"username": requester.Username,
		"series":   len(series),
	})
	return nil
}

func (w *Workflow) move(ctx context.Context, lms LMS, seriesID, oldAccount string, owner opencast.Owner) error {
	acl, err := w.media.SeriesACL(ctx, seriesID)
	if err != nil {
		return fmt.Errorf("get acl: %w", err)
	}
	if err := w.media.SetSeriesACL(ctx, seriesID, opencast.ReassignACL(acl, oldAccount, owner.Username)); err != nil {
		return fmt.Errorf("set acl: %w", err)
	}
	for _, catalog := range []opencast.Catalog{opencast.DublinCore(owner, w.cfg.RightsHolder), opencast.Extended(owner)} {
		if err := w.media.UpdateSeriesMetadata(ctx, seriesID, catalog); err != nil {
			return fmt.Errorf("update %s: %w", catalog.Flavor, err)
		}
	}
	if _, err := lms.AddTool(ctx, vula.Tool{
		SiteID:    owner.SiteID,
		SeriesID:  seriesID,
		LaunchURL: w.cfg.LaunchURL,
		MediaHost: w.cfg.MediaHost,
	}); err != nil {
		return fmt.Errorf("link tool: %w", err)
	}
	return nil
}

// record stores the decision; failures are only logged.
func (w *Workflow) record(ctx context.Context, req Request, accepted bool) {
	if err := w.validations.Record(context.WithoutCancel(ctx), req.Account, req.ValidationString, req.IPAddress, accepted); err != nil {
		obs.Logger().Warn("could not record transfer decision",
			zap.String("account", req.Account), zap.Bool("accepted", accepted), zap.Error(err))
	}
}

// Skip records that the owner declined the transfer.
func (w *Workflow) Skip(ctx context.Context, req Request) error {
	req = req.trimmed()
	unlock, err := w.locks.Lock(ctx, keylock.Normalize(req.Account))
	if err != nil {
		return err
	}
	defer unlock()

	if err := w.checkOpen(ctx, req); err != nil {
		return err
	}
	if err := w.validations.Record(ctx, req.Account, req.ValidationString, req.IPAddress, false); err != nil {
		return apperr.Persistence("record denial", err)
	}
	_ = audit.LogEvent(ctx, "transfer.skipped", map[string]any{"account": req.Account})
	return nil
}

// Throttled lists accounts that were offered a transfer recently or often
// enough that they should not be offered again.
func (w *Workflow) Throttled(ctx context.Context) ([]string, error) {
	accounts, err := w.notifications.Notified(ctx, NotificationDesc, w.now().Add(-ThrottleWindow), ThrottleCount)
	if err != nil {
		return nil, apperr.Persistence("list notified accounts", err)
	}
	return accounts, nil
}
