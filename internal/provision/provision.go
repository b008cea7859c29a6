// Package provision creates a personal video series for a user and links it
// into their LMS home site.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"obsapi.org/internal/audit"
	"obsapi.org/internal/keylock"
	"obsapi.org/internal/mail"
	"obsapi.org/internal/obs"
	"obsapi.org/internal/opencast"
	"obsapi.org/internal/vula"
)

// AlreadyProvisionedError reports that the subject already owns a series.
type AlreadyProvisionedError struct {
	Series opencast.Series
}

func (e *AlreadyProvisionedError) Error() string {
	return fmt.Sprintf("series %s already provisioned", e.Series.Identifier)
}

// IsAlreadyProvisioned reports whether err carries an AlreadyProvisionedError.
func IsAlreadyProvisioned(err error) bool {
	var ap *AlreadyProvisionedError
	return errors.As(err, &ap)
}

// Media is the media-service surface the workflow uses.
type Media interface {
	SearchSeries(ctx context.Context, text string) ([]opencast.Series, error)
	CreateSeries(ctx context.Context, metadata []opencast.Catalog, acl []opencast.ACE) (string, error)
	Series(ctx context.Context, id string) (opencast.Series, error)
}

// LMS is an open learning-management session.
type LMS interface {
	UserByEmail(ctx context.Context, email string) (vula.Identity, error)
	AddTool(ctx context.Context, t vula.Tool) (string, error)
	Close(ctx context.Context) error
}

// Dialer opens an LMS session that is ready for use.
type Dialer func(ctx context.Context) (LMS, error)

// Mailer sends a named mail template.
type Mailer interface {
	Send(ctx context.Context, to, name string, data mail.Data) error
}

// Config carries the fixed values written into every series and tool link.
type Config struct {
	RightsHolder string
	LaunchURL    string
	MediaHost    string
}

// Workflow provisions personal series. At most one run per subject email is
// in flight at a time.
type Workflow struct {
	media  Media
	dial   Dialer
	mailer Mailer
	cfg    Config
	locks  *keylock.Set
}

// New builds a Workflow.
func New(media Media, dial Dialer, mailer Mailer, cfg Config) *Workflow {
	return &Workflow{media: media, dial: dial, mailer: mailer, cfg: cfg, locks: keylock.New()}
}

// Provision creates, links and announces a personal series for email and
// returns it. An existing series yields *AlreadyProvisionedError.
func (w *Workflow) Provision(ctx context.Context, email string) (opencast.Series, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return opencast.Series{}, errors.New("provision: email is required")
	}
	unlock, err := w.locks.Lock(ctx, keylock.Normalize(email))
	if err != nil {
		return opencast.Series{}, err
	}
	defer unlock()

	series, err := w.provision(ctx, email)
	switch {
	case err == nil:
		obs.CountProvision("created")
	case IsAlreadyProvisioned(err):
		obs.CountProvision("already_provisioned")
	default:
		obs.CountProvision("error")
	}
	return series, err
}

func (w *Workflow) provision(ctx context.Context, email string) (opencast.Series, error) {
	log := obs.Logger().With(zap.String("email", email))

	existing, err := w.media.SearchSeries(ctx, email)
	if err != nil {
		return opencast.Series{}, fmt.Errorf("search series: %w", err)
	}
	if len(existing) > 0 {
		return opencast.Series{}, &AlreadyProvisionedError{Series: existing[0]}
	}

	lms, err := w.dial(ctx)
	if err != nil {
		return opencast.Series{}, fmt.Errorf("open lms session: %w", err)
	}
	defer func() { _ = lms.Close(context.WithoutCancel(ctx)) }()

	id, err := lms.UserByEmail(ctx, email)
	if err != nil {
		return opencast.Series{}, fmt.Errorf("resolve %s: %w", email, err)
	}
	owner := opencast.Owner{FullName: id.FullName, Username: id.Username, Email: email, SiteID: id.SiteID}
	metadata, err := opencast.PersonalMetadata(owner, w.cfg.RightsHolder)
	if err != nil {
		return opencast.Series{}, err
	}

	seriesID, err := w.media.CreateSeries(ctx, metadata, opencast.PersonalACL(id.Username))
	if err != nil {
		return opencast.Series{}, fmt.Errorf("create series: %w", err)
	}
	log = log.With(zap.String("series", seriesID), zap.String("username", id.Username))

	if _, err := lms.AddTool(ctx, vula.Tool{
		SiteID:    id.SiteID,
		SeriesID:  seriesID,
		LaunchURL: w.cfg.LaunchURL,
		MediaHost: w.cfg.MediaHost,
	}); err != nil {
		log.Error("series created but tool link failed; series is orphaned", zap.Error(err))
		return opencast.Series{}, fmt.Errorf("link tool: %w", err)
	}

	if err := w.mailer.Send(ctx, email, mail.Welcome, mail.Data{FullName: id.FullName, Account: id.Username}); err != nil {
		log.Warn("welcome mail not sent", zap.Error(err))
	}

	_ = audit.LogEvent(ctx, "series.provisioned", map[string]any{
		"email":    email,
		"username": id.Username,
		"series":   seriesID,
		"site":     id.SiteID,
	})

	series, err := w.media.Series(ctx, seriesID)
	if err != nil {
		return opencast.Series{}, fmt.Errorf("fetch series %s: %w", seriesID, err)
	}
	log.Info("series provisioned")
	return series, nil
}

// Owner is what is known about a subject without provisioning anything.
type Owner struct {
	Identity vula.Identity     `json:"identity"`
	Series   []opencast.Series `json:"series"`
}

// Owner resolves email through the LMS and lists the series matching it.
func (w *Workflow) Owner(ctx context.Context, email string) (Owner, error) {
	email = strings.TrimSpace(email)
	series, err := w.media.SearchSeries(ctx, email)
	if err != nil {
		return Owner{}, fmt.Errorf("search series: %w", err)
	}
	lms, err := w.dial(ctx)
	if err != nil {
		return Owner{}, fmt.Errorf("open lms session: %w", err)
	}
	defer func() { _ = lms.Close(context.WithoutCancel(ctx)) }()

	id, err := lms.UserByEmail(ctx, email)
	if err != nil {
		return Owner{}, fmt.Errorf("resolve %s: %w", email, err)
	}
	return Owner{Identity: id, Series: series}, nil
}

// Summary counts the outcomes of ProvisionAll.
type Summary struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ProvisionAll provisions each distinct email in turn. Failures are logged
// and counted; they do not stop the run.
func (w *Workflow) ProvisionAll(ctx context.Context, emails []string) Summary {
	var sum Summary
	seen := make(map[string]struct{}, len(emails))
	for _, email := range emails {
		key := keylock.Normalize(email)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		_, err := w.Provision(ctx, email)
		switch {
		case err == nil:
			sum.Created++
		case IsAlreadyProvisioned(err):
			sum.Skipped++
		default:
			sum.Failed++
			obs.Logger().Error("could not create series", zap.String("email", email), zap.Error(err))
		}
	}
	return sum
}
