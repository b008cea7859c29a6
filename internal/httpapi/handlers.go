// Package httpapi exposes the webhook endpoint, the sign-in flow and the
// admin and transfer routes over HTTP, plus gRPC health.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"obsapi.org/internal/apperr"
	"obsapi.org/internal/audit"
	"obsapi.org/internal/graph"
	"obsapi.org/internal/notify"
	"obsapi.org/internal/obs"
	"obsapi.org/internal/opencast"
	"obsapi.org/internal/provision"
	"obsapi.org/internal/store"
	"obsapi.org/internal/subscription"
	"obsapi.org/internal/transfer"
	"obsapi.org/internal/vula"
)

// ReadyProbe checks the database.
type ReadyProbe struct {
	DB *sql.DB
}

// Check pings the database when one is configured.
func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Subscriptions is the lifecycle manager.
type Subscriptions interface {
	Create(ctx context.Context, tok store.AccessToken) (store.Subscription, error)
	RenewActive(ctx context.Context) (store.Subscription, error)
	Delete(ctx context.Context, id string) error
	Current(ctx context.Context) (store.Subscription, error)
	State(ctx context.Context) subscription.State
}

// Intake handles webhook batches.
type Intake interface {
	Handle(ctx context.Context, batch notify.Batch) notify.Result
}

// OAuth runs the provider sign-in flow.
type OAuth interface {
	AuthCodeURL(state string) string
	LogoutURL(redirect string) string
	Exchange(ctx context.Context, code string) (graph.Token, error)
	Refresh(ctx context.Context, refreshToken string) (graph.Token, error)
}

// Calendar lists the service mailbox's events.
type Calendar interface {
	Events(ctx context.Context, token string, q graph.EventQuery) ([]graph.Event, error)
}

// SeriesSearch finds existing series for an organiser.
type SeriesSearch interface {
	SearchSeries(ctx context.Context, text string) ([]opencast.Series, error)
}

// Provisioner runs the provisioning workflow.
type Provisioner interface {
	Provision(ctx context.Context, email string) (opencast.Series, error)
	Owner(ctx context.Context, email string) (provision.Owner, error)
	ProvisionAll(ctx context.Context, emails []string) provision.Summary
}

// Transfers runs the account transfer workflow.
type Transfers interface {
	Offer(ctx context.Context, account, contactEmail string) error
	Confirm(ctx context.Context, req transfer.Request) (bool, error)
	Skip(ctx context.Context, req transfer.Request) error
	Throttled(ctx context.Context) ([]string, error)
}

// Deps wires the API to the rest of the service.
type Deps struct {
	Ready         ReadyProbe
	Version       string
	BasePath      string
	AdminToken    string
	MaxBody       int64
	RateBurst     int
	RatePerSec    float64
	Tokens        store.TokenStore
	Subscriptions Subscriptions
	Intake        Intake
	OAuth         OAuth
	Calendar      Calendar
	Series        SeriesSearch
	Provisioner   Provisioner
	Transfers     Transfers
	// ExcludedOrganizer is the studio mailbox hidden from event listings.
	ExcludedOrganizer string
}

// API is the HTTP layer.
type API struct {
	deps    Deps
	router  chi.Router
	limiter *RateLimiter
	now     func() time.Time
	bg      sync.WaitGroup
}

// New builds the router.
func New(deps Deps) *API {
	deps.BasePath = strings.TrimRight(deps.BasePath, "/")
	perSec, burst := deps.RatePerSec, deps.RateBurst
	if perSec <= 0 {
		perSec = 10
	}
	if burst <= 0 {
		burst = 20
	}
	a := &API{
		deps:    deps,
		limiter: NewRateLimiter(perSec, burst),
		now:     time.Now,
	}

	root := chi.NewRouter()
	root.Get("/healthz", a.Healthz)
	root.Get("/readyz", a.Ready)
	root.Handle("/metrics", obs.Handler())

	app := chi.NewRouter()
	app.Use(MaxBodyBytes(deps.MaxBody))

	app.Group(func(r chi.Router) {
		r.Use(a.limiter.Middleware)
		r.Get("/notifications", a.listening)
		r.Post("/notifications", a.notifications)
		r.Post("/transfer/confirm", a.confirmTransfer)
		r.Post("/transfer/skip", a.skipTransfer)
	})

	app.Get("/", a.index)
	app.Get("/signin", a.signin)
	app.Get("/authorise", a.authorise)
	app.Get("/signout/{id}", a.signout)

	app.Group(func(r chi.Router) {
		r.Use(RequireBearer(deps.AdminToken))
		r.Get("/token", a.token)
		r.Get("/refresh", a.refresh)
		r.Get("/subscription", a.getSubscription)
		r.Post("/subscription", a.createSubscription)
		r.Patch("/subscription", a.renewSubscription)
		r.Delete("/subscription/{id}", a.deleteSubscription)
		r.Get("/event", a.events)
		r.Get("/event/series", a.eventsWithoutSeries)
		r.Put("/event/series", a.provisionEvents)
		r.Get("/event/owner/{email}", a.owner)
		r.Post("/series/{email}", a.provisionSeries)
		r.Post("/transfer/offer", a.offerTransfer)
		r.Get("/transfer/throttled", a.throttled)
	})

	if deps.BasePath == "" {
		root.Mount("/", app)
	} else {
		root.Mount(deps.BasePath, app)
	}
	a.router = root
	return a
}

// Handler returns the root handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	return obs.Instrument(RequestID(Logging(SecurityHeaders(a.router))))
}

// Wait blocks until background work started by requests has finished.
func (a *API) Wait() {
	a.bg.Wait()
}

// background runs fn detached from the request but tracked by Wait.
func (a *API) background(ctx context.Context, fn func(ctx context.Context)) {
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

// Healthz reports liveness.
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "obs-api",
		"version": a.deps.Version,
	})
}

// Ready reports readiness: the database answers and a subscription is active.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	state := subscription.StateNone
	if a.deps.Subscriptions != nil {
		state = a.deps.Subscriptions.State(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"subscription": state,
	})
}

func (a *API) index(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.deps.BasePath+"/index.html", http.StatusFound)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": audit.RequestIDFromContext(r.Context()),
	})
}

// fail maps err onto a status code and writes it.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusOf(err)
	if code >= 500 {
		obs.Logger().Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, r, code, msg)
}

func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrIdentityMismatch):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, apperr.ErrValidationExpired):
		return http.StatusGone, err.Error()
	case errors.Is(err, store.ErrNotFound), errors.Is(err, vula.ErrUnknownUser), errors.Is(err, transfer.ErrNoSeries):
		return http.StatusNotFound, err.Error()
	case apperr.IsUpstream(err):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return fmt.Errorf("request body too large")
		case errors.Is(err, io.EOF):
			return fmt.Errorf("request body is empty")
		default:
			return fmt.Errorf("invalid JSON: %w", err)
		}
	}
	return nil
}
