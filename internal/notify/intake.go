// Package notify handles webhook notification batches from the provider and
// starts provisioning for the organisers of newly created events.
package notify

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"

	"go.uber.org/zap"

	"obsapi.org/internal/debounce"
	"obsapi.org/internal/graph"
	"obsapi.org/internal/obs"
	"obsapi.org/internal/opencast"
	"obsapi.org/internal/provision"
	"obsapi.org/internal/store"
)

// Envelope is one change notification.
type Envelope struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	Resource       string `json:"resource"`
	ChangeType     string `json:"changeType"`
	TenantID       string `json:"tenantId,omitempty"`
}

// Batch is the body of one webhook delivery.
type Batch struct {
	Value []Envelope `json:"value"`
}

// Subscriptions yields the active subscription.
type Subscriptions interface {
	Current(ctx context.Context) (store.Subscription, error)
}

// Events fetches the event a notification points at.
type Events interface {
	Event(ctx context.Context, token, resource string) (graph.Event, error)
}

// Provisioner runs the provisioning workflow for one organiser.
type Provisioner interface {
	Provision(ctx context.Context, email string) (opencast.Series, error)
}

// Result summarises what Handle did with a batch.
type Result struct {
	Trusted   bool
	Admitted  int
	Debounced int
}

// Option customises an Intake.
type Option func(*Intake)

// WithExcludedOrganizer ignores events organised by the given mailbox.
func WithExcludedOrganizer(email string) Option {
	return func(i *Intake) { i.excluded = strings.ToLower(strings.TrimSpace(email)) }
}

// Intake is built once at startup and shared by every webhook request.
type Intake struct {
	debouncer   *debounce.Debouncer
	subs        Subscriptions
	events      Events
	provisioner Provisioner
	excluded    string
	wg          sync.WaitGroup
}

// New builds an Intake.
func New(d *debounce.Debouncer, subs Subscriptions, events Events, provisioner Provisioner, opts ...Option) *Intake {
	i := &Intake{debouncer: d, subs: subs, events: events, provisioner: provisioner}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle verifies batch against the active subscription and dispatches one
// provisioning run per admitted envelope without waiting for it. A batch with
// any envelope carrying the wrong client state is dropped whole.
func (i *Intake) Handle(ctx context.Context, batch Batch) Result {
	var res Result
	if len(batch.Value) == 0 {
		return res
	}
	log := obs.Logger()

	sub, err := i.subs.Current(ctx)
	if err != nil {
		log.Warn("notification batch dropped: no active subscription", zap.Int("size", len(batch.Value)), zap.Error(err))
		obs.CountNotification("rejected")
		return res
	}
	for _, env := range batch.Value {
		if sub.ClientState == "" || subtle.ConstantTimeCompare([]byte(env.ClientState), []byte(sub.ClientState)) != 1 {
			log.Warn("notification batch dropped: client state mismatch", zap.Int("size", len(batch.Value)))
			obs.CountNotification("rejected")
			return res
		}
	}
	res.Trusted = true

	for _, env := range batch.Value {
		if !i.debouncer.Admit(env.SubscriptionID) {
			res.Debounced++
			obs.CountNotification("debounced")
			continue
		}
		res.Admitted++
		obs.CountNotification("admitted")
		i.wg.Add(1)
		go i.dispatch(context.WithoutCancel(ctx), sub.AccessToken, env)
	}
	return res
}

func (i *Intake) dispatch(ctx context.Context, token string, env Envelope) {
	defer i.wg.Done()
	log := obs.Logger().With(zap.String("resource", env.Resource), zap.String("subscription_id", env.SubscriptionID))

	event, err := i.events.Event(ctx, token, env.Resource)
	if err != nil {
		log.Error("could not fetch notified event", zap.Error(err))
		return
	}
	email := event.OrganizerEmail()
	if email == "" {
		log.Warn("notified event has no organiser")
		return
	}
	if i.excluded != "" && strings.EqualFold(email, i.excluded) {
		log.Debug("skipping event organised by the studio mailbox")
		return
	}

	series, err := i.provisioner.Provision(ctx, email)
	switch {
	case err == nil:
		log.Info("series provisioned from notification", zap.String("email", email), zap.String("series", series.Identifier))
	case provision.IsAlreadyProvisioned(err):
		log.Info("organiser already has a series", zap.String("email", email))
	default:
		log.Error("could not create series", zap.String("email", email), zap.Error(err))
	}
}

// Wait blocks until every dispatched run has finished.
func (i *Intake) Wait() {
	i.wg.Wait()
}
