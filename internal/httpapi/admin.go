package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"obsapi.org/internal/graph"
	"obsapi.org/internal/obs"
	"obsapi.org/internal/provision"
	"obsapi.org/internal/store"
)

type subscriptionView struct {
	ID              string    `json:"id"`
	Resource        string    `json:"resource"`
	ChangeType      string    `json:"changeType"`
	NotificationURL string    `json:"notificationUrl"`
	Expiry          time.Time `json:"expirationDateTime"`
	Owner           string    `json:"userId"`
}

func viewOf(s store.Subscription) subscriptionView {
	return subscriptionView{
		ID:              s.ID,
		Resource:        s.Resource,
		ChangeType:      s.ChangeType,
		NotificationURL: s.NotificationURL,
		Expiry:          s.Expiry,
		Owner:           s.OwnerID,
	}
}

func (a *API) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := a.deps.Subscriptions.Current(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sub))
}

func (a *API) createSubscription(w http.ResponseWriter, r *http.Request) {
	tok, err := a.deps.Tokens.Current(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	sub, err := a.deps.Subscriptions.Create(r.Context(), tok)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(sub))
}

func (a *API) renewSubscription(w http.ResponseWriter, r *http.Request) {
	if _, err := a.deps.Subscriptions.RenewActive(r.Context()); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Subscriptions.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type eventView struct {
	graph.Event
	SeriesID    *string `json:"ocSeries"`
	SeriesTitle *string `json:"ocSeriesTitle"`
}

const seriesLookups = 8

// annotate lists events for q, drops the studio mailbox's own events and
// attaches each organiser's existing series.
func (a *API) annotate(r *http.Request, q graph.EventQuery) ([]eventView, error) {
	tok, err := a.deps.Tokens.Current(r.Context())
	if err != nil {
		return nil, err
	}
	events, err := a.deps.Calendar.Events(r.Context(), tok.Value, q)
	if err != nil {
		return nil, err
	}
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		if a.deps.ExcludedOrganizer != "" && strings.EqualFold(ev.OrganizerEmail(), a.deps.ExcludedOrganizer) {
			continue
		}
		out = append(out, eventView{Event: ev})
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(seriesLookups)
	for i := range out {
		g.Go(func() error {
			series, err := a.deps.Series.SearchSeries(ctx, out[i].OrganizerEmail())
			if err != nil {
				return err
			}
			if len(series) > 0 {
				out[i].SeriesID = &series[0].Identifier
				out[i].SeriesTitle = &series[0].Title
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseQueryTime(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Value: v, Message: ": expected RFC 3339 time"}
}

// events lists events running now, or starting within [start, end] when
// either bound is given.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	var q graph.EventQuery
	start, end := r.URL.Query().Get("start"), r.URL.Query().Get("end")
	if start == "" && end == "" {
		now := a.now()
		q.StartBefore, q.EndAfter = now, now
	}
	if start != "" {
		t, err := parseQueryTime(start)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid start")
			return
		}
		q.StartAfter = t
	}
	if end != "" {
		t, err := parseQueryTime(end)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid end")
			return
		}
		q.StartBefore = t
	}
	out, err := a.annotate(r, q)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

const seriesScanSize = 50

func (a *API) eventsWithoutSeries(w http.ResponseWriter, r *http.Request) {
	all, err := a.annotate(r, graph.EventQuery{Top: seriesScanSize})
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]eventView, 0, len(all))
	for _, ev := range all {
		if ev.SeriesID == nil {
			out = append(out, ev)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// provisionEvents accepts immediately and provisions every organiser of the
// latest events that has no series yet.
func (a *API) provisionEvents(w http.ResponseWriter, r *http.Request) {
	all, err := a.annotate(r, graph.EventQuery{Top: seriesScanSize})
	if err != nil {
		fail(w, r, err)
		return
	}
	var owners []string
	for _, ev := range all {
		if ev.SeriesID == nil {
			owners = append(owners, ev.OrganizerEmail())
		}
	}
	w.WriteHeader(http.StatusAccepted)
	if len(owners) == 0 {
		return
	}
	a.background(r.Context(), func(ctx context.Context) {
		sum := a.deps.Provisioner.ProvisionAll(ctx, owners)
		obs.Logger().Info("event series provisioning finished",
			zap.Int("created", sum.Created), zap.Int("skipped", sum.Skipped), zap.Int("failed", sum.Failed))
	})
}

func (a *API) owner(w http.ResponseWriter, r *http.Request) {
	owner, err := a.deps.Provisioner.Owner(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, owner)
}

func (a *API) provisionSeries(w http.ResponseWriter, r *http.Request) {
	series, err := a.deps.Provisioner.Provision(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		var ap *provision.AlreadyProvisionedError
		if errors.As(err, &ap) {
			writeJSON(w, http.StatusOK, ap.Series)
			return
		}
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}
