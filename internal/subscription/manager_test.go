package subscription

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"obsapi.org/internal/apperr"
	"obsapi.org/internal/graph"
	"obsapi.org/internal/store"
)

type fakeProvider struct {
	mu        sync.Mutex
	created   []graph.SubscriptionRequest
	patched   []string
	deleted   []string
	createErr error
	patchErr  error
	deleteErr error
	nextID    string
}

func (f *fakeProvider) CreateSubscription(ctx context.Context, token string, req graph.SubscriptionRequest) (graph.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return graph.Subscription{}, f.createErr
	}
	f.created = append(f.created, req)
	return graph.Subscription{
		ID:                 f.nextID,
		Resource:           req.Resource,
		ChangeType:         req.ChangeType,
		ClientState:        req.ClientState,
		NotificationURL:    req.NotificationURL,
		ExpirationDateTime: req.ExpirationDateTime,
	}, nil
}

func (f *fakeProvider) PatchSubscription(ctx context.Context, token, id string, expiry time.Time) (graph.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return graph.Subscription{}, f.patchErr
	}
	f.patched = append(f.patched, id)
	return graph.Subscription{ID: id, ExpirationDateTime: expiry}, nil
}

func (f *fakeProvider) DeleteSubscription(ctx context.Context, token, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

type failingSubs struct {
	store.SubscriptionStore
	err error
}

func (f failingSubs) Save(ctx context.Context, sub store.Subscription) error { return f.err }

var t0 = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Manager, *fakeProvider, *store.InMemory, *time.Time) {
	t.Helper()
	now := t0
	st := store.NewInMemory().WithClock(func() time.Time { return now })
	require.NoError(t, st.Tokens().Save(context.Background(), store.AccessToken{Value: "tok", OwnerID: "svc@uct.ac.za"}))
	p := &fakeProvider{nextID: "sub-1"}
	m := New(p, st.Subscriptions(), st.Tokens(), Settings{
		NotificationURL: "https://obs.example/notifications",
		Resource:        "me/events",
		ChangeType:      "created",
	}, WithClock(func() time.Time { return now }))
	return m, p, st, &now
}

func TestCreateStoresSubscriptionWithWindow(t *testing.T) {
	m, p, _, _ := setup(t)
	ctx := context.Background()
	require.Equal(t, StateNone, m.State(ctx))

	sub, err := m.Create(ctx, store.AccessToken{Value: "tok", OwnerID: "svc@uct.ac.za"})
	require.NoError(t, err)
	require.Equal(t, "sub-1", sub.ID)
	require.Equal(t, t0.Add(4229*time.Minute), sub.Expiry)
	require.NotEmpty(t, sub.ClientState)
	require.Len(t, p.created, 1)
	require.Equal(t, sub.ClientState, p.created[0].ClientState)

	cur, err := m.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, "sub-1", cur.ID)
	require.Equal(t, "tok", cur.AccessToken)
	require.Equal(t, StateActive, m.State(ctx))
}

func TestCreateProviderFailureLeavesStoreEmpty(t *testing.T) {
	m, p, _, _ := setup(t)
	p.createErr = apperr.Upstream("graph", "create subscription", http.StatusBadRequest, errors.New("bad url"))

	_, err := m.Create(context.Background(), store.AccessToken{Value: "tok", OwnerID: "svc@uct.ac.za"})
	require.True(t, apperr.IsUpstream(err))
	_, err = m.Current(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateStoreFailureIsPersistenceError(t *testing.T) {
	st := store.NewInMemory()
	p := &fakeProvider{nextID: "orphan"}
	m := New(p, failingSubs{st.Subscriptions(), errors.New("disk full")}, st.Tokens(), Settings{})

	_, err := m.Create(context.Background(), store.AccessToken{Value: "tok"})
	require.True(t, apperr.IsPersistence(err))
	require.Len(t, p.created, 1)
}

func TestRenewExpiredSubscriptionSucceeds(t *testing.T) {
	m, p, st, now := setup(t)
	ctx := context.Background()
	_, err := m.Create(ctx, store.AccessToken{Value: "tok", OwnerID: "svc@uct.ac.za"})
	require.NoError(t, err)

	*now = t0.Add(Window + time.Hour)
	require.Equal(t, StateNone, m.State(ctx))

	sub, err := m.Renew(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, []string{"sub-1"}, p.patched)
	require.Equal(t, now.Add(Window), sub.Expiry)

	cur, err := st.Subscriptions().Active(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, p.created[0].ClientState, cur.ClientState)
	require.Equal(t, StateActive, m.State(ctx))
}

func TestRenewFailureKeepsOldRow(t *testing.T) {
	m, p, _, _ := setup(t)
	ctx := context.Background()
	created, err := m.Create(ctx, store.AccessToken{Value: "tok", OwnerID: "svc@uct.ac.za"})
	require.NoError(t, err)

	p.patchErr = apperr.Upstream("graph", "patch subscription", http.StatusNotFound, errors.New("gone"))
	_, err = m.RenewActive(ctx)
	require.True(t, apperr.IsUpstream(err))

	cur, err := m.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, created.Expiry, cur.Expiry)
}

func TestDeleteIsBestEffortRemotely(t *testing.T) {
	m, p, _, _ := setup(t)
	ctx := context.Background()
	_, err := m.Create(ctx, store.AccessToken{Value: "tok", OwnerID: "svc@uct.ac.za"})
	require.NoError(t, err)

	p.deleteErr = errors.New("provider down")
	require.NoError(t, m.Delete(ctx, "sub-1"))
	require.Equal(t, []string{"sub-1"}, p.deleted)
	require.Equal(t, StateNone, m.State(ctx))
}

func TestEnsureCreatesWhenNoneActive(t *testing.T) {
	m, p, _, _ := setup(t)
	ctx := context.Background()

	sub, err := m.Ensure(ctx)
	require.NoError(t, err)
	require.Equal(t, "sub-1", sub.ID)
	require.Len(t, p.created, 1)

	_, err = m.Ensure(ctx)
	require.NoError(t, err)
	require.Len(t, p.created, 1)
	require.Equal(t, []string{"sub-1"}, p.patched)
}

func TestEnsureWithoutTokenFails(t *testing.T) {
	st := store.NewInMemory()
	m := New(&fakeProvider{}, st.Subscriptions(), st.Tokens(), Settings{})
	_, err := m.Ensure(context.Background())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStopsWithContext(t *testing.T) {
	m, p, _, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Hour)
		close(done)
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.created) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
