package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"obsapi.org/internal/debounce"
	"obsapi.org/internal/graph"
	"obsapi.org/internal/opencast"
	"obsapi.org/internal/provision"
	"obsapi.org/internal/store"
)

type staticSubs struct {
	sub store.Subscription
	err error
}

func (s staticSubs) Current(ctx context.Context) (store.Subscription, error) { return s.sub, s.err }

type fakeEvents struct {
	organizers map[string]string // resource -> organiser
}

func (f fakeEvents) Event(ctx context.Context, token, resource string) (graph.Event, error) {
	if token != "tok" {
		return graph.Event{}, errors.New("bad token")
	}
	org, ok := f.organizers[resource]
	if !ok {
		return graph.Event{}, errors.New("not found")
	}
	var ev graph.Event
	ev.ID = resource
	ev.Organizer.EmailAddress.Address = org
	return ev, nil
}

type recordingProvisioner struct {
	mu      sync.Mutex
	emails  []string
	err     error
	release chan struct{}
}

func (r *recordingProvisioner) Provision(ctx context.Context, email string) (opencast.Series, error) {
	if r.release != nil {
		<-r.release
	}
	if ctx.Err() != nil {
		return opencast.Series{}, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails = append(r.emails, email)
	return opencast.Series{Identifier: "s-" + email}, r.err
}

func (r *recordingProvisioner) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.emails...)
}

var active = store.Subscription{ID: "sub-1", ClientState: "secret", AccessToken: "tok"}

func newIntake(t *testing.T, subs Subscriptions, prov Provisioner) *Intake {
	t.Helper()
	d := debounce.New(time.Hour)
	t.Cleanup(d.Stop)
	events := fakeEvents{organizers: map[string]string{
		"Users/1/Events/a": "a@uct.ac.za",
		"Users/1/Events/b": "b@uct.ac.za",
		"Users/1/Events/s": "studio@uct.ac.za",
	}}
	return New(d, subs, events, prov, WithExcludedOrganizer("Studio@uct.ac.za"))
}

func TestHandleAdmitsTrustedBatch(t *testing.T) {
	prov := &recordingProvisioner{}
	in := newIntake(t, staticSubs{sub: active}, prov)

	res := in.Handle(context.Background(), Batch{Value: []Envelope{
		{SubscriptionID: "sub-1", ClientState: "secret", Resource: "Users/1/Events/a"},
	}})
	in.Wait()

	require.Equal(t, Result{Trusted: true, Admitted: 1}, res)
	require.Equal(t, []string{"a@uct.ac.za"}, prov.got())
}

func TestOneBadClientStateDropsWholeBatch(t *testing.T) {
	prov := &recordingProvisioner{}
	in := newIntake(t, staticSubs{sub: active}, prov)

	res := in.Handle(context.Background(), Batch{Value: []Envelope{
		{SubscriptionID: "sub-1", ClientState: "secret", Resource: "Users/1/Events/a"},
		{SubscriptionID: "sub-2", ClientState: "forged", Resource: "Users/1/Events/b"},
	}})
	in.Wait()

	require.Equal(t, Result{}, res)
	require.Empty(t, prov.got())
}

func TestNoActiveSubscriptionDropsBatch(t *testing.T) {
	prov := &recordingProvisioner{}
	in := newIntake(t, staticSubs{err: store.ErrNotFound}, prov)

	res := in.Handle(context.Background(), Batch{Value: []Envelope{{SubscriptionID: "sub-1", ClientState: "", Resource: "Users/1/Events/a"}}})
	in.Wait()

	require.False(t, res.Trusted)
	require.Empty(t, prov.got())
}

func TestEmptyStoredClientStateDropsBatch(t *testing.T) {
	prov := &recordingProvisioner{}
	in := newIntake(t, staticSubs{sub: store.Subscription{ID: "sub-1", AccessToken: "tok"}}, prov)

	res := in.Handle(context.Background(), Batch{Value: []Envelope{{SubscriptionID: "sub-1", Resource: "Users/1/Events/a"}}})
	require.False(t, res.Trusted)
}

func TestDebounceBySubscriptionID(t *testing.T) {
	prov := &recordingProvisioner{}
	in := newIntake(t, staticSubs{sub: active}, prov)
	ctx := context.Background()

	res := in.Handle(ctx, Batch{Value: []Envelope{
		{SubscriptionID: "sub-1", ClientState: "secret", Resource: "Users/1/Events/a"},
		{SubscriptionID: "sub-1", ClientState: "secret", Resource: "Users/1/Events/b"},
	}})
	require.Equal(t, Result{Trusted: true, Admitted: 1, Debounced: 1}, res)

	res = in.Handle(ctx, Batch{Value: []Envelope{{SubscriptionID: "sub-1", ClientState: "secret", Resource: "Users/1/Events/a"}}})
	require.Equal(t, Result{Trusted: true, Debounced: 1}, res)
	in.Wait()
	require.Equal(t, []string{"a@uct.ac.za"}, prov.got())
}

func TestDispatchOutlivesRequestContext(t *testing.T) {
	prov := &recordingProvisioner{release: make(chan struct{})}
	in := newIntake(t, staticSubs{sub: active}, prov)

	ctx, cancel := context.WithCancel(context.Background())
	res := in.Handle(ctx, Batch{Value: []Envelope{{SubscriptionID: "sub-1", ClientState: "secret", Resource: "Users/1/Events/b"}}})
	require.Equal(t, 1, res.Admitted)
	cancel()
	close(prov.release)
	in.Wait()

	require.Equal(t, []string{"b@uct.ac.za"}, prov.got())
}

func TestExcludedOrganizerAndFailuresAreQuiet(t *testing.T) {
	prov := &recordingProvisioner{err: &provision.AlreadyProvisionedError{}}
	in := newIntake(t, staticSubs{sub: active}, prov)

	in.Handle(context.Background(), Batch{Value: []Envelope{
		{SubscriptionID: "x", ClientState: "secret", Resource: "Users/1/Events/s"},
		{SubscriptionID: "y", ClientState: "secret", Resource: "Users/1/Events/missing"},
		{SubscriptionID: "z", ClientState: "secret", Resource: "Users/1/Events/a"},
	}})
	in.Wait()

	require.Equal(t, []string{"a@uct.ac.za"}, prov.got())
}
