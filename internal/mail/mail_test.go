package mail

import (
	"context"
	"errors"
	"strings"
	"testing"

	"obsapi.org/internal/graph"
	"obsapi.org/internal/store"
)

type recordingSender struct {
	token string
	msgs  []graph.Message
}

func (r *recordingSender) SendMail(ctx context.Context, token string, msg graph.Message) error {
	r.token = token
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestSendWelcome(t *testing.T) {
	st := store.NewInMemory()
	if err := st.Tokens().Save(context.Background(), store.AccessToken{OwnerID: "svc", Value: "tok"}); err != nil {
		t.Fatal(err)
	}
	sender := &recordingSender{}
	m, err := New(sender, st.Tokens())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Send(context.Background(), "a@uct.ac.za", Welcome, Data{FullName: "Ann <Lee>", Account: "01234567"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sender.token != "tok" || len(sender.msgs) != 1 {
		t.Fatalf("unexpected send token=%q msgs=%d", sender.token, len(sender.msgs))
	}
	msg := sender.msgs[0]
	if msg.Subject != "Welcome to the One Button Studio" || msg.ToRecipients[0].EmailAddress.Address != "a@uct.ac.za" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !strings.Contains(msg.Body.Content, "Ann &lt;Lee&gt;") {
		t.Fatalf("name not escaped: %s", msg.Body.Content)
	}
}

func TestRenderTransferIncludesCode(t *testing.T) {
	m, err := New(&recordingSender{}, store.NewInMemory().Tokens())
	if err != nil {
		t.Fatal(err)
	}
	_, body, err := m.Render(Transfer, Data{Account: "t123", ValidationString: "abc123"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "abc123") || !strings.Contains(body, "t123") {
		t.Fatalf("unexpected body %s", body)
	}
	if _, _, err := m.Render("nope", Data{}); err == nil {
		t.Fatal("expected unknown template error")
	}
}

func TestSendWithoutToken(t *testing.T) {
	m, err := New(&recordingSender{}, store.NewInMemory().Tokens())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Send(context.Background(), "a@uct.ac.za", Welcome, Data{}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
