package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrappingKeepsCause(t *testing.T) {
	cause := errors.New("boom")

	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{name: "upstream", err: Upstream("graph", "create subscription", 400, cause), check: IsUpstream},
		{name: "persistence", err: Persistence("save subscription", cause), check: IsPersistence},
		{name: "wrapped upstream", err: fmt.Errorf("provision: %w", Upstream("opencast", "search", 0, cause)), check: IsUpstream},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if !tc.check(tc.err) {
				t.Fatalf("expected %v to match its kind", tc.err)
			}
			if !errors.Is(tc.err, cause) {
				t.Fatalf("expected %v to unwrap to cause", tc.err)
			}
		})
	}
}

func TestNilWrapsToNil(t *testing.T) {
	if Upstream("graph", "op", 0, nil) != nil {
		t.Fatal("expected nil upstream error")
	}
	if Persistence("op", nil) != nil {
		t.Fatal("expected nil persistence error")
	}
}

func TestUpstreamMessage(t *testing.T) {
	err := Upstream("graph", "patch subscription", 404, errors.New("gone"))
	if got := err.Error(); got != "graph patch subscription: status=404: gone" {
		t.Fatalf("unexpected message %q", got)
	}
}
