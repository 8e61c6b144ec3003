package forge

import (
	"context"
	"errors"
	"testing"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		want    Ref
		wantErr bool
	}{
		{in: "acme/api#12", want: Ref{"acme", "api", 12}},
		{in: "  acme/api#12 ", want: Ref{"acme", "api", 12}},
		{in: "acme/api/7", want: Ref{"acme", "api", 7}},
		{in: "https://github.com/acme/api/pull/42", want: Ref{"acme", "api", 42}},
		{in: "https://github.com/acme/api/pull/42/files", want: Ref{"acme", "api", 42}},
		{in: "acme/api.git#3", want: Ref{"acme", "api", 3}},
		{in: "acme#3", wantErr: true},
		{in: "acme/api#x", wantErr: true},
		{in: "acme/api#0", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRef(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseRef(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRef(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseRef(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRefKey(t *testing.T) {
	r := Ref{Owner: "acme", Repo: "api", Number: 10}
	if r.Key() != "acme/api#10" {
		t.Errorf("Key() = %q", r.Key())
	}
	if r.FullName() != "acme/api" {
		t.Errorf("FullName() = %q", r.FullName())
	}
}

func TestApprovedByUser(t *testing.T) {
	pr := PullRequest{ApprovedBy: []string{"Alice", "bob"}}
	if !pr.ApprovedByUser("alice") {
		t.Error("expected case-insensitive match for alice")
	}
	if pr.ApprovedByUser("carol") {
		t.Error("carol has not approved")
	}
}

// mergeRecorder is a Client whose Merge fails for the configured strategies.
type mergeRecorder struct {
	Client
	fail  map[MergeStrategy]bool
	calls []MergeStrategy
}

func (m *mergeRecorder) Merge(_ context.Context, _ Ref, s MergeStrategy) error {
	m.calls = append(m.calls, s)
	if m.fail[s] {
		return errors.New("not allowed")
	}
	return nil
}

func TestMergePreferSquash(t *testing.T) {
	ref := Ref{"acme", "api", 1}

	t.Run("squash allowed", func(t *testing.T) {
		m := &mergeRecorder{}
		got, err := MergePreferSquash(context.Background(), m, ref)
		if err != nil {
			t.Fatalf("MergePreferSquash: %v", err)
		}
		if got != MergeSquash || len(m.calls) != 1 {
			t.Errorf("got %s after %v, want squash in one call", got, m.calls)
		}
	})

	t.Run("falls back to merge commit", func(t *testing.T) {
		m := &mergeRecorder{fail: map[MergeStrategy]bool{MergeSquash: true}}
		got, err := MergePreferSquash(context.Background(), m, ref)
		if err != nil {
			t.Fatalf("MergePreferSquash: %v", err)
		}
		if got != MergeCommit {
			t.Errorf("got %s, want merge", got)
		}
	})

	t.Run("both fail", func(t *testing.T) {
		m := &mergeRecorder{fail: map[MergeStrategy]bool{MergeSquash: true, MergeCommit: true}}
		if _, err := MergePreferSquash(context.Background(), m, ref); err == nil {
			t.Fatal("expected error when every strategy fails")
		}
	})
}

func TestNewUnknownBackend(t *testing.T) {
	if _, err := New("gitlab"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	c, err := New("")
	if err != nil {
		t.Fatalf("New(\"\"): %v", err)
	}
	if _, ok := c.(*GHClient); !ok {
		t.Errorf("default backend = %T, want *GHClient", c)
	}
}
