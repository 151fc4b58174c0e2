package lead

import (
	"context"
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusNew, StatusContacted, true},
		{StatusNew, StatusQualified, true},
		{StatusContacted, StatusQualified, true},
		{StatusQualified, StatusHandedOff, true},
		{StatusQualified, StatusRejected, true},
		{StatusHandedOff, StatusArchived, true},
		{StatusHandedOff, StatusNew, false},
		{StatusArchived, StatusNew, false},
		{StatusArchived, StatusArchived, true},
		{StatusRejected, StatusQualified, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Fatalf("%s -> %s: expected %v", c.from, c.to, c.ok)
		}
	}
}

func TestMemoryRepo_Lifecycle(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	l, err := repo.Create(ctx, Lead{Email: "a@example.com", Source: "web"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if l.ID == "" || l.Status != StatusNew {
		t.Fatalf("create must assign id and status, got %+v", l)
	}

	if _, err := repo.UpdateStatus(ctx, l.ID, StatusHandedOff); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("new -> handed_off must be rejected, got %v", err)
	}

	l, err = repo.UpdateStatus(ctx, l.ID, StatusContacted)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if l.Status != StatusContacted {
		t.Fatalf("expected contacted, got %s", l.Status)
	}

	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasField(t *testing.T) {
	l := Lead{Email: "a@example.com", Metadata: map[string]string{"budget": "10k"}}
	if !l.HasField("email") || l.HasField("phone") {
		t.Fatalf("contact field resolution wrong")
	}
	if !l.HasField("budget") || l.HasField("missing") {
		t.Fatalf("metadata field resolution wrong")
	}
}

func TestParseChannel(t *testing.T) {
	if _, err := ParseChannel("fax"); err == nil {
		t.Fatalf("unknown channel must error")
	}
	ch, err := ParseChannel("sms")
	if err != nil || ch != ChannelSMS {
		t.Fatalf("expected sms, got %v %v", ch, err)
	}
}
