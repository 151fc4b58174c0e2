package handover

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow-engine/internal/decision"
	"leadflow-engine/internal/faults"
	"leadflow-engine/internal/lead"
)

type stubDestination struct {
	name  string
	ref   string
	err   error
	calls int
}

func (d *stubDestination) Name() string { return d.name }

func (d *stubDestination) Submit(ctx context.Context, l lead.Lead, p Payload) (string, error) {
	d.calls++
	if d.err != nil {
		return "", d.err
	}
	return d.ref, nil
}

func newTestExecutor(t *testing.T, dests ...Destination) (*Executor, *lead.MemoryRepo, *decision.MemoryRepo) {
	t.Helper()
	leads := lead.NewMemoryRepo()
	decRepo := decision.NewMemoryRepo()
	x := NewExecutor(dests, leads, decision.NewLog(decRepo), nil, slog.Default())
	x.SetRetryPause(time.Millisecond)
	return x, leads, decRepo
}

func seedQualified(t *testing.T, leads *lead.MemoryRepo) lead.Lead {
	t.Helper()
	l, err := leads.Create(context.Background(), lead.Lead{
		ID:     "lead-1",
		Email:  "ada@example.com",
		Status: lead.StatusQualified,
		Source: "web",
	})
	if err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	return l
}

func TestExecute_FallbackAfterTerminalRejection(t *testing.T) {
	ctx := context.Background()
	primary := &stubDestination{name: "buyer", err: faults.Terminal("filter mismatch", nil)}
	fallback := &stubDestination{name: "crm", ref: "crm-42"}
	x, leads, decRepo := newTestExecutor(t, primary, fallback)
	seedQualified(t, leads)

	results, err := x.Execute(ctx, "lead-1", "camp-1", "qualified by rules")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Accepted)
	assert.Equal(t, 1, results[0].Attempts, "terminal rejection must not be retried")
	assert.True(t, results[1].Accepted)
	assert.Equal(t, "crm-42", results[1].Reference)

	l, err := leads.FindByID(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, lead.StatusHandedOff, l.Status)

	recs := decRepo.All()
	require.Len(t, recs, 1)
	assert.Equal(t, decision.ActionHandover, recs[0].Action)
	assert.Contains(t, recs[0].Context, `"destination":"buyer"`)
	assert.Contains(t, recs[0].Context, `"destination":"crm"`)
}

func TestExecute_AllDestinationsFailRejectsLead(t *testing.T) {
	ctx := context.Background()
	primary := &stubDestination{name: "buyer", err: faults.Terminal("filter mismatch", nil)}
	fallback := &stubDestination{name: "crm", err: faults.Terminal("duplicate", nil)}
	x, leads, decRepo := newTestExecutor(t, primary, fallback)
	seedQualified(t, leads)

	results, err := x.Execute(ctx, "lead-1", "camp-1", "qualified")
	require.Error(t, err)
	assert.Equal(t, faults.KindTerminal, faults.KindOf(err))
	assert.Len(t, results, 2)

	l, err := leads.FindByID(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, lead.StatusRejected, l.Status)

	// Full per-destination error detail survives in the audit record.
	recs := decRepo.All()
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Context, "filter mismatch")
	assert.Contains(t, recs[0].Context, "duplicate")
}

func TestExecute_TransientRetryBound(t *testing.T) {
	ctx := context.Background()
	flaky := &stubDestination{name: "buyer", err: faults.Transient("gateway timeout", nil)}
	x, leads, _ := newTestExecutor(t, flaky)
	seedQualified(t, leads)

	results, err := x.Execute(ctx, "lead-1", "camp-1", "qualified")
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, 3, flaky.calls)
}

func TestExecute_IdempotentAfterHandoff(t *testing.T) {
	ctx := context.Background()
	primary := &stubDestination{name: "buyer", ref: "b-1"}
	x, leads, _ := newTestExecutor(t, primary)
	if _, err := leads.Create(ctx, lead.Lead{ID: "lead-1", Status: lead.StatusHandedOff}); err != nil {
		t.Fatal(err)
	}

	results, err := x.Execute(ctx, "lead-1", "camp-1", "redelivered job")
	require.NoError(t, err)
	assert.Nil(t, results)
	assert.Equal(t, 0, primary.calls)
}

func TestExecute_RequiresQualifiedLead(t *testing.T) {
	ctx := context.Background()
	x, leads, _ := newTestExecutor(t, &stubDestination{name: "buyer", ref: "b-1"})
	if _, err := leads.Create(ctx, lead.Lead{ID: "lead-1", Status: lead.StatusNew}); err != nil {
		t.Fatal(err)
	}

	_, err := x.Execute(ctx, "lead-1", "camp-1", "premature")
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestBoberdooDestination(t *testing.T) {
	ctx := context.Background()
	var gotSrc, gotEmail string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSrc = r.URL.Query().Get("src")
		gotEmail = r.URL.Query().Get("email")
		w.Write([]byte(`<response><status>Matched</status><lead_id>ext-7</lead_id><price>12.50</price></response>`))
	}))
	defer srv.Close()

	d := NewBoberdooDestination(srv.URL, "SRC1", "22", "secret", time.Second)
	ref, err := d.Submit(ctx, lead.Lead{ID: "lead-1", Email: "ada@example.com"}, Payload{})
	require.NoError(t, err)
	assert.Equal(t, "ext-7", ref)
	assert.Equal(t, "SRC1", gotSrc)
	assert.Equal(t, "ada@example.com", gotEmail)
}

func TestBoberdooDestination_Unmatched(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<response><status>Unmatched</status><message>no buyer for state</message></response>`))
	}))
	defer srv.Close()

	d := NewBoberdooDestination(srv.URL, "SRC1", "22", "secret", time.Second)
	_, err := d.Submit(context.Background(), lead.Lead{ID: "lead-1"}, Payload{})
	require.Error(t, err)
	assert.Equal(t, faults.KindTerminal, faults.KindOf(err))
	assert.Contains(t, err.Error(), "no buyer for state")
}

func TestCRMDestination_ErrorClassification(t *testing.T) {
	ctx := context.Background()
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"id":"crm-9"}`))
		}
	}))
	defer srv.Close()

	d := NewCRMDestination(srv.URL, "key", time.Second)

	_, err := d.Submit(ctx, lead.Lead{ID: "lead-1"}, Payload{})
	assert.Equal(t, faults.KindTransient, faults.KindOf(err), "5xx must be retryable")

	status = http.StatusUnprocessableEntity
	_, err = d.Submit(ctx, lead.Lead{ID: "lead-1"}, Payload{})
	assert.Equal(t, faults.KindTerminal, faults.KindOf(err), "4xx must not be retried")

	status = http.StatusOK
	ref, err := d.Submit(ctx, lead.Lead{ID: "lead-1"}, Payload{})
	require.NoError(t, err)
	assert.Equal(t, "crm-9", ref)
}
