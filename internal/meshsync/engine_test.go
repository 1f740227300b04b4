package meshsync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/campusmesh/go-campus-alerts/internal/apperr"
	"github.com/campusmesh/go-campus-alerts/internal/broadcast"
	"github.com/campusmesh/go-campus-alerts/internal/keyvault"
	"github.com/campusmesh/go-campus-alerts/internal/repository"
)

const gracePeriod = 7 * 24 * time.Hour

type engineFixture struct {
	engine *Engine
	store  *repository.SQLiteStore
	vault  *keyvault.Vault
	hub    *broadcast.Hub
}

func newEngineFixture(t *testing.T, batchLimit int) *engineFixture {
	t.Helper()
	store, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	vault := keyvault.NewVault(store, gracePeriod)
	hub := broadcast.NewHub(16)
	t.Cleanup(hub.Close)

	return &engineFixture{
		engine: NewEngine(store, vault, hub, batchLimit),
		store:  store,
		vault:  vault,
		hub:    hub,
	}
}

func (f *engineFixture) activateKey(t *testing.T, institutionID string) {
	t.Helper()
	if _, err := f.vault.GetActiveKey(context.Background(), institutionID); err != nil {
		t.Fatalf("failed to activate key: %v", err)
	}
}

func incoming(id string, keyVersion int, createdAt time.Time) IncomingMessage {
	return IncomingMessage{
		ID:         id,
		Payload:    json.RawMessage(`{"text":"shelter in place"}`),
		KeyVersion: keyVersion,
		CreatedAt:  createdAt,
	}
}

func TestSync_AcceptsAndPersists(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.activateKey(t, "school-1")
	ctx := context.Background()

	_, events := f.hub.Subscribe(broadcast.Scope{InstitutionID: "school-1"})

	report, err := f.engine.Sync(ctx, "school-1", "device-7", []IncomingMessage{
		incoming("msg-1", 1, time.Now().UTC().Add(-time.Hour)),
		incoming("msg-2", 1, time.Now().UTC().Add(-30*time.Minute)),
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Accepted != 2 || report.Duplicate != 0 || report.Rejected != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	exists, err := f.store.MessageExists(ctx, "school-1", "msg-1")
	if err != nil || !exists {
		t.Fatalf("expected msg-1 persisted, exists=%v err=%v", exists, err)
	}

	// Each accepted message is replayed to live subscribers.
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Name != EventMeshMessage {
				t.Errorf("expected %s event, got %s", EventMeshMessage, ev.Name)
			}
		default:
			t.Fatalf("expected %d replay events on the hub", 2)
		}
	}
}

func TestSync_ResyncIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.activateKey(t, "school-1")
	ctx := context.Background()

	batch := []IncomingMessage{
		incoming("msg-1", 1, time.Now().UTC().Add(-time.Hour)),
		incoming("msg-2", 1, time.Now().UTC().Add(-time.Hour)),
	}

	if _, err := f.engine.Sync(ctx, "school-1", "device-7", batch); err != nil {
		t.Fatalf("first Sync failed: %v", err)
	}

	// A device that lost connectivity mid-sync resubmits the whole queue.
	report, err := f.engine.Sync(ctx, "school-1", "device-7", batch)
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if report.Accepted != 0 || report.Duplicate != 2 {
		t.Fatalf("resync must deduplicate everything: %+v", report)
	}

	msgs, err := f.store.ListMessages(ctx, "school-1", repository.MessageFilter{})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 stored messages after resync, got %d", len(msgs))
	}
}

func TestSync_GraceWindowJudgedAtCreationTime(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.activateKey(t, "school-1")
	ctx := context.Background()

	rotatedAt := time.Now().UTC()
	if _, err := f.vault.Rotate(ctx, "school-1", keyvault.RoleAdmin); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	report, err := f.engine.Sync(ctx, "school-1", "device-7", []IncomingMessage{
		incoming("msg-early", 1, rotatedAt.Add(3*24*time.Hour)),
		incoming("msg-late", 1, rotatedAt.Add(8*24*time.Hour)),
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	byID := map[string]MessageResult{}
	for _, r := range report.Results {
		byID[r.ID] = r
	}
	if got := byID["msg-early"]; got.Status != StatusAccepted {
		t.Errorf("message inside grace window must be accepted: %+v", got)
	}
	if got := byID["msg-late"]; got.Status != StatusRejected || got.Reason != ReasonInvalidOrExpiredKey {
		t.Errorf("message after grace window must be rejected: %+v", got)
	}
}

func TestSync_UnknownKeyVersionRejected(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.activateKey(t, "school-1")

	report, err := f.engine.Sync(context.Background(), "school-1", "device-7", []IncomingMessage{
		incoming("msg-1", 42, time.Now().UTC()),
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if got := report.Results[0]; got.Status != StatusRejected || got.Reason != ReasonInvalidOrExpiredKey {
		t.Fatalf("expected rejection for unknown key version: %+v", got)
	}
}

func TestSync_MalformedMessages(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.activateKey(t, "school-1")

	report, err := f.engine.Sync(context.Background(), "school-1", "device-7", []IncomingMessage{
		{ID: "", KeyVersion: 1, CreatedAt: time.Now().UTC()},
		{ID: "msg-no-time", KeyVersion: 1},
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if report.Rejected != 2 {
		t.Fatalf("expected both malformed messages rejected: %+v", report)
	}
	for _, r := range report.Results {
		if r.Reason != ReasonMalformedMessage {
			t.Errorf("expected malformed_message reason, got %+v", r)
		}
	}
}

func TestSync_BatchShapeErrors(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.activateKey(t, "school-1")
	ctx := context.Background()

	_, err := f.engine.Sync(ctx, "", "device-7", []IncomingMessage{})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("missing institution must be a validation error, got %v", err)
	}

	_, err = f.engine.Sync(ctx, "school-1", "", []IncomingMessage{})
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("missing sender must be a validation error, got %v", err)
	}

	_, err = f.engine.Sync(ctx, "school-1", "device-7", nil)
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("nil batch must be a validation error, got %v", err)
	}

	// An empty list is a legitimate no-op sync.
	report, err := f.engine.Sync(ctx, "school-1", "device-7", []IncomingMessage{})
	if err != nil {
		t.Fatalf("empty batch must succeed: %v", err)
	}
	if len(report.Results) != 0 {
		t.Errorf("expected empty report, got %+v", report)
	}
}

func TestSync_OversizedBatchRejectedWholesale(t *testing.T) {
	f := newEngineFixture(t, 3)
	f.activateKey(t, "school-1")
	ctx := context.Background()

	batch := make([]IncomingMessage, 4)
	for i := range batch {
		batch[i] = incoming(fmt.Sprintf("msg-%d", i), 1, time.Now().UTC())
	}

	_, err := f.engine.Sync(ctx, "school-1", "device-7", batch)
	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("oversized batch must be a validation error, got %v", err)
	}

	// Nothing from the oversized batch may have been persisted.
	msgs, err := f.store.ListMessages(ctx, "school-1", repository.MessageFilter{})
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("oversized batch must not persist partially, found %d messages", len(msgs))
	}
}

func TestSync_MixedBatchKeepsOrder(t *testing.T) {
	f := newEngineFixture(t, 0)
	f.activateKey(t, "school-1")
	ctx := context.Background()

	if _, err := f.engine.Sync(ctx, "school-1", "device-7", []IncomingMessage{
		incoming("msg-dup", 1, time.Now().UTC().Add(-time.Hour)),
	}); err != nil {
		t.Fatalf("seed Sync failed: %v", err)
	}

	report, err := f.engine.Sync(ctx, "school-1", "device-7", []IncomingMessage{
		incoming("msg-new", 1, time.Now().UTC().Add(-time.Minute)),
		incoming("msg-dup", 1, time.Now().UTC().Add(-time.Hour)),
		{ID: "msg-bad", KeyVersion: 1},
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	want := []struct {
		id     string
		status Status
	}{
		{"msg-new", StatusAccepted},
		{"msg-dup", StatusDuplicate},
		{"msg-bad", StatusRejected},
	}
	if len(report.Results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(report.Results))
	}
	for i, w := range want {
		if report.Results[i].ID != w.id || report.Results[i].Status != w.status {
			t.Errorf("result %d: expected %s/%s, got %+v", i, w.id, w.status, report.Results[i])
		}
	}
	if report.Accepted != 1 || report.Duplicate != 1 || report.Rejected != 1 {
		t.Errorf("unexpected counters: %+v", report)
	}
}
