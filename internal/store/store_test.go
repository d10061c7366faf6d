package store

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/agentcontext/contextmesh/internal/eventbus"
	"github.com/agentcontext/contextmesh/internal/meshtypes"
)

func newTestStore(t *testing.T) (*Store, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(Options{Backend: NewMemoryBackend(), Bus: bus})
	return s, bus
}

// flakyMetadataBackend wraps a MemoryBackend and fails the next WriteMetadata
// call when armed, to exercise commit's rollback path.
type flakyMetadataBackend struct {
	*MemoryBackend
	failNextWrite bool
}

func newFlakyMetadataBackend() *flakyMetadataBackend {
	return &flakyMetadataBackend{MemoryBackend: NewMemoryBackend()}
}

func (b *flakyMetadataBackend) WriteMetadata(id string, meta meshtypes.Metadata) error {
	if b.failNextWrite {
		b.failNextWrite = false
		return errSimulatedMetadataFailure
	}
	return b.MemoryBackend.WriteMetadata(id, meta)
}

var errSimulatedMetadataFailure = &fakeBackendError{"simulated metadata write failure"}

type fakeBackendError struct{ msg string }

func (e *fakeBackendError) Error() string { return e.msg }

func TestSaveVersionsStartAtOneAndIncrementByOne(t *testing.T) {
	s, _ := newTestStore(t)

	meta, err := s.Save("c1", []byte(`{"x":1}`), nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if meta.Version != 1 {
		t.Fatalf("expected version 1, got %d", meta.Version)
	}

	meta, err = s.Save("c1", []byte(`{"x":2}`), nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if meta.Version != 2 {
		t.Fatalf("expected version 2, got %d", meta.Version)
	}
}

func TestGetReturnsCurrentPayload(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Save("c1", []byte(`{"x":1}`), nil); err != nil {
		t.Fatal(err)
	}
	payload, err := s.Get("c1")
	if err != nil {
		t.Fatal(err)
	}
	if string(payload) != `{"x":1}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestDeleteThenRecreateResetsVersion(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Save("c1", []byte(`{"x":1}`), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("c1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("c1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	meta, err := s.Save("c1", []byte(`{"x":3}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Version != 1 {
		t.Fatalf("expected version reset to 1, got %d", meta.Version)
	}
}

func TestDeleteNonExistentIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Delete("nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveRejectsInvalidIDsAndPayloads(t *testing.T) {
	s, _ := newTestStore(t)
	cases := []struct {
		id      string
		payload []byte
	}{
		{"", []byte(`{}`)},
		{"has/slash", []byte(`{}`)},
		{"has\x00nul", []byte(`{}`)},
		{"ok", []byte(``)},
		{"ok", []byte(`not json`)},
	}
	for _, tc := range cases {
		if _, err := s.Save(tc.id, tc.payload, nil); err != ErrInvalid {
			t.Errorf("id=%q payload=%q: expected ErrInvalid, got %v", tc.id, tc.payload, err)
		}
	}
}

func TestSavePublishesUpdatedExactlyOnce(t *testing.T) {
	s, bus := newTestStore(t)
	sub := bus.Subscribe(8)
	defer sub.Unsubscribe()

	if _, err := s.Save("c1", []byte(`{}`), nil); err != nil {
		t.Fatal(err)
	}

	select {
	case <-sub.Next():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
	events := sub.Drain()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	if events[0].Type != meshtypes.EventUpdated || events[0].ContextID != "c1" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestDeletePublishesDeletedExactlyOnce(t *testing.T) {
	s, bus := newTestStore(t)
	if _, err := s.Save("c1", []byte(`{}`), nil); err != nil {
		t.Fatal(err)
	}
	sub := bus.Subscribe(8)
	defer sub.Unsubscribe()

	if err := s.Delete("c1"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-sub.Next():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for publish")
	}
	events := sub.Drain()
	if len(events) != 1 || events[0].Type != meshtypes.EventDeleted {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestApplyFromUpstreamNeverPublishes(t *testing.T) {
	s, bus := newTestStore(t)
	sub := bus.Subscribe(8)
	defer sub.Unsubscribe()

	err := s.ApplyFromUpstream("c1", []byte(`{"x":1}`), meshtypes.Metadata{Version: 5, LastModified: nowISO8601(), Size: 8})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-sub.Next():
		t.Fatal("apply-from-upstream must never publish")
	case <-time.After(100 * time.Millisecond):
	}

	meta, err := s.GetMetadata("c1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Version != 5 {
		t.Fatalf("expected version 5 to be preserved verbatim, got %d", meta.Version)
	}
}

func TestApplyFromUpstreamIsIdempotentPerVersion(t *testing.T) {
	s, _ := newTestStore(t)
	meta := meshtypes.Metadata{Version: 3, LastModified: nowISO8601(), Size: 2}
	if err := s.ApplyFromUpstream("c1", []byte(`{}`), meta); err != nil {
		t.Fatal(err)
	}
	// A stale re-delivery (version <= local) must be a no-op, not an error
	// and not a downgrade.
	stale := meshtypes.Metadata{Version: 2, LastModified: nowISO8601(), Size: 999}
	if err := s.ApplyFromUpstream("c1", []byte(`{"stale":true}`), stale); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMetadata("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 3 {
		t.Fatalf("stale apply must not overwrite newer version, got %d", got.Version)
	}
}

func TestApplyFromUpstreamAppliedTwiceLeavesStateIdentical(t *testing.T) {
	s, _ := newTestStore(t)
	meta := meshtypes.Metadata{Version: 1, LastModified: "2024-01-01T00:00:00Z", Size: 2}
	payload := []byte(`{}`)
	if err := s.ApplyFromUpstream("c1", payload, meta); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyFromUpstream("c1", payload, meta); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetMetadata("c1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, meta) {
		t.Fatalf("expected identical metadata after re-delivery, got %+v", got)
	}
}

func TestCommitRollsBackPayloadOnMetadataWriteFailureWithPreviousVersion(t *testing.T) {
	backend := newFlakyMetadataBackend()
	s := New(Options{Backend: backend})

	if _, err := s.Save("c1", []byte(`{"x":1}`), nil); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	backend.failNextWrite = true
	if _, err := s.Save("c1", []byte(`{"x":2}`), nil); err == nil {
		t.Fatal("expected save to fail when metadata write fails")
	}

	payload, err := s.Get("c1")
	if err != nil {
		t.Fatalf("expected previous payload to survive rollback, got error: %v", err)
	}
	if string(payload) != `{"x":1}` {
		t.Fatalf("expected payload rolled back to previous version, got %s", payload)
	}
	meta, err := s.GetMetadata("c1")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Version != 1 {
		t.Fatalf("expected metadata still at version 1, got %d", meta.Version)
	}
}

func TestCommitDeletesOrphanedPayloadOnMetadataWriteFailureWithNoPreviousVersion(t *testing.T) {
	backend := newFlakyMetadataBackend()
	s := New(Options{Backend: backend})

	backend.failNextWrite = true
	if _, err := s.Save("c1", []byte(`{"x":1}`), nil); err == nil {
		t.Fatal("expected save to fail when metadata write fails")
	}

	// A context that never had metadata must not be left visible via a
	// payload with no matching metadata: both Get and GetMetadata must
	// report it as absent.
	if _, err := s.Get("c1"); err != ErrNotFound {
		t.Fatalf("expected orphaned payload to be cleaned up, got %v", err)
	}
	if _, err := s.GetMetadata("c1"); err != ErrNotFound {
		t.Fatalf("expected no metadata for a context that never committed, got %v", err)
	}
	ids, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected orphaned payload to not appear in listings, got %v", ids)
	}
}

func TestConcurrentSavesOnSameIDAreLinearized(t *testing.T) {
	s, _ := newTestStore(t)
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.Save("hot", []byte(`{}`), nil); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	meta, err := s.GetMetadata("hot")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Version != n {
		t.Fatalf("expected version %d after %d concurrent saves, got %d", n, n, meta.Version)
	}
}

func TestConcurrentSavesOnDistinctIDsProceedIndependently(t *testing.T) {
	s, _ := newTestStore(t)
	var wg sync.WaitGroup
	ids := []string{"a", "b", "c", "d"}
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if _, err := s.Save(id, []byte(`{}`), nil); err != nil {
					t.Error(err)
				}
			}
		}(id)
	}
	wg.Wait()
	for _, id := range ids {
		meta, err := s.GetMetadata(id)
		if err != nil {
			t.Fatal(err)
		}
		if meta.Version != 10 {
			t.Fatalf("id %s: expected version 10, got %d", id, meta.Version)
		}
	}
}

func TestListWithMetadata(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Save("a", []byte(`{}`), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save("b", []byte(`{}`), nil); err != nil {
		t.Fatal(err)
	}
	items, err := s.ListWithMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
}

func TestExtraMetadataIsMergedAndCallerVersionIgnored(t *testing.T) {
	s, _ := newTestStore(t)
	extra := map[string]any{"conversationId": "conv-1", "version": 999}
	meta, err := s.Save("c1", []byte(`{}`), extra)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Version != 1 {
		t.Fatalf("caller-supplied version must be ignored, got %d", meta.Version)
	}
	if meta.Extra["conversationId"] != "conv-1" {
		t.Fatalf("expected extra fields merged in, got %+v", meta.Extra)
	}
}

func TestSizeMatchesSerializedPayloadLength(t *testing.T) {
	s, _ := newTestStore(t)
	payload := []byte(`{"hello":"world"}`)
	meta, err := s.Save("c1", payload, nil)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Size != int64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), meta.Size)
	}
	got, err := s.Get("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != int(meta.Size) {
		t.Fatalf("committed metadata size %d does not match payload length %d", meta.Size, len(got))
	}
}

func TestValidJSONRoundTrips(t *testing.T) {
	s, _ := newTestStore(t)
	type inner struct {
		A int `json:"a"`
	}
	payload, err := json.Marshal(inner{A: 5})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save("c1", payload, nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("c1")
	if err != nil {
		t.Fatal(err)
	}
	var out inner
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatal(err)
	}
	if out.A != 5 {
		t.Fatalf("expected round-tripped value 5, got %d", out.A)
	}
}
