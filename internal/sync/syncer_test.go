package sync

import (
	"context"
	"testing"
	"time"

	"github.com/agentcontext/contextmesh/internal/meshtypes"
	"github.com/agentcontext/contextmesh/internal/store"
)

type fakeClient struct {
	listing []meshtypes.IDMetadata
	docs    map[string]struct {
		payload meshtypes.RawPayload
		meta    meshtypes.Metadata
	}
	events chan StreamEvent
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		docs: map[string]struct {
			payload meshtypes.RawPayload
			meta    meshtypes.Metadata
		}{},
		events: make(chan StreamEvent, 8),
	}
}

func (f *fakeClient) ListWithMetadata(ctx context.Context) ([]meshtypes.IDMetadata, error) {
	return f.listing, nil
}

func (f *fakeClient) GetContext(ctx context.Context, id string) (meshtypes.RawPayload, meshtypes.Metadata, error) {
	d, ok := f.docs[id]
	if !ok {
		return nil, meshtypes.Metadata{}, ErrRemoteNotFound
	}
	return d.payload, d.meta, nil
}

func (f *fakeClient) StreamAll(ctx context.Context) (<-chan StreamEvent, error) {
	return f.events, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	backend, err := store.NewFileBackend(dir)
	if err != nil {
		t.Fatal(err)
	}
	return store.New(store.Options{Backend: backend})
}

func TestCatchupPullsMissingAndStaleContexts(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	client.listing = []meshtypes.IDMetadata{
		{ID: "a", Metadata: meshtypes.Metadata{Version: 3}},
	}
	client.docs["a"] = struct {
		payload meshtypes.RawPayload
		meta    meshtypes.Metadata
	}{payload: []byte(`{"v":3}`), meta: meshtypes.Metadata{Version: 3}}

	s := New(Options{Store: st, SyncInterval: time.Second})
	if err := s.catchup(context.Background(), client); err != nil {
		t.Fatal(err)
	}
	meta, err := st.GetMetadata("a")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Version != 3 {
		t.Fatalf("expected version 3 after catchup, got %d", meta.Version)
	}
}

func TestCatchupSkipsContextsAlreadyCurrent(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Save("a", []byte(`{"v":1}`), nil); err != nil {
		t.Fatal(err)
	}
	client := newFakeClient()
	client.listing = []meshtypes.IDMetadata{
		{ID: "a", Metadata: meshtypes.Metadata{Version: 1}},
	}

	s := New(Options{Store: st, SyncInterval: time.Second})
	if err := s.catchup(context.Background(), client); err != nil {
		t.Fatal(err)
	}
	// GetContext was never populated for "a", so if catchup tried to fetch
	// it, it would have logged an error but not panicked; assert version
	// is unchanged as the real signal that the fetch was skipped.
	meta, err := st.GetMetadata("a")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Version != 1 {
		t.Fatalf("expected version to remain 1, got %d", meta.Version)
	}
}

func TestDiscoverPrefersOnlineTaggedPeerOverStaticFallback(t *testing.T) {
	st := newTestStore(t)
	dir := newFakeDirectory([]meshtypes.Peer{
		{Name: "central-1", Address: "http://central:8080", Tags: []string{"central"}, Online: true},
	})
	s := New(Options{Store: st, Directory: dir, UpstreamTag: "central", StaticFallback: "http://fallback:9090"})
	addr, err := s.discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if addr != "http://central:8080" {
		t.Fatalf("expected discovered peer address, got %s", addr)
	}
}

func TestDiscoverFallsBackWhenNoOnlinePeer(t *testing.T) {
	st := newTestStore(t)
	dir := newFakeDirectory(nil)
	s := New(Options{Store: st, Directory: dir, UpstreamTag: "central", StaticFallback: "http://fallback:9090"})
	addr, err := s.discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if addr != "http://fallback:9090" {
		t.Fatalf("expected static fallback, got %s", addr)
	}
}

func TestDiscoverErrorsWithNoPeerAndNoFallback(t *testing.T) {
	st := newTestStore(t)
	dir := newFakeDirectory(nil)
	s := New(Options{Store: st, Directory: dir, UpstreamTag: "central"})
	if _, err := s.discover(context.Background()); err == nil {
		t.Fatal("expected error when no upstream is discoverable")
	}
}

func TestStreamAppliesUpdateAndDeleteEvents(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	client.docs["a"] = struct {
		payload meshtypes.RawPayload
		meta    meshtypes.Metadata
	}{payload: []byte(`{"v":1}`), meta: meshtypes.Metadata{Version: 1}}

	s := New(Options{Store: st, SyncInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	var resyncFlag bool
	var streamErr error
	go func() {
		resyncFlag, streamErr = s.stream(ctx, client)
		close(done)
	}()

	client.events <- StreamEvent{Event: "update", ContextID: "a"}
	time.Sleep(50 * time.Millisecond)
	client.events <- StreamEvent{Event: "delete", ContextID: "missing"}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if streamErr != nil {
		t.Fatalf("unexpected stream error: %v", streamErr)
	}
	if resyncFlag {
		t.Fatal("did not expect a resync signal")
	}

	meta, err := st.GetMetadata("a")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Version != 1 {
		t.Fatalf("expected applied update to land at version 1, got %d", meta.Version)
	}
}

func TestStreamReturnsResyncOnResyncEvent(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	s := New(Options{Store: st, SyncInterval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client.events <- StreamEvent{Event: "resync"}
	resync, err := s.stream(ctx, client)
	if err != nil {
		t.Fatal(err)
	}
	if !resync {
		t.Fatal("expected resync signal to propagate")
	}
}

type fakeDirectory struct {
	peers []meshtypes.Peer
}

func newFakeDirectory(peers []meshtypes.Peer) *fakeDirectory {
	return &fakeDirectory{peers: peers}
}

func (f *fakeDirectory) Peers(ctx context.Context) ([]meshtypes.Peer, error) {
	return f.peers, nil
}
