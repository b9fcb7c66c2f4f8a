package relay

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/dropbridge/internal/archive"
	"github.com/rudransh-shrivastava/dropbridge/internal/bus"
	"github.com/rudransh-shrivastava/dropbridge/internal/content"
	"github.com/rudransh-shrivastava/dropbridge/internal/history"
	"github.com/rudransh-shrivastava/dropbridge/internal/logger"
	"github.com/rudransh-shrivastava/dropbridge/internal/peer"
	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
	"github.com/rudransh-shrivastava/dropbridge/internal/registry"
)

type fixture struct {
	reg     *registry.Registry
	relay   *Relay
	store   *content.Disk
	history *history.Store
}

func setupRelay(t *testing.T, ackTimeout time.Duration) *fixture {
	t.Helper()

	store, err := content.NewDisk(content.DiskConfig{
		Dir:     t.TempDir(),
		BaseURL: "https://proxy:8771",
		Logger:  logger.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(store.Close)

	hist, err := history.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })

	reg := registry.New(registry.Config{Logger: logger.Discard()})
	return &fixture{
		reg:   reg,
		store: store,
		relay: New(Config{
			Peers:      reg,
			Content:    store,
			History:    hist,
			AckTimeout: ackTimeout,
			Logger:     logger.Discard(),
		}),
		history: hist,
	}
}

func (f *fixture) bridged(t *testing.T, name string) (*peer.Bridged, *bus.Bus) {
	t.Helper()

	b := bus.New(bus.Config{Logger: logger.Discard()})
	p := peer.NewBridged(peer.BridgedConfig{Name: name, Bus: b, Logger: logger.Discard()})
	require.NoError(t, f.reg.Register(context.Background(), p))
	t.Cleanup(func() {
		b.Close(nil)
		f.reg.Unregister(context.Background(), p)
	})
	return p, b
}

// nextRequest is called from helper goroutines, so it reports with Error
// and returns a ping on timeout.
func nextRequest(t *testing.T, b *bus.Bus) *protocol.Message {
	t.Helper()

	select {
	case msg := <-b.Outbound():
		return msg
	case <-time.After(2 * time.Second):
		t.Error("peer received no request")
		return &protocol.Message{ID: "missing", Payload: &protocol.Ping{}}
	}
}

func replyTo(b *bus.Bus, req *protocol.Message, payload protocol.Payload) {
	b.Deliver(context.Background(), &protocol.Message{ID: "re-" + req.ID, ReplyTo: req.ID, Payload: payload})
}

func stageText(t *testing.T, f *fixture, name, text string) content.Ref {
	t.Helper()

	ref, err := f.store.Stage(bytes.NewBufferString(text), name)
	require.NoError(t, err)
	return ref
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		key      string
		expected peer.ID
	}{
		{"abc123def456", "abc123def456"},
		{"ABC123def456.local", "abc123def456"},
		{"abc123def456.local.", "abc123def456"},
		{"abc123def456.local:8771", "abc123def456"},
		{" abc123def456.local.:8771 ", "abc123def456"},
	}

	for _, tt := range tests {
		if got := NormalizeKey(tt.key); got != tt.expected {
			t.Errorf("NormalizeKey(%q) = %q, want %q", tt.key, got, tt.expected)
		}
	}
}

func TestEndToEnd(t *testing.T) {
	f := setupRelay(t, 5*time.Second)
	ctx := context.Background()

	b := bus.New(bus.Config{Logger: logger.Discard()})
	defer b.Close(nil)
	p := peer.NewBridged(peer.BridgedConfig{Name: "Firefox on Linux", Bus: b, Logger: logger.Discard()})
	require.NoError(t, f.reg.Register(ctx, p))
	key := string(p.ID()) + ".local:8771"

	disc := f.relay.HandleDiscover(ctx, key)
	require.True(t, disc.Found)
	assert.Equal(t, "Firefox on Linux", disc.DisplayName)
	assert.NotEmpty(t, disc.Capabilities)

	go func() {
		req := nextRequest(t, b)
		time.Sleep(100 * time.Millisecond)
		replyTo(b, req, &protocol.CanAcceptResponse{Accepted: true})
	}()
	ask := f.relay.HandleAsk(ctx, key, &peer.TransferRequest{
		SenderName: "Dean's iPhone",
		Files:      []peer.FileInfo{{Name: "photo.jpg", Type: "public.jpeg"}},
	}, 5*time.Second)
	require.True(t, ask.Accepted)

	ref := stageText(t, f, "photo.jpg", "jpeg")
	go func() {
		req := nextRequest(t, b)
		ready, ok := req.Payload.(*protocol.FileReadyRequest)
		if assert.True(t, ok) {
			assert.Equal(t, ref.URL, ready.URL)
		}
		replyTo(b, req, &protocol.FileReadyResponse{Received: true})
	}()
	ack := f.relay.HandleUploadFile(ctx, key, ref)
	require.True(t, ack.Acknowledged)

	_, _, err := f.store.Open(ref.Token)
	assert.ErrorIs(t, err, content.ErrNotFound, "content released after acknowledgement")

	f.reg.Unregister(ctx, p)
	assert.False(t, f.relay.HandleDiscover(ctx, key).Found)

	tr, err := f.history.Get(ctx, ask.TransferID)
	require.NoError(t, err)
	assert.Equal(t, history.StateAccepted, tr.State)
}

func TestAskRoutingMiss(t *testing.T) {
	f := setupRelay(t, time.Second)

	res := f.relay.HandleAsk(context.Background(), "nobody.local", &peer.TransferRequest{}, time.Second)
	assert.False(t, res.Accepted)
	assert.False(t, f.relay.HandleDiscover(context.Background(), "nobody.local").Found)
}

func TestAskTimeoutRejects(t *testing.T) {
	f := setupRelay(t, time.Second)
	p, b := f.bridged(t, "Silent")

	timeout := 100 * time.Millisecond
	start := time.Now()
	res := f.relay.HandleAsk(context.Background(), string(p.ID()), &peer.TransferRequest{}, timeout)

	assert.False(t, res.Accepted)
	assert.Less(t, time.Since(start), timeout+time.Second)
	assert.Zero(t, b.Pending(), "correlation entry must be gone after timeout")

	tr, err := f.history.Get(context.Background(), res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, history.StateRejected, tr.State)
}

func TestConcurrentAsksReverseReplies(t *testing.T) {
	f := setupRelay(t, time.Second)
	p, b := f.bridged(t, "Busy")
	key := string(p.ID())

	results := make(map[string]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sender := range []string{"accept-me", "reject-me"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			res := f.relay.HandleAsk(context.Background(), key, &peer.TransferRequest{SenderName: sender}, 5*time.Second)
			mu.Lock()
			results[sender] = res.Accepted
			mu.Unlock()
		}(sender)
	}

	first := nextRequest(t, b)
	second := nextRequest(t, b)
	for _, req := range []*protocol.Message{second, first} {
		ask, ok := req.Payload.(*protocol.CanAcceptRequest)
		require.True(t, ok)
		replyTo(b, req, &protocol.CanAcceptResponse{Accepted: ask.SenderName == "accept-me"})
	}
	wg.Wait()

	assert.True(t, results["accept-me"])
	assert.False(t, results["reject-me"])
	assert.Zero(t, b.Pending())
}

func TestDisconnectResolvesPendingAsk(t *testing.T) {
	f := setupRelay(t, time.Second)
	p, b := f.bridged(t, "Flaky")

	go func() {
		nextRequest(t, b)
		b.Close(errors.New("connection reset"))
	}()

	start := time.Now()
	res := f.relay.HandleAsk(context.Background(), string(p.ID()), &peer.TransferRequest{}, time.Minute)
	assert.False(t, res.Accepted)
	assert.Less(t, time.Since(start), 5*time.Second, "disconnect must not wait for the ask timeout")
}

func TestUploadFileAckTimeoutReleases(t *testing.T) {
	f := setupRelay(t, 50*time.Millisecond)
	p, _ := f.bridged(t, "Slow")

	ref := stageText(t, f, "a.txt", "data")
	ack := f.relay.HandleUploadFile(context.Background(), string(p.ID()), ref)

	assert.False(t, ack.Acknowledged)
	_, err := os.Stat(ref.Path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "staged file released after timeout")
}

func TestUploadFileRoutingMissReleases(t *testing.T) {
	f := setupRelay(t, time.Second)

	ref := stageText(t, f, "a.txt", "data")
	ack := f.relay.HandleUploadFile(context.Background(), "gone", ref)

	assert.False(t, ack.Acknowledged)
	assert.Zero(t, f.store.Len())
}

func buildUpload(t *testing.T, files map[string]string, order []string) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	w := archive.NewWriter(&buf)
	for _, name := range order {
		require.NoError(t, w.WriteFile(name, []byte(files[name])))
	}
	require.NoError(t, w.Close())
	return &buf
}

func TestUploadDeliversInOrder(t *testing.T) {
	f := setupRelay(t, time.Second)
	p, b := f.bridged(t, "Receiver")

	body := buildUpload(t, map[string]string{"a.txt": "A", "b.txt": "B"}, []string{"a.txt", "b.txt"})

	var got []string
	go func() {
		for i := 0; i < 2; i++ {
			req := nextRequest(t, b)
			ready, ok := req.Payload.(*protocol.FileReadyRequest)
			if !ok {
				return
			}
			got = append(got, ready.Name)
			replyTo(b, req, &protocol.FileReadyResponse{Received: true})
		}
	}()

	res, err := f.relay.HandleUpload(context.Background(), string(p.ID()), body)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, []string{"a.txt", "b.txt"}, got)
	assert.Zero(t, f.store.Len())
}

func TestUploadPartialFailure(t *testing.T) {
	f := setupRelay(t, time.Second)
	p, b := f.bridged(t, "Picky")

	body := buildUpload(t, map[string]string{"a": "1", "b": "2", "c": "3"}, []string{"a", "b", "c"})

	notified := make(chan string, 3)
	go func() {
		for _, received := range []bool{true, false} {
			req := nextRequest(t, b)
			ready, ok := req.Payload.(*protocol.FileReadyRequest)
			if !ok {
				return
			}
			notified <- ready.Name
			replyTo(b, req, &protocol.FileReadyResponse{Received: received})
		}
	}()

	res, err := f.relay.HandleUpload(context.Background(), string(p.ID()), body)
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Equal(t, 1, res.Delivered)
	assert.Zero(t, f.store.Len(), "every staged file is released")

	close(notified)
	var names []string
	for n := range notified {
		names = append(names, n)
	}
	assert.Equal(t, []string{"a", "b"}, names, "remaining files are not notified")

	tr, err := f.history.Get(context.Background(), res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, history.StateFailed, tr.State)
}

func TestUploadMalformed(t *testing.T) {
	f := setupRelay(t, time.Second)
	p, _ := f.bridged(t, "Receiver")

	_, err := f.relay.HandleUpload(context.Background(), string(p.ID()), bytes.NewBufferString("not gzip"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUploadRoutingMiss(t *testing.T) {
	f := setupRelay(t, time.Second)

	_, err := f.relay.HandleUpload(context.Background(), "nobody", bytes.NewBufferString(""))
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestUploadToLocalPeer(t *testing.T) {
	f := setupRelay(t, time.Second)
	inbox := t.TempDir()

	p, err := peer.NewLocal(peer.LocalConfig{Name: "Desk", InboxDir: inbox, Logger: logger.Discard()})
	require.NoError(t, err)
	require.NoError(t, f.reg.Register(context.Background(), p))

	ask := f.relay.HandleAsk(context.Background(), string(p.ID()), &peer.TransferRequest{SenderName: "Mac"}, time.Second)
	require.True(t, ask.Accepted)

	body := buildUpload(t, map[string]string{"notes.txt": "hello"}, []string{"notes.txt"})
	res, err := f.relay.HandleUpload(context.Background(), string(p.ID()), body)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, ask.TransferID, res.TransferID, "upload continues the accepted transfer")

	data, err := os.ReadFile(filepath.Join(inbox, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	tr, err := f.history.Get(context.Background(), res.TransferID)
	require.NoError(t, err)
	assert.Equal(t, history.StateDelivered, tr.State)
}
