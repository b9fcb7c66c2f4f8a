package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rudransh-shrivastava/dropbridge/internal/discovery"
	"github.com/rudransh-shrivastava/dropbridge/internal/logger"
	"github.com/rudransh-shrivastava/dropbridge/internal/peer"
)

type call struct {
	op string
	id string
}

type recordingDiscovery struct {
	mu       sync.Mutex
	calls    []call
	failNext error
}

func (d *recordingDiscovery) Announce(id string, _ int, _ discovery.Flags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return err
	}
	d.calls = append(d.calls, call{"announce", id})
	return nil
}

func (d *recordingDiscovery) Withdraw(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call{"withdraw", id})
	return nil
}

func (d *recordingDiscovery) snapshot() []call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]call(nil), d.calls...)
}

// fixedPeer cannot be reassigned.
type fixedPeer struct {
	id   peer.ID
	name string
}

func (p *fixedPeer) ID() peer.ID         { return p.id }
func (p *fixedPeer) DisplayName() string { return p.name }
func (p *fixedPeer) CanAcceptTransfer(context.Context, *peer.TransferRequest) (bool, error) {
	return true, nil
}
func (p *fixedPeer) NotifyContentReady(context.Context, *peer.ReadyFile) (bool, error) {
	return true, nil
}

type assignablePeer struct {
	fixedPeer
}

func (p *assignablePeer) AssignID(id peer.ID) { p.id = id }

func setupRegistry(t *testing.T) (*Registry, *recordingDiscovery) {
	t.Helper()

	d := &recordingDiscovery{}
	return New(Config{Discovery: d, Port: 8771, Logger: logger.Discard()}), d
}

func TestRegisterThenUnregister(t *testing.T) {
	reg, d := setupRegistry(t)
	ctx := context.Background()

	p := &assignablePeer{fixedPeer{name: "Firefox"}}
	if err := reg.Register(ctx, p); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !peer.ValidID(string(p.ID())) {
		t.Fatalf("Expected a generated valid id, got %q", p.ID())
	}
	if got, ok := reg.TryGet(p.ID()); !ok || got != p {
		t.Fatalf("TryGet did not return the registered peer")
	}

	reg.Unregister(ctx, p)

	if reg.Len() != 0 {
		t.Errorf("Expected empty registry, got %d peers", reg.Len())
	}
	want := []call{{"announce", string(p.ID())}, {"withdraw", string(p.ID())}}
	if got := d.snapshot(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Discovery calls = %v, want %v", got, want)
	}
}

func TestUnregisterAbsentIsNoop(t *testing.T) {
	reg, d := setupRegistry(t)

	reg.Unregister(context.Background(), &fixedPeer{id: "abc123def456"})

	if len(d.snapshot()) != 0 {
		t.Errorf("Expected no discovery calls, got %v", d.snapshot())
	}
}

func TestUnregisterOtherInstanceIsNoop(t *testing.T) {
	reg, d := setupRegistry(t)
	ctx := context.Background()

	p := &fixedPeer{id: "abc123def456"}
	impostor := &fixedPeer{id: "abc123def456"}
	if err := reg.Register(ctx, p); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	reg.Unregister(ctx, impostor)

	if _, ok := reg.TryGet("abc123def456"); !ok {
		t.Error("Expected original peer to stay registered")
	}
	if n := len(d.snapshot()); n != 1 {
		t.Errorf("Expected only the announce call, got %d calls", n)
	}
}

func TestRegisterCollisionRegenerates(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	ids := []peer.ID{"aaaaaaaaaaaa", "aaaaaaaaaaaa", "bbbbbbbbbbbb"}
	orig := newID
	newID = func() peer.ID {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	t.Cleanup(func() { newID = orig })

	first := &assignablePeer{}
	second := &assignablePeer{}
	if err := reg.Register(ctx, first); err != nil {
		t.Fatalf("Register first failed: %v", err)
	}
	if err := reg.Register(ctx, second); err != nil {
		t.Fatalf("Register second failed: %v", err)
	}

	if first.ID() != "aaaaaaaaaaaa" {
		t.Errorf("Expected first id aaaaaaaaaaaa, got %s", first.ID())
	}
	if second.ID() != "bbbbbbbbbbbb" {
		t.Errorf("Expected regenerated id bbbbbbbbbbbb, got %s", second.ID())
	}
	if reg.Len() != 2 {
		t.Errorf("Expected 2 peers, got %d", reg.Len())
	}
}

func TestRegisterDuplicateFixedID(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, &fixedPeer{id: "abc123def456"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	err := reg.Register(ctx, &fixedPeer{id: "abc123def456"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("Expected ErrDuplicateID, got %v", err)
	}
}

func TestRegisterInvalidFixedID(t *testing.T) {
	reg, _ := setupRegistry(t)

	for _, id := range []peer.ID{"", "Not.A.Label!"} {
		err := reg.Register(context.Background(), &fixedPeer{id: id})
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("Register(%q): expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestRegisterAnnounceFailureRollsBack(t *testing.T) {
	reg, d := setupRegistry(t)
	d.failNext = errors.New("multicast unavailable")

	p := &fixedPeer{id: "abc123def456"}
	if err := reg.Register(context.Background(), p); err == nil {
		t.Fatal("Expected Register to fail")
	}
	if reg.Len() != 0 {
		t.Errorf("Expected failed registration to be rolled back, got %d peers", reg.Len())
	}
}

func TestPeersSortedSnapshot(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	for _, id := range []peer.ID{"cccccccccccc", "aaaaaaaaaaaa", "bbbbbbbbbbbb"} {
		if err := reg.Register(ctx, &fixedPeer{id: id}); err != nil {
			t.Fatalf("Register %s failed: %v", id, err)
		}
	}

	peers := reg.Peers()
	if len(peers) != 3 || peers[0].ID() != "aaaaaaaaaaaa" || peers[2].ID() != "cccccccccccc" {
		t.Errorf("Unexpected snapshot order: %v", peers)
	}
}

func TestConcurrentRegisterUnregisterOrdering(t *testing.T) {
	reg, d := setupRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				p := &assignablePeer{}
				if err := reg.Register(ctx, p); err != nil {
					t.Errorf("Register failed: %v", err)
					return
				}
				reg.Unregister(ctx, p)
			}
		}()
	}
	wg.Wait()

	if reg.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", reg.Len())
	}

	// Per id, calls must alternate announce, withdraw.
	last := make(map[string]string)
	for _, c := range d.snapshot() {
		prev := last[c.id]
		if c.op == "announce" && prev == "announce" || c.op == "withdraw" && prev != "announce" {
			t.Fatalf("Out of order %s for %s after %q", c.op, c.id, prev)
		}
		last[c.id] = c.op
	}
}
