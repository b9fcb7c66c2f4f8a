package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rudransh-shrivastava/dropbridge/internal/bus"
	"github.com/rudransh-shrivastava/dropbridge/internal/discovery"
	"github.com/rudransh-shrivastava/dropbridge/internal/logger"
	"github.com/rudransh-shrivastava/dropbridge/internal/peer"
	"github.com/rudransh-shrivastava/dropbridge/internal/protocol"
	"github.com/rudransh-shrivastava/dropbridge/internal/registry"
	"github.com/rudransh-shrivastava/dropbridge/internal/transport"
)

type countingDiscovery struct {
	mu        sync.Mutex
	announced int
	withdrawn int
}

func (d *countingDiscovery) Announce(string, int, discovery.Flags) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.announced++
	return nil
}

func (d *countingDiscovery) Withdraw(string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.withdrawn++
	return nil
}

func (d *countingDiscovery) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.announced, d.withdrawn
}

type harness struct {
	reg    *registry.Registry
	disc   *countingDiscovery
	client transport.Conn
	done   chan error
}

func startSession(t *testing.T, handshake time.Duration) *harness {
	t.Helper()

	disc := &countingDiscovery{}
	reg := registry.New(registry.Config{Discovery: disc, Logger: logger.Discard()})
	runner := NewRunner(Config{
		Registry:         reg,
		HandshakeTimeout: handshake,
		AskTimeout:       time.Minute,
		Logger:           logger.Discard(),
	})

	client, server := transport.Pipe()
	h := &harness{reg: reg, disc: disc, client: client, done: make(chan error, 1)}
	go func() {
		h.done <- runner.Run(context.Background(), "pipe", server)
	}()
	t.Cleanup(func() { _ = client.Close() })
	return h
}

func (h *harness) send(t *testing.T, msg *protocol.Message) {
	t.Helper()
	require.NoError(t, h.client.Send(context.Background(), msg))
}

func (h *harness) recv(t *testing.T) *protocol.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := h.client.Recv(ctx)
	require.NoError(t, err)
	return msg
}

func (h *harness) connect(t *testing.T, name string) peer.ID {
	t.Helper()

	h.send(t, &protocol.Message{ID: "hello", Payload: &protocol.Connect{Name: name}})
	reply := h.recv(t)
	require.Equal(t, "hello", reply.ReplyTo)
	connected, ok := reply.Payload.(*protocol.Connected)
	require.True(t, ok, "expected connected, got %s", reply.Type())
	return peer.ID(connected.ID)
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()

	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestConnectRegistersPeer(t *testing.T) {
	h := startSession(t, time.Second)

	id := h.connect(t, "Firefox on Linux")
	assert.True(t, peer.ValidID(string(id)))

	p, ok := h.reg.TryGet(id)
	require.True(t, ok)
	assert.Equal(t, "Firefox on Linux", p.DisplayName())
}

func TestPingPong(t *testing.T) {
	h := startSession(t, time.Second)
	h.connect(t, "cli")

	h.send(t, &protocol.Message{ID: "p1", Payload: &protocol.Ping{}})
	reply := h.recv(t)
	assert.Equal(t, "p1", reply.ReplyTo)
	assert.Equal(t, protocol.MsgPong, reply.Type())
}

func TestSecondConnectRenames(t *testing.T) {
	h := startSession(t, time.Second)
	id := h.connect(t, "Old name")

	h.send(t, &protocol.Message{ID: "again", Payload: &protocol.Connect{Name: "New name"}})
	reply := h.recv(t)
	assert.Equal(t, "again", reply.ReplyTo)
	connected, ok := reply.Payload.(*protocol.Connected)
	require.True(t, ok)
	assert.Equal(t, string(id), connected.ID, "id is kept")

	p, ok := h.reg.TryGet(id)
	require.True(t, ok)
	assert.Equal(t, "New name", p.DisplayName())
	assert.Equal(t, 1, h.reg.Len())

	announced, _ := h.disc.counts()
	assert.Equal(t, 1, announced, "rename does not re-announce")
}

func TestEmptyAndLongNames(t *testing.T) {
	assert.Equal(t, DefaultName, displayName("   "))
	assert.Len(t, []rune(displayName(strings.Repeat("é", 100))), maxNameLength)
}

func TestFirstMessageMustBeConnect(t *testing.T) {
	h := startSession(t, time.Second)

	h.send(t, &protocol.Message{ID: "p1", Payload: &protocol.Ping{}})
	reply := h.recv(t)
	errPayload, ok := reply.Payload.(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrNotConnected, errPayload.Code)

	assert.ErrorIs(t, h.wait(t), ErrHandshake)
	assert.Zero(t, h.reg.Len())
}

func TestHandshakeTimeout(t *testing.T) {
	h := startSession(t, 50*time.Millisecond)

	assert.ErrorIs(t, h.wait(t), ErrHandshake)
	announced, _ := h.disc.counts()
	assert.Zero(t, announced)
}

func TestDisconnectUnregistersAndFailsPending(t *testing.T) {
	h := startSession(t, time.Second)
	id := h.connect(t, "Phone")

	p, ok := h.reg.TryGet(id)
	require.True(t, ok)

	asked := make(chan error, 1)
	go func() {
		_, err := p.CanAcceptTransfer(context.Background(), &peer.TransferRequest{SenderName: "Mac"})
		asked <- err
	}()

	req := h.recv(t)
	require.Equal(t, protocol.MsgCanAcceptRequest, req.Type())

	require.NoError(t, h.client.Close())

	select {
	case err := <-asked:
		assert.True(t, errors.Is(err, bus.ErrPeerGone), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending ask not released on disconnect")
	}

	assert.NoError(t, h.wait(t))
	_, ok = h.reg.TryGet(id)
	assert.False(t, ok)

	announced, withdrawn := h.disc.counts()
	assert.Equal(t, 1, announced)
	assert.Equal(t, 1, withdrawn)
}

func TestAskAnsweredOverSession(t *testing.T) {
	h := startSession(t, time.Second)
	id := h.connect(t, "Tablet")

	p, ok := h.reg.TryGet(id)
	require.True(t, ok)

	go func() {
		req, err := h.client.Recv(context.Background())
		if err != nil {
			return
		}
		_ = h.client.Send(context.Background(), &protocol.Message{
			ID:      "a1",
			ReplyTo: req.ID,
			Payload: &protocol.CanAcceptResponse{Accepted: true},
		})
	}()

	accepted, err := p.CanAcceptTransfer(context.Background(), &peer.TransferRequest{})
	require.NoError(t, err)
	assert.True(t, accepted)
}
