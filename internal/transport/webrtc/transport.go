// Package webrtc bridges peers over a WebRTC data channel. Signaling is a
// single non-trickle offer/answer exchange carried over HTTP.
package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v3"
)

const dataChannelLabel = "dropbridge"

// Answerer accepts offers from bridged peers.
type Answerer struct {
	config webrtc.Configuration
}

func NewAnswerer(stunServers []string) *Answerer {
	return &Answerer{config: configuration(stunServers)}
}

func configuration(stunServers []string) webrtc.Configuration {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, server := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{server}})
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

// Answer applies offer and returns the complete answer together with the
// connection, whose data channel may still be opening. Callers wait with
// Accept.
func (a *Answerer) Answer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, *Conn, error) {
	pc, err := webrtc.NewPeerConnection(a.config)
	if err != nil {
		return webrtc.SessionDescription{}, nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := newConn(pc)
	pc.OnDataChannel(conn.setupDataChannel)

	answer, err := negotiate(ctx, pc, func() (webrtc.SessionDescription, error) {
		if err := pc.SetRemoteDescription(offer); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("failed to set remote description: %w", err)
		}
		return pc.CreateAnswer(nil)
	})
	if err != nil {
		_ = pc.Close()
		return webrtc.SessionDescription{}, nil, err
	}
	return answer, conn, nil
}

// Accept waits until conn's data channel is open.
func Accept(ctx context.Context, conn *Conn) error {
	if err := conn.waitOpen(ctx); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// Dial creates an offer, hands it to signal and completes the connection
// with the answer it returns.
func Dial(ctx context.Context, stunServers []string, signal func(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error)) (*Conn, error) {
	pc, err := webrtc.NewPeerConnection(configuration(stunServers))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	conn := newConn(pc)
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	conn.setupDataChannel(dc)

	offer, err := negotiate(ctx, pc, func() (webrtc.SessionDescription, error) {
		return pc.CreateOffer(nil)
	})
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	answer, err := signal(ctx, offer)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("signal offer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	if err := Accept(ctx, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// negotiate sets the description made by create as local and waits for ICE
// gathering, so the returned description carries every candidate.
func negotiate(ctx context.Context, pc *webrtc.PeerConnection, create func() (webrtc.SessionDescription, error)) (webrtc.SessionDescription, error) {
	desc, err := create()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	return *pc.LocalDescription(), nil
}
