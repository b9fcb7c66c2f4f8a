package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"
	"github.com/pion/webrtc/v3"

	"github.com/rudransh-shrivastava/dropbridge/internal/transport"
	"github.com/rudransh-shrivastava/dropbridge/internal/transport/websocket"
	rtc "github.com/rudransh-shrivastava/dropbridge/internal/transport/webrtc"
)

// Dial connects to a proxy. The scheme picks the transport:
//
//	quic://host:port          QUIC control stream
//	ws://host:port/bridge/ws  WebSocket (also wss)
//	webrtc+https://host:port  WebRTC data channel, signaled over /bridge/webrtc
func Dial(ctx context.Context, target string, stunServers []string) (transport.Conn, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}

	switch u.Scheme {
	case "quic":
		return dialQUIC(ctx, u.Host)
	case "ws", "wss":
		if u.Path == "" {
			u.Path = "/bridge/ws"
		}
		conn, err := websocket.Dial(ctx, u.String())
		if err != nil {
			return nil, err
		}
		return conn, nil
	case "webrtc+http", "webrtc+https":
		u.Scheme = u.Scheme[len("webrtc+"):]
		u.Path = "/bridge/webrtc"
		conn, err := rtc.Dial(ctx, stunServers, signaler(u.String(), InsecureHTTPClient()))
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

type quicConn struct {
	*transport.Peer
	tr *transport.Transport
}

func (c *quicConn) Close() error {
	err := c.Peer.Close()
	_ = c.tr.Close()
	return err
}

func dialQUIC(ctx context.Context, addr string) (transport.Conn, error) {
	tr, err := transport.NewTransport(":0")
	if err != nil {
		return nil, err
	}
	p, err := tr.Dial(ctx, addr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return &quicConn{Peer: p, tr: tr}, nil
}

// signaler posts the offer as JSON and returns the proxy's answer.
func signaler(endpoint string, hc *http.Client) func(context.Context, webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		var answer webrtc.SessionDescription

		body, err := json.Marshal(offer)
		if err != nil {
			return answer, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return answer, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := hc.Do(req)
		if err != nil {
			return answer, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return answer, fmt.Errorf("signal: %s", resp.Status)
		}
		if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
			return answer, fmt.Errorf("decode answer: %w", err)
		}
		return answer, nil
	}
}
