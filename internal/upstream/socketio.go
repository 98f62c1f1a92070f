package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultPingTimeout      = 20 * time.Second
	writeTimeout            = 5 * time.Second
)

// ErrConnectRejected is returned when the server refuses the namespace
// connect, usually because the session token is not valid.
var ErrConnectRejected = errors.New("upstream: namespace connect rejected")

// WebSocketDialer speaks Engine.IO v4 / Socket.IO v5 over a websocket.
type WebSocketDialer struct {
	// Dialer is the underlying websocket dialer; nil uses a default with
	// HandshakeTimeout.
	Dialer *websocket.Dialer
	// HandshakeTimeout bounds the websocket upgrade and the Engine.IO open
	// packet. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Dial connects to baseURL, completes the Engine.IO handshake and requests
// the namespace with auth as connect payload. It does not wait for the
// namespace acknowledgement; that arrives through Receive.
func (d WebSocketDialer) Dial(ctx context.Context, baseURL, namespace string, auth any) (Conn, error) {
	target, err := engineURL(baseURL)
	if err != nil {
		return nil, err
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: timeout}
	}

	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: websocket dial: %w", err)
	}

	info, err := readOpen(ws, timeout)
	if err != nil {
		ws.Close()
		return nil, err
	}

	c := &sioConn{
		ws:        ws,
		namespace: namespace,
		readLimit: time.Duration(info.PingInterval+info.PingTimeout) * time.Millisecond,
	}
	if c.readLimit <= 0 {
		c.readLimit = defaultPingInterval + defaultPingTimeout
	}

	msg, err := encodeConnect(namespace, auth)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := c.write(msg); err != nil {
		ws.Close()
		return nil, fmt.Errorf("upstream: namespace connect: %w", err)
	}
	return c, nil
}

// engineURL turns an http(s) base address into the Engine.IO websocket URL.
func engineURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("upstream: parse base url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("upstream: unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket.io/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readOpen(ws *websocket.Conn, timeout time.Duration) (openInfo, error) {
	var info openInfo
	ws.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return info, fmt.Errorf("upstream: read open packet: %w", err)
	}
	p, err := decodePacket(msg)
	if err != nil {
		return info, err
	}
	if p.eio != eioOpen {
		return info, fmt.Errorf("upstream: expected open packet, got type %q", p.eio)
	}
	if err := json.Unmarshal(p.payload, &info); err != nil {
		return info, fmt.Errorf("upstream: decode open packet: %w", err)
	}
	return info, nil
}

type sioConn struct {
	ws        *websocket.Conn
	namespace string
	readLimit time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (c *sioConn) write(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *sioConn) Emit(event string, data any) error {
	msg, err := encodeEvent(c.namespace, event, data)
	if err != nil {
		return err
	}
	if err := c.write(msg); err != nil {
		return fmt.Errorf("upstream: emit %s: %w", event, err)
	}
	return nil
}

func (c *sioConn) Receive() (Frame, error) {
	for {
		c.ws.SetReadDeadline(time.Now().Add(c.readLimit))
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		p, err := decodePacket(msg)
		if err != nil {
			continue
		}
		switch p.eio {
		case eioPing:
			if err := c.write([]byte{eioPong}); err != nil {
				return Frame{}, fmt.Errorf("upstream: pong: %w", err)
			}
			continue
		case eioClose:
			return Frame{}, io.EOF
		case eioMessage:
		default:
			continue
		}
		if p.namespace != c.namespace {
			continue
		}
		switch p.sio {
		case sioEvent:
			name, data, err := decodeEvent(p.payload)
			if err != nil {
				continue
			}
			return Frame{Event: name, Data: data}, nil
		case sioDisconnect:
			return Frame{Event: EventDisconnect}, nil
		case sioConnectError:
			var reason struct {
				Message string `json:"message"`
			}
			json.Unmarshal(p.payload, &reason)
			return Frame{}, fmt.Errorf("%w: %s", ErrConnectRejected, reason.Message)
		}
	}
}

func (c *sioConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.write(encodeDisconnect(c.namespace))
		err = c.ws.Close()
	})
	return err
}
