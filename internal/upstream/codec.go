package upstream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO packet types, carried inside an Engine.IO message packet.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioConnectError = '4'
)

var errShortPacket = errors.New("upstream: packet too short")

// packet is one decoded Engine.IO frame. sio and namespace are only set for
// message packets.
type packet struct {
	eio       byte
	sio       byte
	namespace string
	payload   []byte
}

// openInfo is the handshake payload of the Engine.IO open packet.
type openInfo struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// decodePacket splits a websocket text frame into its Engine.IO and
// Socket.IO parts.
func decodePacket(msg []byte) (packet, error) {
	if len(msg) == 0 {
		return packet{}, errShortPacket
	}
	p := packet{eio: msg[0]}
	if p.eio != eioMessage {
		p.payload = msg[1:]
		return p, nil
	}
	rest := msg[1:]
	if len(rest) == 0 {
		return packet{}, errShortPacket
	}
	p.sio = rest[0]
	rest = rest[1:]

	p.namespace = "/"
	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.namespace = string(rest)
			rest = nil
		} else {
			p.namespace = string(rest[:end])
			rest = rest[end+1:]
		}
	}
	// Skip an ack id if present.
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	p.payload = rest[i:]
	return p, nil
}

// decodeEvent reads the ["name", data] array of an event packet.
func decodeEvent(payload []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil {
		return "", nil, fmt.Errorf("upstream: decode event: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("upstream: decode event: empty array")
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("upstream: decode event name: %w", err)
	}
	var data json.RawMessage
	if len(parts) > 1 {
		data = parts[1]
	}
	return name, data, nil
}

// encodeConnect builds the namespace connect packet carrying auth.
func encodeConnect(namespace string, auth any) ([]byte, error) {
	buf := []byte{eioMessage, sioConnect}
	buf = appendNamespace(buf, namespace)
	if auth != nil {
		body, err := json.Marshal(auth)
		if err != nil {
			return nil, fmt.Errorf("upstream: encode auth: %w", err)
		}
		buf = append(buf, body...)
	}
	return buf, nil
}

// encodeEvent builds an event packet emitting name with data.
func encodeEvent(namespace, name string, data any) ([]byte, error) {
	body, err := json.Marshal([]any{name, data})
	if err != nil {
		return nil, fmt.Errorf("upstream: encode %s: %w", name, err)
	}
	buf := []byte{eioMessage, sioEvent}
	buf = appendNamespace(buf, namespace)
	return append(buf, body...), nil
}

// encodeDisconnect builds the namespace disconnect packet.
func encodeDisconnect(namespace string) []byte {
	buf := []byte{eioMessage, sioDisconnect}
	return appendNamespace(buf, namespace)
}

func appendNamespace(buf []byte, namespace string) []byte {
	if namespace == "" || namespace == "/" {
		return buf
	}
	buf = append(buf, namespace...)
	return append(buf, ',')
}
