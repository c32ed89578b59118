// Package protocol implements the Socket.IO text framing used by the push
// channel and the typed events decoded from it.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// EngineType is the Engine.IO v4 packet type (first byte of a text frame).
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// SocketType is the Socket.IO v5 packet type carried inside an Engine.IO
// message.
type SocketType byte

const (
	SocketConnect      SocketType = '0'
	SocketDisconnect   SocketType = '1'
	SocketEvent        SocketType = '2'
	SocketAck          SocketType = '3'
	SocketConnectError SocketType = '4'
	SocketBinaryEvent  SocketType = '5'
	SocketBinaryAck    SocketType = '6'
)

// DefaultNamespace is the Socket.IO main namespace.
const DefaultNamespace = "/"

var (
	ErrEmptyPacket       = errors.New("empty packet")
	ErrBinaryUnsupported = errors.New("binary packets are not supported")
	ErrNotEvent          = errors.New("packet is not an event")
)

// Packet is a decoded Engine.IO frame, with the Socket.IO layer filled in for
// message frames.
type Packet struct {
	Engine    EngineType
	Socket    SocketType // only set when Engine == EngineMessage
	Namespace string
	AckID     int // -1 when absent
	Data      json.RawMessage
}

// OpenPayload is the body of the Engine.IO open packet.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// ConnectError is the body of a Socket.IO connect error packet.
type ConnectError struct {
	Message string `json:"message"`
}

// DecodePacket parses a single text frame.
func DecodePacket(frame []byte) (Packet, error) {
	if len(frame) == 0 {
		return Packet{}, ErrEmptyPacket
	}

	p := Packet{
		Engine:    EngineType(frame[0]),
		Namespace: DefaultNamespace,
		AckID:     -1,
	}
	rest := frame[1:]

	switch p.Engine {
	case EngineOpen, EngineClose, EnginePing, EnginePong, EngineUpgrade, EngineNoop:
		p.Data = rest
		return p, nil
	case EngineMessage:
	default:
		return Packet{}, fmt.Errorf("unknown engine packet type %q", frame[0])
	}

	if len(rest) == 0 {
		return Packet{}, fmt.Errorf("message packet without socket type")
	}
	p.Socket = SocketType(rest[0])
	rest = rest[1:]

	switch p.Socket {
	case SocketConnect, SocketDisconnect, SocketEvent, SocketAck, SocketConnectError:
	case SocketBinaryEvent, SocketBinaryAck:
		return Packet{}, ErrBinaryUnsupported
	default:
		return Packet{}, fmt.Errorf("unknown socket packet type %q", p.Socket)
	}

	if len(rest) > 0 && rest[0] == '/' {
		if idx := bytes.IndexByte(rest, ','); idx >= 0 {
			p.Namespace = string(rest[:idx])
			rest = rest[idx+1:]
		} else {
			p.Namespace = string(rest)
			rest = nil
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			return Packet{}, fmt.Errorf("parse ack id: %w", err)
		}
		p.AckID = id
		rest = rest[digits:]
	}

	p.Data = rest
	return p, nil
}

// Event splits an event packet into its name and arguments.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Engine != EngineMessage || p.Socket != SocketEvent {
		return "", nil, ErrNotEvent
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(p.Data, &parts); err != nil {
		return "", nil, fmt.Errorf("parse event body: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("event without name")
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("parse event name: %w", err)
	}
	return name, parts[1:], nil
}

// EncodeConnect builds the namespace connect packet. auth may be nil.
func EncodeConnect(namespace string, auth any) ([]byte, error) {
	buf := []byte{byte(EngineMessage), byte(SocketConnect)}
	buf = appendNamespace(buf, namespace, auth != nil)
	if auth != nil {
		data, err := json.Marshal(auth)
		if err != nil {
			return nil, fmt.Errorf("encode auth: %w", err)
		}
		buf = append(buf, data...)
	}
	return buf, nil
}

// EncodeDisconnect builds the namespace disconnect packet.
func EncodeDisconnect(namespace string) []byte {
	buf := []byte{byte(EngineMessage), byte(SocketDisconnect)}
	return appendNamespace(buf, namespace, false)
}

// EncodeEvent builds an event packet.
func EncodeEvent(namespace, name string, args ...any) ([]byte, error) {
	parts := make([]any, 0, len(args)+1)
	parts = append(parts, name)
	parts = append(parts, args...)
	data, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", name, err)
	}

	buf := []byte{byte(EngineMessage), byte(SocketEvent)}
	buf = appendNamespace(buf, namespace, true)
	return append(buf, data...), nil
}

// EncodeOpen builds an Engine.IO open packet.
func EncodeOpen(open OpenPayload) ([]byte, error) {
	data, err := json.Marshal(open)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(EngineOpen)}, data...), nil
}

// Pong is the Engine.IO pong frame sent in reply to a server ping.
func Pong(probe []byte) []byte {
	return append([]byte{byte(EnginePong)}, probe...)
}

func appendNamespace(buf []byte, namespace string, more bool) []byte {
	if namespace == "" || namespace == DefaultNamespace {
		return buf
	}
	buf = append(buf, namespace...)
	if more {
		buf = append(buf, ',')
	}
	return buf
}
