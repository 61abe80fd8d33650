package sio

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// PacketType is an Engine.IO v4 packet type.
type PacketType byte

// Engine.IO packet types.
const (
	PacketOpen PacketType = iota
	PacketClose
	PacketPing
	PacketPong
	PacketMessage
	PacketUpgrade
	PacketNoop
)

func (t PacketType) String() string {
	switch t {
	case PacketOpen:
		return "open"
	case PacketClose:
		return "close"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketMessage:
		return "message"
	case PacketUpgrade:
		return "upgrade"
	case PacketNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// recordSeparator delimits packets in a long-polling payload.
const recordSeparator = 0x1e

// Packet is one Engine.IO packet.
type Packet struct {
	Type PacketType
	Data []byte

	// Binary marks a base64 ("b"-prefixed) message on a text transport.
	Binary bool
}

// Encode returns the text encoding of the packet.
func (p Packet) Encode() []byte {
	if p.Binary {
		out := make([]byte, 1+base64.StdEncoding.EncodedLen(len(p.Data)))
		out[0] = 'b'
		base64.StdEncoding.Encode(out[1:], p.Data)
		return out
	}
	out := make([]byte, 0, 1+len(p.Data))
	out = append(out, byte('0'+p.Type))
	return append(out, p.Data...)
}

// DecodePacket parses a single text-encoded packet.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, fmt.Errorf("%w: empty packet", ErrProtocol)
	}
	if b[0] == 'b' {
		data, err := base64.StdEncoding.DecodeString(string(b[1:]))
		if err != nil {
			return Packet{}, fmt.Errorf("%w: bad base64 packet: %v", ErrProtocol, err)
		}
		return Packet{Type: PacketMessage, Data: data, Binary: true}, nil
	}
	if b[0] < '0' || b[0] > '6' {
		return Packet{}, fmt.Errorf("%w: unknown packet type %q", ErrProtocol, b[0])
	}
	data := make([]byte, len(b)-1)
	copy(data, b[1:])
	return Packet{Type: PacketType(b[0] - '0'), Data: data}, nil
}

// EncodePayload joins packets for an HTTP long-polling body.
func EncodePayload(packets []Packet) []byte {
	var buf bytes.Buffer
	for i, p := range packets {
		if i > 0 {
			buf.WriteByte(recordSeparator)
		}
		buf.Write(p.Encode())
	}
	return buf.Bytes()
}

// DecodePayload splits a long-polling body into packets.
func DecodePayload(b []byte) ([]Packet, error) {
	if len(b) == 0 {
		return nil, nil
	}
	parts := bytes.Split(b, []byte{recordSeparator})
	packets := make([]Packet, 0, len(parts))
	for _, part := range parts {
		p, err := DecodePacket(part)
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}
	return packets, nil
}

// Handshake is the body of the Engine.IO open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// SocketPacketType is a Socket.IO v5 packet type.
type SocketPacketType byte

// Socket.IO packet types.
const (
	SocketConnect SocketPacketType = iota
	SocketDisconnect
	SocketEvent
	SocketAck
	SocketConnectError
	SocketBinaryEvent
	SocketBinaryAck
)

// SocketPacket is one Socket.IO packet carried in an Engine.IO message.
type SocketPacket struct {
	Type      SocketPacketType
	Namespace string
	ID        int // -1 when absent
	Data      json.RawMessage
}

// Encode returns the text encoding of the packet.
func (p SocketPacket) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte('0' + p.Type))
	if p.Namespace != "" && p.Namespace != "/" {
		buf.WriteString(p.Namespace)
		buf.WriteByte(',')
	}
	if p.ID >= 0 {
		buf.WriteString(strconv.Itoa(p.ID))
	}
	buf.Write(p.Data)
	return buf.Bytes()
}

// DecodeSocketPacket parses a Socket.IO packet. Binary packets with
// attachments are rejected.
func DecodeSocketPacket(b []byte) (SocketPacket, error) {
	if len(b) == 0 {
		return SocketPacket{}, fmt.Errorf("%w: empty socket packet", ErrProtocol)
	}
	if b[0] < '0' || b[0] > '6' {
		return SocketPacket{}, fmt.Errorf("%w: unknown socket packet type %q", ErrProtocol, b[0])
	}
	p := SocketPacket{Type: SocketPacketType(b[0] - '0'), Namespace: "/", ID: -1}
	if p.Type == SocketBinaryEvent || p.Type == SocketBinaryAck {
		return SocketPacket{}, fmt.Errorf("%w: binary attachments", ErrUnsupported)
	}
	rest := b[1:]

	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	if i > 0 {
		id, err := strconv.Atoi(string(rest[:i]))
		if err != nil {
			return SocketPacket{}, fmt.Errorf("%w: bad ack id: %v", ErrProtocol, err)
		}
		p.ID = id
		rest = rest[i:]
	}

	if len(rest) > 0 {
		p.Data = json.RawMessage(append([]byte(nil), rest...))
	}
	return p, nil
}

// NewEventPacket builds an EVENT packet for name with JSON-encoded args.
func NewEventPacket(namespace, name string, args ...any) (SocketPacket, error) {
	items := make([]any, 0, len(args)+1)
	items = append(items, name)
	items = append(items, args...)
	data, err := json.Marshal(items)
	if err != nil {
		return SocketPacket{}, fmt.Errorf("sio: encoding %s args: %w", name, err)
	}
	return SocketPacket{Type: SocketEvent, Namespace: namespace, ID: -1, Data: data}, nil
}

// ParseEvent splits an EVENT packet's data into its name and raw args.
func ParseEvent(data json.RawMessage) (string, []json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return "", nil, fmt.Errorf("%w: event is not an array: %v", ErrProtocol, err)
	}
	if len(items) == 0 {
		return "", nil, fmt.Errorf("%w: empty event", ErrProtocol)
	}
	var name string
	if err := json.Unmarshal(items[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name is not a string", ErrProtocol)
	}
	return name, items[1:], nil
}

// messagePacket wraps a Socket.IO packet in an Engine.IO message.
func messagePacket(sp SocketPacket) Packet {
	return Packet{Type: PacketMessage, Data: sp.Encode()}
}
