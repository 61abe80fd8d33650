// Package sio implements the subset of the Socket.IO v5 protocol (over
// Engine.IO v4) needed to talk to Flask-SocketIO style servers: JSON
// events on one namespace, HTTP long-polling with websocket upgrade, and
// the ping/pong heartbeat. Acknowledgements and binary attachments are
// not supported.
//
// Example usage:
//
//	c, err := sio.Dial(ctx, sio.Config{URL: "http://localhost:5001"}, sio.Handlers{
//	    Event: func(name string, args []json.RawMessage) { ... },
//	    Disconnect: func(reason string) { ... },
//	})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	c.Emit("start_processing", cfg)
package sio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teslashibe/biovision/internal/httpc"
)

const (
	// DefaultPath is the Engine.IO endpoint path used by socket.io servers.
	DefaultPath = "/socket.io/"

	// writeWait bounds a single write or POST.
	writeWait = 10 * time.Second

	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second
)

// Config holds client configuration.
type Config struct {
	// URL is the server base address, e.g. "http://localhost:5001".
	URL string

	// Path is the Engine.IO endpoint. Default: "/socket.io/".
	Path string

	// Namespace to join. Default: "/".
	Namespace string

	// Transports in negotiation order. With "polling" first, the client
	// opens over long-polling and upgrades to websocket when the server
	// offers it. Default: polling, websocket.
	Transports []string

	// Timeout bounds the whole handshake including the namespace connect.
	Timeout time.Duration

	// HTTPClient is used for long-polling. It should have no overall
	// timeout; each poll is bounded by the heartbeat window.
	HTTPClient *http.Client

	// Dialer is used for websocket connections.
	Dialer *websocket.Dialer

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Namespace == "" {
		c.Namespace = "/"
	}
	if len(c.Transports) == 0 {
		c.Transports = []string{TransportPolling, TransportWebsocket}
	}
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Transport: httpc.NewTransport(c.Timeout)}
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.Timeout,
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Handlers receive inbound traffic. They run on the client's read
// goroutine, one call at a time, in arrival order.
type Handlers struct {
	// Event is called for every EVENT packet on the namespace.
	Event func(name string, args []json.RawMessage)

	// Disconnect is called exactly once when the session ends, with one
	// of the Reason* constants.
	Disconnect func(reason string)
}

// Client is one Socket.IO session.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	handlers Handlers

	tr           transport
	engineSID    string
	socketSID    string
	pingInterval time.Duration
	pingTimeout  time.Duration

	// pending holds packets read during the handshake that belong to the
	// read loop.
	pending []Packet

	sendMu  sync.Mutex
	closing atomic.Bool
	closed  atomic.Bool
	done    chan struct{}

	eventsIn  atomic.Int64
	eventsOut atomic.Int64
}

// Dial opens a session: Engine.IO handshake, optional websocket upgrade,
// then the namespace connect. It returns once the server has accepted
// the namespace, or with the first error.
func Dial(ctx context.Context, cfg Config, h Handlers) (*Client, error) {
	cfg.setDefaults()

	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("sio: parse url %q: %w", cfg.URL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("sio: url %q must be http or https", cfg.URL)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	c := &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: h,
		done:     make(chan struct{}),
	}

	if err := c.open(ctx, base); err != nil {
		return nil, err
	}
	if err := c.connectNamespace(ctx); err != nil {
		c.tr.Close()
		return nil, err
	}

	c.logger.Debug("sio session established",
		"url", cfg.URL,
		"transport", c.tr.Name(),
		"sid", c.socketSID,
	)

	go c.readLoop()
	return c, nil
}

// open runs the Engine.IO handshake over the first transport that works.
func (c *Client) open(ctx context.Context, base *url.URL) error {
	var lastErr error = ErrNoTransport

	for i, name := range c.cfg.Transports {
		switch name {
		case TransportPolling:
			p, hs, err := c.openPolling(ctx, base)
			if err != nil {
				lastErr = err
				continue
			}
			c.setHandshake(hs)
			c.tr = p

			if slices.Contains(c.cfg.Transports[i+1:], TransportWebsocket) && slices.Contains(hs.Upgrades, TransportWebsocket) {
				ws, err := c.upgrade(ctx, base, hs.SID)
				if err != nil {
					c.logger.Debug("websocket upgrade failed, staying on polling", "error", err)
					return nil
				}
				p.Close()
				c.tr = ws
			}
			return nil

		case TransportWebsocket:
			ws, hs, err := c.openWebsocket(ctx, base)
			if err != nil {
				lastErr = err
				continue
			}
			c.setHandshake(hs)
			c.tr = ws
			return nil

		default:
			lastErr = fmt.Errorf("%w: %q", ErrNoTransport, name)
		}
	}
	return lastErr
}

func (c *Client) setHandshake(hs Handshake) {
	c.engineSID = hs.SID
	c.pingInterval = time.Duration(hs.PingInterval) * time.Millisecond
	c.pingTimeout = time.Duration(hs.PingTimeout) * time.Millisecond
	if c.pingInterval <= 0 {
		c.pingInterval = defaultPingInterval
	}
	if c.pingTimeout <= 0 {
		c.pingTimeout = defaultPingTimeout
	}
}

func (c *Client) openPolling(ctx context.Context, base *url.URL) (*pollingTransport, Handshake, error) {
	p := newPollingTransport(c.cfg.HTTPClient, base, c.cfg.Path)

	packets, err := p.poll(ctx)
	if err != nil {
		p.Close()
		return nil, Handshake{}, fmt.Errorf("sio: polling handshake: %w", err)
	}
	hs, rest, err := parseOpen(packets)
	if err != nil {
		p.Close()
		return nil, Handshake{}, err
	}
	p.setSID(hs.SID)
	c.pending = append(c.pending, rest...)
	return p, hs, nil
}

func (c *Client) openWebsocket(ctx context.Context, base *url.URL) (*websocketTransport, Handshake, error) {
	ws, err := dialWebsocket(ctx, c.cfg.Dialer, endpointURL(base, c.cfg.Path, TransportWebsocket, ""))
	if err != nil {
		return nil, Handshake{}, fmt.Errorf("sio: %w", err)
	}
	packets, err := ws.Recv(remaining(ctx))
	if err != nil {
		ws.Close()
		return nil, Handshake{}, fmt.Errorf("sio: websocket handshake: %w", err)
	}
	hs, _, err := parseOpen(packets)
	if err != nil {
		ws.Close()
		return nil, Handshake{}, err
	}
	return ws, hs, nil
}

// upgrade probes a websocket for an existing polling session and
// switches the session over to it.
func (c *Client) upgrade(ctx context.Context, base *url.URL, sid string) (*websocketTransport, error) {
	ws, err := dialWebsocket(ctx, c.cfg.Dialer, endpointURL(base, c.cfg.Path, TransportWebsocket, sid))
	if err != nil {
		return nil, err
	}

	if err := ws.Send(Packet{Type: PacketPing, Data: []byte("probe")}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send probe: %w", err)
	}
	packets, err := ws.Recv(remaining(ctx))
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("await probe: %w", err)
	}
	if len(packets) != 1 || packets[0].Type != PacketPong || string(packets[0].Data) != "probe" {
		ws.Close()
		return nil, fmt.Errorf("%w: unexpected probe reply", ErrProtocol)
	}
	if err := ws.Send(Packet{Type: PacketUpgrade}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send upgrade: %w", err)
	}
	return ws, nil
}

func parseOpen(packets []Packet) (Handshake, []Packet, error) {
	if len(packets) == 0 || packets[0].Type != PacketOpen {
		return Handshake{}, nil, fmt.Errorf("%w: expected open packet", ErrProtocol)
	}
	var hs Handshake
	if err := json.Unmarshal(packets[0].Data, &hs); err != nil {
		return Handshake{}, nil, fmt.Errorf("%w: bad handshake: %v", ErrProtocol, err)
	}
	if hs.SID == "" {
		return Handshake{}, nil, fmt.Errorf("%w: handshake without sid", ErrProtocol)
	}
	return hs, packets[1:], nil
}

// connectNamespace sends CONNECT and waits for the server's verdict.
func (c *Client) connectNamespace(ctx context.Context) error {
	connect := SocketPacket{Type: SocketConnect, Namespace: c.cfg.Namespace, ID: -1}
	if err := c.send(messagePacket(connect)); err != nil {
		return fmt.Errorf("sio: namespace connect: %w", err)
	}

	queued := c.pending
	c.pending = nil
	var deferred []Packet

	for {
		packets := queued
		queued = nil
		if len(packets) == 0 {
			var err error
			packets, err = c.tr.Recv(remaining(ctx))
			if err != nil {
				return fmt.Errorf("sio: awaiting namespace connect: %w", err)
			}
		}

		for i, p := range packets {
			switch p.Type {
			case PacketPing:
				if err := c.send(Packet{Type: PacketPong, Data: p.Data}); err != nil {
					return fmt.Errorf("sio: pong: %w", err)
				}
			case PacketClose:
				return fmt.Errorf("sio: server closed during connect: %w", io.EOF)
			case PacketMessage:
				sp, err := DecodeSocketPacket(p.Data)
				if err != nil || sp.Namespace != c.cfg.Namespace {
					continue
				}
				switch sp.Type {
				case SocketConnect:
					var ack struct {
						SID string `json:"sid"`
					}
					_ = json.Unmarshal(sp.Data, &ack)
					c.socketSID = ack.SID
					c.pending = append(deferred, packets[i+1:]...)
					return nil
				case SocketConnectError:
					return &ConnectError{Message: connectErrorMessage(sp.Data)}
				default:
					deferred = append(deferred, p)
				}
			}
		}
	}
}

func connectErrorMessage(data json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}

func (c *Client) readLoop() {
	defer close(c.done)

	reason := c.handlePackets(c.pending)
	c.pending = nil

	for reason == "" {
		packets, err := c.tr.Recv(c.pingInterval + c.pingTimeout)
		if err != nil {
			reason = c.classify(err)
			if reason != ReasonClientDisconnect {
				c.logger.Debug("sio read failed", "error", err, "reason", reason)
			}
			break
		}
		reason = c.handlePackets(packets)
	}

	c.closed.Store(true)
	c.tr.Close()

	if c.handlers.Disconnect != nil {
		c.handlers.Disconnect(reason)
	}
}

// handlePackets dispatches packets and returns a disconnect reason when
// the session is over.
func (c *Client) handlePackets(packets []Packet) string {
	for _, p := range packets {
		if c.closing.Load() {
			return ReasonClientDisconnect
		}
		switch p.Type {
		case PacketPing:
			if err := c.send(Packet{Type: PacketPong, Data: p.Data}); err != nil {
				return c.classify(err)
			}
		case PacketClose:
			return ReasonTransportClose
		case PacketMessage:
			if p.Binary {
				continue
			}
			sp, err := DecodeSocketPacket(p.Data)
			if err != nil {
				c.logger.Debug("dropping undecodable packet", "error", err)
				continue
			}
			if sp.Namespace != c.cfg.Namespace {
				continue
			}
			switch sp.Type {
			case SocketEvent:
				name, args, err := ParseEvent(sp.Data)
				if err != nil {
					c.logger.Debug("dropping malformed event", "error", err)
					continue
				}
				c.eventsIn.Add(1)
				if c.handlers.Event != nil {
					c.handlers.Event(name, args)
				}
			case SocketDisconnect:
				return ReasonServerDisconnect
			}
		}
	}
	return ""
}

func (c *Client) classify(err error) string {
	switch {
	case c.closing.Load():
		return ReasonClientDisconnect
	case isTimeout(err):
		return ReasonPingTimeout
	case errors.Is(err, io.EOF), websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return ReasonTransportClose
	default:
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			return ReasonTransportClose
		}
		return ReasonTransportError
	}
}

func (c *Client) send(packets ...Packet) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.tr.Send(packets...)
}

// Emit sends an event with JSON-encoded args. There is no
// acknowledgement; a nil error only means the packet was written.
func (c *Client) Emit(event string, args ...any) error {
	if c.closing.Load() || c.closed.Load() {
		return ErrClosed
	}
	sp, err := NewEventPacket(c.cfg.Namespace, event, args...)
	if err != nil {
		return err
	}
	if err := c.send(messagePacket(sp)); err != nil {
		return fmt.Errorf("sio: emit %s: %w", event, err)
	}
	c.eventsOut.Add(1)
	return nil
}

// Close leaves the namespace and closes the transport. The Disconnect
// handler is called with ReasonClientDisconnect. Safe to call repeatedly.
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	if !c.closed.Load() {
		leave := SocketPacket{Type: SocketDisconnect, Namespace: c.cfg.Namespace, ID: -1}
		if err := c.send(messagePacket(leave), Packet{Type: PacketClose}); err != nil {
			c.logger.Debug("sio close notify failed", "error", err)
		}
	}
	return c.tr.Close()
}

// Done is closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connected reports whether the session is still up.
func (c *Client) Connected() bool {
	return !c.closing.Load() && !c.closed.Load()
}

// ID returns the namespace session id assigned by the server.
func (c *Client) ID() string {
	return c.socketSID
}

// Transport returns the active transport name.
func (c *Client) Transport() string {
	return c.tr.Name()
}

// Stats returns event counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Transport: c.tr.Name(),
		EventsIn:  c.eventsIn.Load(),
		EventsOut: c.eventsOut.Load(),
	}
}

// ClientStats contains client statistics.
type ClientStats struct {
	Transport string `json:"transport"`
	EventsIn  int64  `json:"events_in"`
	EventsOut int64  `json:"events_out"`
}

// remaining returns the time left before ctx's deadline.
func remaining(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return writeWait
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return time.Millisecond
}
