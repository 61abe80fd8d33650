package sio

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server-side disconnect reasons.
const (
	ReasonClientNamespaceDisconnect = "client namespace disconnect"
	ReasonServerNamespaceDisconnect = "server namespace disconnect"
	ReasonServerShutdown            = "server shutting down"
)

// outboxSize is the per-session queue length. Emits to a full queue are
// dropped.
const outboxSize = 256

// ErrSlowConsumer is returned by Emit when a session's queue is full.
var ErrSlowConsumer = errors.New("sio: session queue full")

// ServerConfig holds server configuration.
type ServerConfig struct {
	PingInterval time.Duration
	PingTimeout  time.Duration

	// AllowUpgrades advertises the websocket upgrade to polling clients.
	AllowUpgrades bool

	Logger *slog.Logger
}

// DefaultServerConfig returns the python-engineio defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:  defaultPingInterval,
		PingTimeout:   defaultPingTimeout,
		AllowUpgrades: true,
	}
}

// EventHandler handles one inbound event.
type EventHandler func(s *Socket, args []json.RawMessage)

// Server is a minimal Socket.IO server for the default namespace. It is
// an http.Handler; mount it at DefaultPath.
type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu           sync.RWMutex
	sessions     map[string]*session
	handlers     map[string]EventHandler
	onConnecting func(auth json.RawMessage) error
	onConnect    func(*Socket)
	onDisconnect func(s *Socket, reason string)
}

// NewServer creates a server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		handlers: make(map[string]EventHandler),
	}
}

// OnConnecting sets a gate for namespace connects. A non-nil error is
// sent back to the client as CONNECT_ERROR.
func (srv *Server) OnConnecting(fn func(auth json.RawMessage) error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.onConnecting = fn
}

// OnConnect sets the callback for accepted sockets.
func (srv *Server) OnConnect(fn func(*Socket)) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.onConnect = fn
}

// OnDisconnect sets the callback for sockets that went away.
func (srv *Server) OnDisconnect(fn func(s *Socket, reason string)) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.onDisconnect = fn
}

// On registers an event handler.
func (srv *Server) On(event string, fn EventHandler) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.handlers[event] = fn
}

// Broadcast emits to every connected socket and returns how many
// accepted the packet.
func (srv *Server) Broadcast(event string, args ...any) int {
	sp, err := NewEventPacket("/", event, args...)
	if err != nil {
		srv.logger.Warn("broadcast encode failed", "event", event, "error", err)
		return 0
	}
	p := messagePacket(sp)

	n := 0
	for _, s := range srv.snapshot() {
		if s.socket.Load() == nil {
			continue
		}
		if s.enqueue(p) == nil {
			n++
		}
	}
	return n
}

// Len returns the number of connected sockets.
func (srv *Server) Len() int {
	n := 0
	for _, s := range srv.snapshot() {
		if s.socket.Load() != nil {
			n++
		}
	}
	return n
}

// Close disconnects every socket.
func (srv *Server) Close() {
	for _, s := range srv.snapshot() {
		s.shutdown(ReasonServerShutdown)
	}
}

func (srv *Server) snapshot() []*session {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	out := make([]*session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		out = append(out, s)
	}
	return out
}

func (srv *Server) lookup(sid string) *session {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return srv.sessions[sid]
}

func (srv *Server) remove(sid string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.sessions, sid)
}

// ServeHTTP implements http.Handler.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != protocolVersion {
		http.Error(w, `{"code":5,"message":"Unsupported protocol version"}`, http.StatusBadRequest)
		return
	}
	sid := q.Get("sid")

	switch q.Get("transport") {
	case TransportPolling:
		if sid == "" {
			if r.Method != http.MethodGet {
				http.Error(w, `{"code":3,"message":"Bad request"}`, http.StatusBadRequest)
				return
			}
			srv.handshakePolling(w)
			return
		}
		s := srv.lookup(sid)
		if s == nil {
			http.Error(w, `{"code":1,"message":"Session ID unknown"}`, http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.servePoll(w, r)
		case http.MethodPost:
			s.servePost(w, r)
		default:
			http.Error(w, `{"code":2,"message":"Bad handshake method"}`, http.StatusBadRequest)
		}

	case TransportWebsocket:
		var s *session
		if sid != "" {
			if s = srv.lookup(sid); s == nil {
				http.Error(w, `{"code":1,"message":"Session ID unknown"}`, http.StatusBadRequest)
				return
			}
		}
		conn, err := srv.upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.logger.Debug("websocket upgrade failed", "error", err)
			return
		}
		if s == nil {
			srv.serveNewWebsocket(conn)
			return
		}
		s.serveUpgrade(conn)

	default:
		http.Error(w, `{"code":0,"message":"Transport unknown"}`, http.StatusBadRequest)
	}
}

func (srv *Server) newSession(transportName string) *session {
	s := &session{
		srv:       srv,
		sid:       uuid.NewString(),
		out:       make(chan Packet, outboxSize),
		pong:      make(chan struct{}, 1),
		upgrading: make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.transport.Store(transportName)

	srv.mu.Lock()
	srv.sessions[s.sid] = s
	srv.mu.Unlock()

	go s.pingLoop()
	return s
}

func (srv *Server) openPacket(s *session, upgrades []string) Packet {
	hs := Handshake{
		SID:          s.sid,
		Upgrades:     upgrades,
		PingInterval: int(srv.cfg.PingInterval / time.Millisecond),
		PingTimeout:  int(srv.cfg.PingTimeout / time.Millisecond),
		MaxPayload:   1_000_000,
	}
	data, _ := json.Marshal(hs)
	return Packet{Type: PacketOpen, Data: data}
}

func (srv *Server) handshakePolling(w http.ResponseWriter) {
	s := srv.newSession(TransportPolling)
	upgrades := []string{}
	if srv.cfg.AllowUpgrades {
		upgrades = append(upgrades, TransportWebsocket)
	}
	writePayload(w, []Packet{srv.openPacket(s, upgrades)})
}

func (srv *Server) serveNewWebsocket(conn *websocket.Conn) {
	s := srv.newSession(TransportWebsocket)
	ws := &websocketTransport{conn: conn}
	if err := ws.Send(srv.openPacket(s, []string{})); err != nil {
		s.close(ReasonTransportError)
		conn.Close()
		return
	}
	s.runWebsocket(ws)
}

func writePayload(w http.ResponseWriter, packets []Packet) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	w.Write(EncodePayload(packets))
}

// session is one Engine.IO connection and its namespace socket.
type session struct {
	srv *Server
	sid string

	transport atomic.Value // string
	socket    atomic.Pointer[Socket]

	out       chan Packet
	pong      chan struct{}
	polling   atomic.Bool
	upgrading chan struct{}
	upgradeMu sync.Once

	// closeReason is set before a close packet is queued; the writer
	// ends the session with it once the packet is flushed.
	closeReason atomic.Value // string

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) enqueue(packets ...Packet) error {
	for _, p := range packets {
		select {
		case <-s.done:
			return ErrClosed
		default:
		}
		select {
		case s.out <- p:
		case <-s.done:
			return ErrClosed
		default:
			return ErrSlowConsumer
		}
	}
	return nil
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(s.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		if err := s.enqueue(Packet{Type: PacketPing}); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			continue
		}

		timer := time.NewTimer(s.srv.cfg.PingTimeout)
		select {
		case <-s.pong:
			timer.Stop()
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
			s.close(ReasonPingTimeout)
			return
		}
	}
}

// servePoll answers a long-polling GET with whatever is queued, waiting
// for the first packet.
func (s *session) servePoll(w http.ResponseWriter, r *http.Request) {
	if !s.polling.CompareAndSwap(false, true) {
		http.Error(w, `{"code":3,"message":"Bad request"}`, http.StatusBadRequest)
		s.close(ReasonTransportError)
		return
	}
	defer s.polling.Store(false)

	var batch []Packet
	select {
	case p := <-s.out:
		batch = append(batch, p)
	case <-s.upgrading:
		writePayload(w, []Packet{{Type: PacketNoop}})
		return
	case <-s.done:
		writePayload(w, []Packet{{Type: PacketClose}})
		return
	case <-r.Context().Done():
		return
	}

drain:
	for {
		select {
		case p := <-s.out:
			batch = append(batch, p)
		default:
			break drain
		}
	}

	writePayload(w, batch)
	s.afterFlush(batch)
}

func (s *session) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPollBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	packets, err := DecodePayload(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte("ok"))

	for _, p := range packets {
		s.handle(p)
	}
}

// serveUpgrade runs the probe exchange and moves the session to the
// websocket.
func (s *session) serveUpgrade(conn *websocket.Conn) {
	ws := &websocketTransport{conn: conn}
	fail := func() { conn.Close() }

	packets, err := ws.Recv(s.srv.cfg.PingTimeout)
	if err != nil || len(packets) != 1 || packets[0].Type != PacketPing || string(packets[0].Data) != "probe" {
		fail()
		return
	}
	if err := ws.Send(Packet{Type: PacketPong, Data: []byte("probe")}); err != nil {
		fail()
		return
	}
	s.upgradeMu.Do(func() { close(s.upgrading) })

	packets, err = ws.Recv(s.srv.cfg.PingTimeout)
	if err != nil || len(packets) != 1 || packets[0].Type != PacketUpgrade {
		fail()
		return
	}
	s.transport.Store(TransportWebsocket)
	s.runWebsocket(ws)
}

// runWebsocket pumps the session over ws until either side closes.
func (s *session) runWebsocket(ws *websocketTransport) {
	go func() {
		for {
			select {
			case p := <-s.out:
				if err := ws.Send(p); err != nil {
					s.close(ReasonTransportError)
					ws.Close()
					return
				}
				s.afterFlush([]Packet{p})
			case <-s.done:
				ws.Close()
				return
			}
		}
	}()

	for {
		packets, err := ws.Recv(0)
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, io.EOF) {
				s.close(ReasonTransportClose)
			} else {
				s.close(ReasonTransportError)
			}
			return
		}
		for _, p := range packets {
			s.handle(p)
		}
	}
}

func (s *session) afterFlush(batch []Packet) {
	for _, p := range batch {
		if p.Type == PacketClose {
			reason, _ := s.closeReason.Load().(string)
			if reason == "" {
				reason = ReasonServerNamespaceDisconnect
			}
			s.close(reason)
			return
		}
	}
}

func (s *session) handle(p Packet) {
	switch p.Type {
	case PacketPong:
		select {
		case s.pong <- struct{}{}:
		default:
		}
	case PacketPing:
		s.enqueue(Packet{Type: PacketPong, Data: p.Data})
	case PacketClose:
		s.close(ReasonTransportClose)
	case PacketMessage:
		if p.Binary {
			return
		}
		sp, err := DecodeSocketPacket(p.Data)
		if err != nil {
			s.srv.logger.Debug("dropping undecodable packet", "sid", s.sid, "error", err)
			return
		}
		if sp.Namespace != "/" {
			reply := SocketPacket{Type: SocketConnectError, Namespace: sp.Namespace, ID: -1, Data: json.RawMessage(`{"message":"Invalid namespace"}`)}
			s.enqueue(messagePacket(reply))
			return
		}
		s.handleSocket(sp)
	}
}

func (s *session) handleSocket(sp SocketPacket) {
	srv := s.srv
	switch sp.Type {
	case SocketConnect:
		if s.socket.Load() != nil {
			return
		}
		srv.mu.RLock()
		gate, onConnect := srv.onConnecting, srv.onConnect
		srv.mu.RUnlock()

		if gate != nil {
			if err := gate(sp.Data); err != nil {
				msg, _ := json.Marshal(map[string]string{"message": err.Error()})
				s.enqueue(messagePacket(SocketPacket{Type: SocketConnectError, Namespace: "/", ID: -1, Data: msg}))
				return
			}
		}

		sock := &Socket{id: uuid.NewString(), sess: s}
		data, _ := json.Marshal(map[string]string{"sid": sock.id})
		s.socket.Store(sock)
		s.enqueue(messagePacket(SocketPacket{Type: SocketConnect, Namespace: "/", ID: -1, Data: data}))
		srv.logger.Debug("socket connected", "sid", sock.id, "transport", s.transport.Load())
		if onConnect != nil {
			onConnect(sock)
		}

	case SocketEvent:
		sock := s.socket.Load()
		if sock == nil {
			return
		}
		name, args, err := ParseEvent(sp.Data)
		if err != nil {
			srv.logger.Debug("dropping malformed event", "sid", sock.id, "error", err)
			return
		}
		srv.mu.RLock()
		h := srv.handlers[name]
		srv.mu.RUnlock()
		if h == nil {
			srv.logger.Debug("no handler for event", "event", name)
			return
		}
		h(sock, args)

	case SocketDisconnect:
		s.close(ReasonClientNamespaceDisconnect)
	}
}

// shutdown queues a namespace disconnect and a close packet; the session
// ends once they are flushed.
func (s *session) shutdown(reason string) {
	s.closeReason.Store(reason)
	leave := messagePacket(SocketPacket{Type: SocketDisconnect, Namespace: "/", ID: -1})
	if err := s.enqueue(leave, Packet{Type: PacketClose}); err != nil && !errors.Is(err, ErrClosed) {
		s.close(reason)
	}
}

func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.srv.remove(s.sid)

		sock := s.socket.Load()
		if sock == nil {
			return
		}
		s.srv.mu.RLock()
		onDisconnect := s.srv.onDisconnect
		s.srv.mu.RUnlock()

		s.srv.logger.Debug("socket disconnected", "sid", sock.id, "reason", reason)
		if onDisconnect != nil {
			onDisconnect(sock, reason)
		}
	})
}

// Socket is a client connected to the default namespace.
type Socket struct {
	id   string
	sess *session
}

// ID returns the socket id sent to the client.
func (s *Socket) ID() string { return s.id }

// Transport returns the active transport name.
func (s *Socket) Transport() string {
	name, _ := s.sess.transport.Load().(string)
	return name
}

// Emit sends an event to this socket.
func (s *Socket) Emit(event string, args ...any) error {
	sp, err := NewEventPacket("/", event, args...)
	if err != nil {
		return err
	}
	return s.sess.enqueue(messagePacket(sp))
}

// Disconnect ends the socket from the server side. The client sees
// "io server disconnect".
func (s *Socket) Disconnect() {
	s.sess.shutdown(ReasonServerNamespaceDisconnect)
}

// Drop closes the Engine.IO session without leaving the namespace first,
// the way a crashing server looks to the client ("transport close").
func (s *Socket) Drop() {
	s.sess.closeReason.Store(ReasonTransportClose)
	if err := s.sess.enqueue(Packet{Type: PacketClose}); err != nil && !errors.Is(err, ErrClosed) {
		s.sess.close(ReasonTransportClose)
	}
}

// Done is closed when the socket's session ends.
func (s *Socket) Done() <-chan struct{} {
	return s.sess.done
}
