package sio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport names.
const (
	TransportPolling   = "polling"
	TransportWebsocket = "websocket"
)

// protocolVersion is the Engine.IO revision spoken by this package.
const protocolVersion = "4"

// maxPollBody bounds a single long-polling response.
const maxPollBody = 16 << 20

type transport interface {
	Name() string
	Send(packets ...Packet) error
	Recv(timeout time.Duration) ([]Packet, error)
	Close() error
}

// endpointURL builds the Engine.IO URL for a transport.
func endpointURL(base *url.URL, path, transportName, sid string) *url.URL {
	u := *base
	u.Path = joinPath(base.Path, path)
	q := url.Values{}
	q.Set("EIO", protocolVersion)
	q.Set("transport", transportName)
	if sid != "" {
		q.Set("sid", sid)
	}
	if transportName == TransportWebsocket {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		default:
			u.Scheme = "ws"
		}
	}
	u.RawQuery = q.Encode()
	return &u
}

func joinPath(basePath, path string) string {
	for len(basePath) > 0 && basePath[len(basePath)-1] == '/' {
		basePath = basePath[:len(basePath)-1]
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	return basePath + path
}

// cacheBuster is the "t" query parameter sent with polling requests.
func cacheBuster() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

// pollingTransport speaks Engine.IO over HTTP long-polling.
type pollingTransport struct {
	client *http.Client
	target *url.URL

	ctx    context.Context
	cancel context.CancelFunc
}

func newPollingTransport(client *http.Client, base *url.URL, path string) *pollingTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &pollingTransport{
		client: client,
		target: endpointURL(base, path, TransportPolling, ""),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *pollingTransport) Name() string { return TransportPolling }

// setSID binds the transport to a session after the open packet.
func (p *pollingTransport) setSID(sid string) {
	q := p.target.Query()
	q.Set("sid", sid)
	p.target.RawQuery = q.Encode()
}

func (p *pollingTransport) requestURL() string {
	u := *p.target
	q := u.Query()
	q.Set("t", cacheBuster())
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *pollingTransport) poll(ctx context.Context) ([]Packet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.requestURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return DecodePayload(body)
}

func (p *pollingTransport) Recv(timeout time.Duration) ([]Packet, error) {
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	return p.poll(ctx)
}

func (p *pollingTransport) Send(packets ...Packet) error {
	ctx, cancel := context.WithTimeout(p.ctx, writeWait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.requestURL(), bytes.NewReader(EncodePayload(packets)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return nil
}

func (p *pollingTransport) Close() error {
	p.cancel()
	return nil
}

// websocketTransport speaks Engine.IO over a websocket. Only this type
// writes to the connection, under writeMu.
type websocketTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func dialWebsocket(ctx context.Context, dialer *websocket.Dialer, target *url.URL) (*websocketTransport, error) {
	conn, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: http %d: %w", target.Host, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", target.Host, err)
	}
	return &websocketTransport{conn: conn}, nil
}

func (w *websocketTransport) Name() string { return TransportWebsocket }

func (w *websocketTransport) Recv(timeout time.Duration) ([]Packet, error) {
	if timeout > 0 {
		w.conn.SetReadDeadline(time.Now().Add(timeout))
	}
	msgType, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType == websocket.BinaryMessage {
		return []Packet{{Type: PacketMessage, Data: data, Binary: true}}, nil
	}
	p, err := DecodePacket(data)
	if err != nil {
		return nil, err
	}
	return []Packet{p}, nil
}

func (w *websocketTransport) Send(packets ...Packet) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	for _, p := range packets {
		w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		var err error
		if p.Binary {
			err = w.conn.WriteMessage(websocket.BinaryMessage, p.Data)
		} else {
			err = w.conn.WriteMessage(websocket.TextMessage, p.Encode())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *websocketTransport) Close() error {
	return w.conn.Close()
}

// isTimeout reports whether err is a read deadline or context timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
