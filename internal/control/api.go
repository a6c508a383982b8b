// Package control is the daemon control channel: newline-delimited JSON
// requests, responses and pushed events over a unix or tcp listener.
package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drewfead/raysession/internal/logging"
)

var (
	// ErrUnknownAddress is returned by Send for a peer that is not connected.
	ErrUnknownAddress = errors.New("unknown control address")
	// ErrSlowPeer is returned when a peer's outbound queue is full. The
	// peer is disconnected.
	ErrSlowPeer = errors.New("control peer not reading")
)

const (
	peerQueueSize = 256
	writeTimeout  = 5 * time.Second
	drainTimeout  = 500 * time.Millisecond
)

// Address identifies one connected peer for the lifetime of its connection.
type Address string

// HandlerFunc handles one method. from is the calling peer.
type HandlerFunc func(from Address, params json.RawMessage) (any, error)

// Request is an incoming call.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     string          `json:"id,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
	ID    string          `json:"id,omitempty"`
}

// Event is pushed to peers without a request.
type Event struct {
	Type    string          `json:"type"`
	ID      string          `json:"event_id,omitempty"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(eventType string, payload any) Event {
	ev := Event{Type: eventType, ID: uuid.NewString(), Time: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			logging.Error("encode event payload", "type", eventType, "error", err)
		} else {
			ev.Payload = data
		}
	}
	return ev
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// envelope is the union of every line on the wire.
type envelope struct {
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Type    string          `json:"type,omitempty"`
	EventID string          `json:"event_id,omitempty"`
	Time    time.Time       `json:"time,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// peer is one connection. Lines are queued and written by writeLoop, so
// callers never block on a peer that stops reading.
type peer struct {
	addr      Address
	conn      net.Conn
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPeer(conn net.Conn) *peer {
	return &peer{
		addr:   Address(uuid.NewString()),
		conn:   conn,
		out:    make(chan []byte, peerQueueSize),
		closed: make(chan struct{}),
	}
}

func (p *peer) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-p.closed:
		return net.ErrClosed
	default:
	}
	select {
	case p.out <- append(data, '\n'):
		return nil
	default:
		logging.Warn("control peer queue full, disconnecting", "peer", p.addr)
		p.close()
		return fmt.Errorf("%w: %s", ErrSlowPeer, p.addr)
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case line := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := p.conn.Write(line); err != nil {
				logging.Debug("control write failed", "peer", p.addr, "error", err)
				p.close()
				return
			}
		case <-p.closed:
			return
		}
	}
}

// drain waits until queued lines are written, the peer closes, or deadline.
func (p *peer) drain(deadline time.Time) {
	for len(p.out) > 0 && time.Now().Before(deadline) {
		select {
		case <-p.closed:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.conn.Close()
	})
}

// Server accepts control connections.
type Server struct {
	url      URL
	listener net.Listener

	mu           sync.RWMutex
	handlers     map[string]HandlerFunc
	peers        map[Address]*peer
	onDisconnect func(Address)

	done chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a server for rawURL ("unix:///path" or "tcp://host:port").
func NewServer(rawURL string) (*Server, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Server{
		url:      u,
		handlers: make(map[string]HandlerFunc),
		peers:    make(map[Address]*peer),
		done:     make(chan struct{}),
	}, nil
}

// Handle registers a handler for a method.
func (s *Server) Handle(method string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// OnDisconnect registers a callback run when a peer goes away.
func (s *Server) OnDisconnect(fn func(Address)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	if s.url.Network == "unix" {
		os.Remove(s.url.Address)
	}

	listener, err := net.Listen(s.url.Network, s.url.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.url, err)
	}
	s.listener = listener

	if s.url.Network == "unix" {
		os.Chmod(s.url.Address, 0700)
	} else {
		s.url.Address = listener.Addr().String()
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// URL returns the bound URL. For tcp it carries the actual port.
func (s *Server) URL() string {
	return s.url.String()
}

// Stop closes the listener and every connection.
func (s *Server) Stop() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	deadline := time.Now().Add(drainTimeout)
	for _, p := range s.peers {
		p.drain(deadline)
		p.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if s.url.Network == "unix" {
		os.Remove(s.url.Address)
	}
	return nil
}

// Peers returns the addresses currently connected.
func (s *Server) Peers() []Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Address, 0, len(s.peers))
	for addr := range s.peers {
		out = append(out, addr)
	}
	return out
}

// Send pushes an event to one peer.
func (s *Server) Send(to Address, event Event) error {
	s.mu.RLock()
	p, ok := s.peers[to]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, to)
	}
	return p.writeLine(event)
}

// Broadcast pushes an event to every connected peer.
func (s *Server) Broadcast(event Event) {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	for _, p := range peers {
		if err := p.writeLine(event); err != nil {
			logging.Debug("broadcast write failed", "peer", p.addr, "error", err)
		}
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				logging.Warn("control accept failed", "error", err)
				continue
			}
		}

		p := newPeer(conn)
		s.mu.Lock()
		s.peers[p.addr] = p
		s.mu.Unlock()

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			p.writeLoop()
		}()
		go s.handleConnection(p)
	}
}

func (s *Server) handleConnection(p *peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p.addr)
		onDisconnect := s.onDisconnect
		s.mu.Unlock()
		p.close()
		if onDisconnect != nil {
			onDisconnect(p.addr)
		}
	}()

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			p.writeLine(Response{Error: "invalid request: " + err.Error()})
			continue
		}
		p.writeLine(s.dispatch(p.addr, req))
	}
}

func (s *Server) dispatch(from Address, req Request) (resp Response) {
	resp.ID = req.ID

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		resp.Error = "unknown method: " + req.Method
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			logging.CapturePanic(r, "method", req.Method)
			resp.Data = nil
			resp.Error = fmt.Sprintf("internal error in %s", req.Method)
		}
	}()

	data, err := handler(from, req.Params)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			resp.Error = "encode response: " + err.Error()
			return resp
		}
		resp.Data = encoded
	}
	return resp
}
