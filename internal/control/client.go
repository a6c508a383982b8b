package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by calls on a closed or disconnected client.
	ErrClosed = errors.New("control client closed")
)

// RemoteError is an error reported by the daemon for one call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Method + ": " + e.Message
}

// Client is one connection to a daemon.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	writeMu   sync.Mutex
	pending   map[string]chan *Response
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	connected atomic.Bool
}

// Dial connects to rawURL.
func Dial(rawURL string, timeout time.Duration) (*Client, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialTimeout(u.Network, u.Address, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}

	c := &Client{
		conn:    conn,
		pending: make(map[string]chan *Response),
		events:  make(chan Event, 100),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)

	go c.readLoop()
	return c, nil
}

// Close disconnects from the daemon.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Events returns pushed events. The channel closes when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call sends one request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, ErrClosed
	}

	req := Request{Method: method, ID: uuid.NewString()}
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		req.Params = encoded
	}

	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[req.ID] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	_, err = c.conn.Write(append(line, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != "" {
			return nil, &RemoteError{Method: method, Message: resp.Error}
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// call runs Call and decodes the result into out when out is non-nil.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	data, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.connected.Store(false)
		close(c.events)
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}

		if env.Type != "" {
			ev := Event{Type: env.Type, ID: env.EventID, Time: env.Time, Payload: env.Payload}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			default: // drop if nobody is reading
			}
			continue
		}

		if env.ID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		c.mu.Unlock()
		if ok {
			ch <- &Response{Data: env.Data, Error: env.Error, ID: env.ID}
		}
	}
}
