package control

import (
	"context"

	"github.com/drewfead/raysession/internal/announce"
	"github.com/drewfead/raysession/internal/signals"
)

// Announce performs the announce call.
func (c *Client) Announce(ctx context.Context, hello announce.Hello) (*announce.Advertisement, error) {
	var ad announce.Advertisement
	if err := c.call(ctx, MethodAnnounce, hello, &ad); err != nil {
		return nil, err
	}
	return &ad, nil
}

// Disannounce tells the daemon to forget this controller.
func (c *Client) Disannounce(ctx context.Context) error {
	return c.call(ctx, MethodDisannounce, nil, nil)
}

// SetNsmLocked locks the daemon under a session manager.
func (c *Client) SetNsmLocked(ctx context.Context) error {
	return c.call(ctx, MethodSetNsmLocked, nil, nil)
}

// OpenSession opens (creating if needed) a session by name.
func (c *Client) OpenSession(ctx context.Context, name string) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.call(ctx, MethodOpenSession, SessionRequest{Name: name}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// CloseSession stops every client and closes the session.
func (c *Client) CloseSession(ctx context.Context) error {
	return c.call(ctx, MethodCloseSession, nil, nil)
}

// SaveSession asks every ready client to save.
func (c *Client) SaveSession(ctx context.Context) error {
	return c.call(ctx, MethodSaveSession, nil, nil)
}

// AddProxy adds a proxied client.
func (c *Client) AddProxy(ctx context.Context, req AddProxyRequest) (*ClientInfo, error) {
	var info ClientInfo
	if err := c.call(ctx, MethodAddProxy, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListClients lists the clients of the open session.
func (c *Client) ListClients(ctx context.Context) ([]*ClientInfo, error) {
	var clients []*ClientInfo
	if err := c.call(ctx, MethodListClients, nil, &clients); err != nil {
		return nil, err
	}
	return clients, nil
}

// StartClient launches a client.
func (c *Client) StartClient(ctx context.Context, id string) (*ClientInfo, error) {
	return c.clientVerb(ctx, MethodStartClient, id)
}

// StopClient stops a client with its stop signal.
func (c *Client) StopClient(ctx context.Context, id string) (*ClientInfo, error) {
	return c.clientVerb(ctx, MethodStopClient, id)
}

// StopClientWith stops a client with sig instead of its stop signal.
func (c *Client) StopClientWith(ctx context.Context, id string, sig signals.Signal) (*ClientInfo, error) {
	return c.clientCall(ctx, MethodStopClient, ClientRequest{ClientID: id, Signal: &sig})
}

// SaveClient asks a client to save.
func (c *Client) SaveClient(ctx context.Context, id string) (*ClientInfo, error) {
	return c.clientVerb(ctx, MethodSaveClient, id)
}

// SaveClientWith asks a client to save using sig instead of its save signal.
func (c *Client) SaveClientWith(ctx context.Context, id string, sig signals.Signal) (*ClientInfo, error) {
	return c.clientCall(ctx, MethodSaveClient, ClientRequest{ClientID: id, Signal: &sig})
}

// KillClient kills a client's process group.
func (c *Client) KillClient(ctx context.Context, id string) (*ClientInfo, error) {
	return c.clientVerb(ctx, MethodKillClient, id)
}

// RemoveClient removes a stopped client from the session.
func (c *Client) RemoveClient(ctx context.Context, id string) error {
	return c.call(ctx, MethodRemoveClient, ClientRequest{ClientID: id}, nil)
}

// ClientHistory returns recorded events of a client, newest first.
func (c *Client) ClientHistory(ctx context.Context, id string, limit int) ([]*HistoryEntry, error) {
	var entries []*HistoryEntry
	if err := c.call(ctx, MethodClientHistory, HistoryRequest{ClientID: id, Limit: limit}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Quit shuts the daemon down.
func (c *Client) Quit(ctx context.Context) error {
	return c.call(ctx, MethodQuit, nil, nil)
}

func (c *Client) clientVerb(ctx context.Context, method, id string) (*ClientInfo, error) {
	return c.clientCall(ctx, method, ClientRequest{ClientID: id})
}

func (c *Client) clientCall(ctx context.Context, method string, req ClientRequest) (*ClientInfo, error) {
	var info ClientInfo
	if err := c.call(ctx, method, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
