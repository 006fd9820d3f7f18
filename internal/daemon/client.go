package daemon

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/tentickle/tentickle/internal/gateway/unixsock"
	ws "github.com/tentickle/tentickle/pkg/websocket"
)

const clientTimeout = 10 * time.Second

// Client is a synchronous request/response view of the daemon socket,
// used by the CLI. Notifications arriving between responses are
// discarded.
type Client struct {
	conn net.Conn
}

// Dial connects to a running daemon's unix socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Request performs one protocol round trip.
func (c *Client) Request(action, sessionID string, payload any) (*ws.Message, error) {
	req, err := ws.NewRequest(uuid.New().String(), action, sessionID, payload)
	if err != nil {
		return nil, err
	}
	if err := c.conn.SetDeadline(time.Now().Add(clientTimeout)); err != nil {
		return nil, err
	}
	if err := unixsock.WriteFrame(c.conn, req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	for {
		msg, err := unixsock.ReadFrame(c.conn)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if msg.ID != req.ID {
			continue
		}
		if msg.Type == ws.MessageTypeError {
			var ep ws.ErrorPayload
			if perr := msg.ParsePayload(&ep); perr == nil {
				return msg, fmt.Errorf("%s: %s", ep.Code, ep.Message)
			}
			return msg, fmt.Errorf("daemon returned an error")
		}
		return msg, nil
	}
}

// Status fetches the daemon status report.
func (c *Client) Status() (map[string]any, error) {
	msg, err := c.Request(ws.ActionStatus, "", nil)
	if err != nil {
		return nil, err
	}
	var status map[string]any
	if err := msg.ParsePayload(&status); err != nil {
		return nil, fmt.Errorf("parse status payload: %w", err)
	}
	return status, nil
}

// Close releases the socket connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
