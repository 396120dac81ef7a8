package transport

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wippyai/exthost/dispatch"
	"github.com/wippyai/exthost/errors"
)

// Client issues calls over one connection. It is safe for concurrent use.
type Client struct {
	ws      *websocket.Conn
	pending map[string]chan *Response
	done    chan struct{}
	err     error
	seq     atomic.Uint64
	mu      sync.Mutex
	writeMu sync.Mutex
}

// Dial connects to a server URL such as ws://127.0.0.1:7000/calls.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.New(errors.PhaseTransport, errors.KindNotFound).
			Cause(err).
			Detail("dial %s", url).
			Build()
	}
	c := &Client{
		ws:      ws,
		pending: make(map[string]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		c.err = err
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		var data []byte
		if _, data, err = c.ws.ReadMessage(); err != nil {
			return
		}
		var resp Response
		if decode(data, &resp) != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// Call sends call and waits for its response. An empty call.ID is filled
// in. Errors reported by the host come back as *errors.Error.
func (c *Client) Call(ctx context.Context, call *dispatch.Call) (*dispatch.Result, error) {
	if call.ID == "" {
		call.ID = strconv.FormatUint(c.seq.Add(1), 10)
	}
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.err != nil || isClosed(c.done) {
		c.mu.Unlock()
		return nil, c.closedError()
	}
	c.pending[call.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.ws.WriteJSON(call)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(call.ID)
		return nil, errors.New(errors.PhaseTransport, errors.KindInvalidData).Cause(err).Detail("send call").Build()
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closedError()
		}
		if resp.Error != nil {
			return nil, resp.Error.Err()
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(call.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closedError() error {
	return errors.New(errors.PhaseTransport, errors.KindShuttingDown).Detail("connection closed").Build()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection and fails calls still waiting.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
