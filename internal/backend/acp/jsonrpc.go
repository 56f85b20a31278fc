package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// ErrConnClosed is returned by calls pending when the connection closes.
var ErrConnClosed = errors.New("jsonrpc connection closed")

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// handler receives inbound traffic. Every method is invoked from the read
// loop, in wire order.
type handler interface {
	handleNotification(method string, params json.RawMessage)
	handleRequest(id json.RawMessage, method string, params json.RawMessage)
	handleMalformed(line []byte, err error)
	handleClosed(err error)
}

// conn is a newline-delimited JSON-RPC 2.0 peer.
type conn struct {
	r io.Reader
	w io.WriteCloser
	h handler

	wmu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *frame
	closed  bool

	done chan struct{}
}

func newConn(r io.Reader, w io.WriteCloser, h handler) *conn {
	return &conn{
		r:       r,
		w:       w,
		h:       h,
		pending: make(map[int64]chan *frame),
		done:    make(chan struct{}),
	}
}

func (c *conn) start() {
	go c.readLoop()
}

func (c *conn) readLoop() {
	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.h.handleMalformed(append([]byte(nil), line...), err)
			continue
		}
		c.dispatch(&f)
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.shutdown()
	c.h.handleClosed(err)
}

func (c *conn) dispatch(f *frame) {
	switch {
	case f.Method != "" && len(f.ID) > 0:
		c.h.handleRequest(f.ID, f.Method, f.Params)
	case f.Method != "":
		c.h.handleNotification(f.Method, f.Params)
	case len(f.ID) > 0:
		id, err := strconv.ParseInt(string(f.ID), 10, 64)
		if err != nil {
			c.h.handleMalformed(f.ID, fmt.Errorf("response id: %w", err))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ok {
			ch <- f
		}
	default:
		c.h.handleMalformed(nil, errors.New("frame has neither method nor id"))
	}
}

// call sends a request and waits for its response.
func (c *conn) call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *frame, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		c.forget(id)
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	if err := c.write(frame{JSONRPC: "2.0", ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method, Params: raw}); err != nil {
		c.forget(id)
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case <-c.done:
		return ErrConnClosed
	}
}

func (c *conn) notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	return c.write(frame{JSONRPC: "2.0", Method: method, Params: raw})
}

func (c *conn) respond(id json.RawMessage, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return c.write(frame{JSONRPC: "2.0", ID: id, Result: raw})
}

func (c *conn) respondError(id json.RawMessage, code int, msg string) error {
	return c.write(frame{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: msg}})
}

func (c *conn) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.pending = make(map[int64]chan *frame)
	close(c.done)
}

// close closes the write side and fails pending calls.
func (c *conn) close() error {
	c.shutdown()
	return c.w.Close()
}
