// ABOUTME: Newline-delimited JSON-RPC MCP client over any byte stream
// ABOUTME: Used for stdio servers reached through a container attach

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrClientClosed is returned for calls on a closed stdio client.
var ErrClientClosed = errors.New("mcp client closed")

// StdioClient speaks MCP over a bidirectional stream, one JSON message per line.
type StdioClient struct {
	rwc    io.ReadWriteCloser
	logger *slog.Logger
	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *rawResponse
	closed  bool
	readErr error
	done    chan struct{}
}

// ConnectStdio starts reading from rwc and performs the initialize handshake.
// The client owns rwc and closes it on Close or a failed handshake.
func ConnectStdio(ctx context.Context, rwc io.ReadWriteCloser, logger *slog.Logger) (*StdioClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &StdioClient{
		rwc:     rwc,
		logger:  logger.With("component", "mcp-stdio-client"),
		pending: make(map[string]chan *rawResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	if _, err := c.call(ctx, "initialize", newInitializeParams()); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	if err := c.write(JSONRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialized notification: %w", err)
	}
	return c, nil
}

// ListTools implements Client.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	return listAllTools(ctx, c)
}

// CallTool implements Client.
func (c *StdioClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallToolResult, error) {
	return callTool(ctx, c, name, arguments)
}

// SessionID implements Client. Stdio connections have no session id.
func (c *StdioClient) SessionID() string { return "" }

// Close implements Client.
func (c *StdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.rwc.Close()
}

// Done is closed once the read side of the stream has ended.
func (c *StdioClient) Done() <-chan struct{} { return c.done }

func (c *StdioClient) write(msg any) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.rwc.Write(line)
	return err
}

// call implements rpcCaller.
func (c *StdioClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	key := strconv.FormatInt(c.nextID.Add(1), 10)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: json.RawMessage(key), Method: method}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		req.Params = p
	}

	ch := make(chan *rawResponse, 1)
	c.mu.Lock()
	if c.closed || c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrClientClosed
	}
	c.pending[key] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return nil, fmt.Errorf("writing %s request: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg == nil {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = ErrClientClosed
			}
			return nil, err
		}
		if msg.Error != nil {
			return nil, classifyRPCError(msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *StdioClient) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.rwc)
	scanner.Buffer(make([]byte, 64*1024), 16*MaxRequestBodySize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg rawResponse
		if err := json.Unmarshal(line, &msg); err != nil {
			// Servers sometimes log to stdout; ignore anything that is not JSON.
			c.logger.Debug("ignoring non-json line from server", "line", truncate(string(line), 200))
			continue
		}
		if msg.Method != "" || len(msg.ID) == 0 {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[string(msg.ID)]
		c.mu.Unlock()
		if ok {
			ch <- &msg
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}

	c.mu.Lock()
	c.readErr = fmt.Errorf("mcp stream closed: %w", err)
	for key, ch := range c.pending {
		close(ch)
		delete(c.pending, key)
	}
	c.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
