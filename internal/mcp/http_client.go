// ABOUTME: Streamable HTTP MCP client with session establishment and resume
// ABOUTME: Maps 404s and session-lost JSON-RPC errors onto ErrSessionNotFound

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// HTTPClientConfig configures an HTTP MCP client.
type HTTPClientConfig struct {
	// URL is the server's MCP endpoint.
	URL string

	// SessionID resumes an existing session instead of initializing.
	SessionID string

	// Headers are added to every request (credentials, tenancy).
	Headers map[string]string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// HTTPClient speaks MCP Streamable HTTP to one backend server.
type HTTPClient struct {
	url     string
	headers map[string]string
	http    *http.Client
	logger  *slog.Logger
	nextID  atomic.Int64

	mu              sync.RWMutex
	sessionID       string
	protocolVersion string
}

// ConnectHTTP opens a session with the server. With a SessionID it resumes
// and verifies the session with a ping; a forgotten session surfaces as
// ErrSessionNotFound here rather than on the first call.
func ConnectHTTP(ctx context.Context, cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcp http client: url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &HTTPClient{
		url:       cfg.URL,
		headers:   cfg.Headers,
		http:      httpClient,
		logger:    logger.With("component", "mcp-http-client", "url", cfg.URL),
		sessionID: cfg.SessionID,
	}

	if cfg.SessionID != "" {
		c.protocolVersion = latestProtocolVersion
		if _, err := c.call(ctx, "ping", nil); err != nil {
			return nil, fmt.Errorf("resuming session: %w", err)
		}
		c.logger.Debug("resumed mcp session", "session_id", cfg.SessionID)
		return c, nil
	}

	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *HTTPClient) initialize(ctx context.Context) error {
	raw, err := c.call(ctx, "initialize", newInitializeParams())
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decoding initialize result: %w", err)
	}
	version := result.ProtocolVersion
	if !supportedProtocolVersions[version] {
		c.logger.Warn("server negotiated unsupported protocol version", "version", version)
		version = latestProtocolVersion
	}
	c.mu.Lock()
	c.protocolVersion = version
	c.mu.Unlock()

	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	c.logger.Debug("initialized mcp session", "session_id", c.SessionID(), "protocol_version", version)
	return nil
}

// ListTools implements Client.
func (c *HTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
	return listAllTools(ctx, c)
}

// CallTool implements Client.
func (c *HTTPClient) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallToolResult, error) {
	return callTool(ctx, c, name, arguments)
}

// SessionID implements Client.
func (c *HTTPClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Close implements Client. The remote session is left alive for resume.
func (c *HTTPClient) Close() error {
	return nil
}

// Terminate ends the remote session with a DELETE.
func (c *HTTPClient) Terminate(ctx context.Context) error {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		return fmt.Errorf("terminate session: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) applyHeaders(req *http.Request) {
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	c.mu.RLock()
	sessionID, version := c.sessionID, c.protocolVersion
	c.mu.RUnlock()
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	if version != "" {
		req.Header.Set(ProtocolVersionHeader, version)
	}
}

func (c *HTTPClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound && c.SessionID() != "" {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: server returned 404", ErrSessionNotFound)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("mcp server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if id := resp.Header.Get(SessionHeader); id != "" {
		c.mu.Lock()
		c.sessionID = id
		c.mu.Unlock()
	}
	return resp, nil
}

func (c *HTTPClient) notify(ctx context.Context, method string) error {
	body, err := json.Marshal(JSONRPCRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// call implements rpcCaller.
func (c *HTTPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10))
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params: %w", err)
		}
		req.Params = p
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var msg *rawResponse
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		msg, err = readSSEResponse(resp.Body, id)
	} else {
		msg = &rawResponse{}
		err = json.NewDecoder(io.LimitReader(resp.Body, 16*MaxRequestBodySize)).Decode(msg)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}
	if msg.Error != nil {
		return nil, classifyRPCError(msg.Error)
	}
	return msg.Result, nil
}

// readSSEResponse scans an event stream for the response matching id.
// Server notifications and requests interleaved on the stream are skipped.
func readSSEResponse(r io.Reader, id json.RawMessage) (*rawResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*MaxRequestBodySize)

	var data strings.Builder
	flush := func() (*rawResponse, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var msg rawResponse
		if err := json.Unmarshal([]byte(data.String()), &msg); err != nil {
			return nil, false
		}
		if msg.Method != "" || !bytes.Equal(bytes.TrimSpace(msg.ID), id) {
			return nil, false
		}
		return &msg, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if msg, ok := flush(); ok {
				return msg, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if msg, ok := flush(); ok {
		return msg, nil
	}
	return nil, fmt.Errorf("event stream ended without a response")
}
