// ABOUTME: Reshapes tool output through per-assignment response templates
// ABOUTME: Rendering is bounded in time and size and falls back to the original content on any failure

package transform

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"text/template/parse"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	"github.com/2389/toolgate/internal/cache"
	"github.com/2389/toolgate/internal/toolcall"
)

// Render errors
var (
	ErrOutputTooLarge = errors.New("template output exceeds limit")
	ErrRenderBusy     = errors.New("too many template renders in flight")
)

// Options bounds rendering.
type Options struct {
	RenderTimeout  time.Duration // default 1s
	MaxOutputBytes int           // default 1 MiB
	MaxConcurrent  int           // renders in flight; default 16
	CacheSize      int           // parsed templates kept; default 256
	Logger         *slog.Logger
}

// Transformer applies response templates.
type Transformer struct {
	timeout   time.Duration
	maxBytes  int
	inflight  *semaphore.Weighted
	templates *cache.Cache[*template.Template]
	logger    *slog.Logger
}

// New creates a transformer.
func New(opts Options) *Transformer {
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = time.Second
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 1 << 20
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transformer{
		timeout:   opts.RenderTimeout,
		maxBytes:  opts.MaxOutputBytes,
		inflight:  semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		templates: cache.New[*template.Template](time.Hour, opts.CacheSize),
		logger:    opts.Logger.With("component", "transform"),
	}
}

// Close releases the template cache.
func (t *Transformer) Close() {
	t.templates.Close()
}

// Apply renders tmpl against content. An empty template returns content
// unchanged. Output that parses as JSON becomes a structured value; anything
// else becomes a single text part. Any failure logs and returns content.
func (t *Transformer) Apply(ctx context.Context, tmpl string, content []toolcall.Content) any {
	if strings.TrimSpace(tmpl) == "" {
		return content
	}
	out, err := t.Render(ctx, tmpl, content)
	if err != nil {
		t.logger.Warn("response template failed, returning original content", "error", err)
		return content
	}

	trimmed := bytes.TrimSpace(out)
	if json.Valid(trimmed) {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return toolcall.TextContent(string(out))
}

// Render executes tmpl with the content exposed as .response. A render that
// outlives its timeout keeps its slot until it notices the cancellation at the
// next checkpoint; when every slot is taken Render fails with ErrRenderBusy.
func (t *Transformer) Render(ctx context.Context, tmpl string, content []toolcall.Content) ([]byte, error) {
	parsed, err := t.parse(tmpl)
	if err != nil {
		return nil, err
	}
	data, err := environment(content)
	if err != nil {
		return nil, err
	}

	if !t.inflight.TryAcquire(1) {
		return nil, ErrRenderBusy
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type rendered struct {
		out []byte
		err error
	}
	done := make(chan rendered, 1)
	go func() {
		defer t.inflight.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- rendered{err: fmt.Errorf("template panicked: %v", r)}
			}
		}()
		w := &boundedBuffer{ctx: ctx, max: t.maxBytes}
		err := parsed.Execute(w, data)
		done <- rendered{out: w.buf.Bytes(), err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("executing template: %w", r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("rendering template: %w", ctx.Err())
	}
}

func (t *Transformer) parse(tmpl string) (*template.Template, error) {
	sum := sha256.Sum256([]byte(tmpl))
	key := hex.EncodeToString(sum[:])
	if parsed, ok := t.templates.Get(key); ok {
		return parsed, nil
	}
	parsed, err := template.New("response").Option("missingkey=zero").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	if err := addCheckpoints(parsed); err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	t.templates.Set(key, parsed)
	return parsed, nil
}

// addCheckpoints inserts an empty write at the top of every template body and
// every range body so execution reaches boundedBuffer, and therefore observes
// cancellation, once per iteration or recursive call even when nothing is
// printed. Ranges over a number literal are rejected outright.
func addCheckpoints(tmpl *template.Template) error {
	for _, tt := range tmpl.Templates() {
		if tt.Tree == nil || tt.Tree.Root == nil {
			continue
		}
		prependCheckpoint(tt.Tree.Root)
		if err := checkpointList(tt.Tree.Root); err != nil {
			return err
		}
	}
	return nil
}

func checkpointList(list *parse.ListNode) error {
	if list == nil {
		return nil
	}
	for _, node := range list.Nodes {
		var branch *parse.BranchNode
		switch n := node.(type) {
		case *parse.RangeNode:
			if rangesOverNumber(n.Pipe) {
				return fmt.Errorf("range over a number is not allowed: {{range %s}}", n.Pipe)
			}
			if n.List == nil {
				n.List = &parse.ListNode{NodeType: parse.NodeList, Pos: n.Pos}
			}
			prependCheckpoint(n.List)
			branch = &n.BranchNode
		case *parse.IfNode:
			branch = &n.BranchNode
		case *parse.WithNode:
			branch = &n.BranchNode
		default:
			continue
		}
		if err := checkpointList(branch.List); err != nil {
			return err
		}
		if err := checkpointList(branch.ElseList); err != nil {
			return err
		}
	}
	return nil
}

func prependCheckpoint(list *parse.ListNode) {
	checkpoint := &parse.TextNode{NodeType: parse.NodeText, Pos: list.Pos, Text: []byte{}}
	list.Nodes = append([]parse.Node{checkpoint}, list.Nodes...)
}

// rangesOverNumber reports whether pipe evaluates to a number literal, the
// only way a template can loop without data bounding the iteration count.
func rangesOverNumber(pipe *parse.PipeNode) bool {
	if pipe == nil || len(pipe.Cmds) == 0 {
		return false
	}
	last := pipe.Cmds[len(pipe.Cmds)-1]
	if len(last.Args) != 1 {
		return false
	}
	switch arg := last.Args[0].(type) {
	case *parse.NumberNode:
		return true
	case *parse.PipeNode:
		return rangesOverNumber(arg)
	}
	return false
}

// environment converts content into plain maps so templates address parts
// by their wire names (.type, .text).
func environment(content []toolcall.Content) (map[string]any, error) {
	if content == nil {
		content = []toolcall.Content{}
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}
	var parts []any
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("decoding content: %w", err)
	}
	return map[string]any{"response": parts}, nil
}

// boundedBuffer stops execution once ctx ends or max bytes are written.
type boundedBuffer struct {
	ctx context.Context
	buf bytes.Buffer
	max int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	if b.buf.Len()+len(p) > b.max {
		return 0, ErrOutputTooLarge
	}
	return b.buf.Write(p)
}

var funcs = template.FuncMap{
	"get":        get,
	"pluck":      pluck,
	"json":       toJSON,
	"jsonParse":  parseJSON,
	"jsonEscape": escapeJSON,
}

// get looks up a gjson path in v. Strings holding JSON are searched as JSON.
func get(v any, path string) (any, error) {
	var raw string
	if s, ok := v.(string); ok && gjson.Valid(s) {
		raw = s
	} else {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = string(data)
	}
	r := gjson.Get(raw, path)
	if !r.Exists() {
		return nil, nil
	}
	return r.Value(), nil
}

// pluck maps each element of list to its field.
func pluck(list any, field string) ([]any, error) {
	items, ok := list.([]any)
	if !ok {
		if list == nil {
			return []any{}, nil
		}
		return nil, fmt.Errorf("pluck: expected a list, got %T", list)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			out = append(out, nil)
			continue
		}
		out = append(out, m[field])
	}
	return out, nil
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseJSON(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("jsonParse: %w", err)
	}
	return v, nil
}

// escapeJSON returns s escaped for use inside a JSON string literal.
func escapeJSON(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data[1 : len(data)-1]), nil
}
