// ABOUTME: Newline-delimited JSON connection to the secondary network's companion bridge
// ABOUTME: Streams packets and correlates contact-directory requests with their responses

package radio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/2389/mesh-bridge/internal/identity"
	"github.com/2389/mesh-bridge/internal/normalize"
)

// maxLineSize bounds one JSON line from the companion bridge.
const maxLineSize = 1 << 20

// defaultRequestTimeout bounds a contact lookup when ctx has no deadline.
const defaultRequestTimeout = 10 * time.Second

// JSONLConn talks to the companion bridge of the secondary network.
//
// Inbound lines are either packets ({"type":"packet","packet":{...}}, or a
// bare packet object) or responses ({"type":"response","id":...}) to a
// request we sent. Outbound requests carry a fresh id.
type JSONLConn struct {
	rw      io.ReadWriteCloser
	writeMu sync.Mutex

	pending map[string]chan gjson.Result
	mu      sync.Mutex

	timeout   time.Duration
	closeOnce sync.Once
	closeErr  error
	logger    *slog.Logger
}

// NewJSONLConn wraps an open stream.
func NewJSONLConn(rw io.ReadWriteCloser, logger *slog.Logger) *JSONLConn {
	return &JSONLConn{
		rw:      rw,
		pending: make(map[string]chan gjson.Result),
		timeout: defaultRequestTimeout,
		logger:  logger,
	}
}

// DialJSONL connects to the companion bridge over TCP.
func DialJSONL(ctx context.Context, address string, timeout time.Duration, logger *slog.Logger) (*JSONLConn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing companion bridge at %s: %w", address, err)
	}
	logger.Info("companion bridge connected", "address", address)
	return NewJSONLConn(conn, logger), nil
}

// Run reads lines until ctx is done or the stream fails.
func (c *JSONLConn) Run(ctx context.Context, handle func(normalize.Raw)) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()
	defer c.failPending()

	scanner := bufio.NewScanner(c.rw)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			c.logger.Debug("invalid JSON line", "len", len(line))
			continue
		}
		msg := gjson.ParseBytes(line)

		switch msg.Get("type").String() {
		case "response":
			c.deliver(msg)
		case "packet":
			// Copy: the scanner reuses its buffer.
			handle(normalize.JSONPacket(append([]byte(nil), msg.Get("packet").Raw...)))
		case "":
			handle(normalize.JSONPacket(append([]byte(nil), line...)))
		default:
			c.logger.Debug("ignoring companion event", "type", msg.Get("type").String())
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading companion stream: %w", err)
	}
	return io.EOF
}

func (c *JSONLConn) deliver(msg gjson.Result) {
	id := msg.Get("id").String()
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received response for unknown request", "request_id", id)
		return
	}
	ch <- msg
}

// failPending releases every waiter when the stream ends.
func (c *JSONLConn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// request sends one command and waits for the matching response.
func (c *JSONLConn) request(ctx context.Context, cmd map[string]any) (gjson.Result, error) {
	id := uuid.NewString()
	cmd["id"] = id

	ch := make(chan gjson.Result, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.send(cmd); err != nil {
		cleanup()
		return gjson.Result{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return gjson.Result{}, fmt.Errorf("companion stream closed: %w", io.ErrUnexpectedEOF)
		}
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return gjson.Result{}, ctx.Err()
	}
}

func (c *JSONLConn) send(cmd map[string]any) error {
	line, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encoding %v command: %w", cmd["type"], err)
	}
	line = append(line, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.rw.Write(line)
	return err
}

// SendText asks the companion bridge to transmit a message. Delivery is
// fire-and-forget; the bridge does not acknowledge sends.
func (c *JSONLConn) SendText(ctx context.Context, to, text string, channel int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(map[string]any{
		"type":    "send_text",
		"id":      uuid.NewString(),
		"to":      to,
		"text":    text,
		"channel": channel,
	})
}

// LookupContact queries the companion bridge's contact directory by public
// key prefix.
func (c *JSONLConn) LookupContact(ctx context.Context, prefix string) (identity.Contact, error) {
	resp, err := c.request(ctx, map[string]any{
		"type":   "lookup_contact",
		"prefix": prefix,
	})
	if err != nil {
		return identity.Contact{}, fmt.Errorf("contact lookup: %w", err)
	}
	if !resp.Get("ok").Bool() {
		if resp.Get("error").String() == "not_found" {
			return identity.Contact{}, identity.ErrContactNotFound
		}
		return identity.Contact{}, fmt.Errorf("contact lookup failed: %s", resp.Get("error").String())
	}

	ct := resp.Get("contact")
	contact := identity.Contact{
		NodeID: firstString(ct, "node_id", "nodeId", "id"),
		Name:   firstString(ct, "name", "adv_name", "advName"),
	}
	if key := firstString(ct, "public_key", "publicKey", "pubkey"); key != "" {
		contact.PublicKey = key
	}
	if contact.PublicKey == nil {
		return identity.Contact{}, identity.ErrContactNotFound
	}
	return contact, nil
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// Close closes the stream.
func (c *JSONLConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.rw.Close()
	})
	return c.closeErr
}
