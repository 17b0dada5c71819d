package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jguan/mcpcheck/pkg/codec"
	"github.com/jguan/mcpcheck/pkg/failure"
	"github.com/jguan/mcpcheck/pkg/infra/logger"
	"github.com/jguan/mcpcheck/pkg/protocol"
)

const acceptHeader = "application/json, text/event-stream"

// maxHTTPBody bounds a response body; larger bodies fail the exchange.
var maxHTTPBody = 16 << 20

// HTTPTransport speaks the streamable HTTP binding: one POST per message,
// response body either plain JSON or an event stream. It holds no
// connection state between calls.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	header   http.Header
	logger   *slog.Logger
	inbox    *inbox
}

type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the client used for requests. Its RoundTripper is
// wrapped for debug logging.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithHeader adds a fixed header to every request.
func WithHeader(key, value string) HTTPOption {
	return func(t *HTTPTransport) {
		t.header.Set(key, value)
	}
}

// NewHTTPTransport returns a transport posting to endpoint. Calls are
// bounded by the deadline of the context passed to Send.
func NewHTTPTransport(endpoint string, opts ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{},
		header:   make(http.Header),
		logger:   logger.Default(),
		inbox:    newInbox(0),
	}
	for _, opt := range opts {
		opt(t)
	}

	client := *t.client
	client.Transport = newLoggingRoundTripper(client.Transport, t.logger)
	t.client = &client
	return t
}

func (t *HTTPTransport) Kind() Kind { return KindHTTP }

func (t *HTTPTransport) Endpoint() string { return t.endpoint }

// Send posts msg and returns the exchange. Responses carried in a 2xx body
// are queued for ReceiveByID. A 2xx body that cannot be decoded is a
// protocol violation; non-2xx bodies are returned undecoded.
func (t *HTTPTransport) Send(ctx context.Context, msg any, sc SessionContext) (*Exchange, error) {
	body, err := codec.Encode(msg)
	if err != nil {
		return nil, failure.Wrap(failure.KindProtocol, "http send", err)
	}

	id, isRequest := requestID(msg)
	if isRequest {
		t.inbox.expect(id)
	}

	ex, err := t.do(ctx, http.MethodPost, bytes.NewReader(body), sc)
	if err != nil {
		t.inbox.forget(id)
		return nil, err
	}

	if ex.Status < 200 || ex.Status > 299 {
		t.inbox.forget(id)
		return ex, nil
	}

	msgs, err := codec.DecodeHTTPBody(ex.Body)
	if err != nil {
		t.inbox.forget(id)
		return ex, failure.Wrap(failure.KindProtocol, "http decode", err).WithDetail(string(ex.Body))
	}
	ex.Messages = msgs
	for _, m := range msgs {
		if m.Kind() != protocol.KindResponse {
			t.logger.Debug("ignoring non-response message in HTTP body", "method", m.Method)
			continue
		}
		if !t.inbox.put(m) {
			t.logger.Debug("discarding unsolicited or duplicate response", "id", m.ID.String())
		}
	}
	return ex, nil
}

// ReceiveByID returns the queued response for id. HTTP responses are
// coupled to their request, so there is nothing to wait for: a missing id
// means the server answered with the wrong one.
func (t *HTTPTransport) ReceiveByID(_ context.Context, id protocol.ID, _ time.Time) (protocol.Message, error) {
	if m, ok := t.inbox.take(id); ok {
		return m, nil
	}
	t.inbox.forget(id)
	return protocol.Message{}, failure.Newf(failure.KindProtocol, "http receive",
		"no response with id=%s in HTTP body", id)
}

// Delete ends the session identified by sc on the server.
func (t *HTTPTransport) Delete(ctx context.Context, sc SessionContext) (*Exchange, error) {
	return t.do(ctx, http.MethodDelete, nil, sc)
}

// Close discards queued responses. HTTP holds no connection of its own.
func (t *HTTPTransport) Close() error {
	t.inbox.clear()
	return nil
}

func (t *HTTPTransport) do(ctx context.Context, method string, body io.Reader, sc SessionContext) (*Exchange, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.endpoint, body)
	if err != nil {
		return nil, failure.Wrap(failure.KindTransport, "http request", err)
	}

	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptHeader)
	if sc.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+sc.APIKey)
	}
	if sc.SessionID != "" {
		req.Header.Set(HeaderSessionID, sc.SessionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(method+" "+t.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxHTTPBody)+1))
	if err != nil {
		return nil, classifyHTTPError("read body", err)
	}
	if len(data) > maxHTTPBody {
		return nil, failure.Newf(failure.KindTransport, "read body",
			"%s %s: response body exceeds %d bytes", method, t.endpoint, maxHTTPBody)
	}

	return &Exchange{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

func classifyHTTPError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &failure.Error{
			Kind:    failure.KindTimeout,
			Op:      op,
			Message: fmt.Sprintf("no response before deadline: %v", err),
			Err:     err,
		}
	}
	return failure.Wrap(failure.KindTransport, op, err)
}
