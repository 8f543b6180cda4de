package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chrisdennis/calcite-avatica/pkg/message"
)

// DefaultResponseTimeout bounds one round trip on the client side; the
// protocol itself does not time out.
const DefaultResponseTimeout = 180 * time.Second

// ClientOption configures a Client
type ClientOption func(*Client)

// WithBinary selects the compact binary serializer
func WithBinary() ClientOption {
	return func(c *Client) {
		c.tr = message.BinaryTranslator{}
		c.contentType = ContentTypeBinary
	}
}

// WithHTTPClient substitutes the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// WithBasicAuth attaches credentials to every request
func WithBasicAuth(user, password string) ClientOption {
	return func(c *Client) {
		c.user = user
		c.password = password
	}
}

// Client is the protocol poster: one Call is one HTTP POST carrying a
// serialized request and returning a serialized response.
type Client struct {
	url         string
	hc          *http.Client
	tr          message.Translator
	contentType string
	user        string
	password    string
}

// NewClient builds a client against a server URL
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:         url,
		hc:          &http.Client{Timeout: DefaultResponseTimeout},
		tr:          message.JSONTranslator{},
		contentType: ContentTypeJSON,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call posts one request and parses the paired response. An ErrorResponse
// body is surfaced as a *message.RemoteError; the HTTP status alone is not
// trusted.
func (c *Client) Call(ctx context.Context, req message.Request) (message.Response, error) {
	body, err := c.tr.SerializeRequest(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", c.contentType)
	if c.user != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	resp, err := c.tr.ParseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	if errResp, ok := resp.(*message.ErrorResponse); ok {
		return nil, message.FromErrorResponse(errResp)
	}
	return resp, nil
}
