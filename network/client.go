package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/offlinekit/offsync/errs"
)

// Config holds Client configuration.
type Config struct {
	// BaseURL of the backend, for example https://baas.example.com.
	BaseURL string

	AppKey string

	// Authorization is sent verbatim as the Authorization header.
	Authorization string

	// Headers are added to every request; a Request's own headers win.
	Headers map[string]string

	// Timeout bounds each request. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client

	// Logger for request activity. Verbose enables one line per request.
	Logger  *log.Logger
	Verbose bool
}

// Client executes Requests over HTTP.
type Client struct {
	baseURL string
	config  Config
	http    *http.Client
	logger  *log.Logger
}

// NewClient creates a Client.
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if config.AppKey == "" {
		return nil, fmt.Errorf("app key is required")
	}

	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: config.Timeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[network] ", log.LstdFlags)
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		config:  config,
		http:    hc,
		logger:  logger,
	}, nil
}

// Execute implements Executor.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	const op = "network.Execute"

	hr, err := c.httpRequest(ctx, req)
	if err != nil {
		return nil, errs.Wrap(errs.ErrInvalidOperation, op, err)
	}

	start := time.Now()
	res, err := c.http.Do(hr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.Wrap(errs.ErrCancelled, op, ctxErr)
		}
		return nil, errs.Wrap(errs.ErrNetworkUnavailable, op, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.Wrap(errs.ErrCancelled, op, ctxErr)
		}
		return nil, errs.Wrap(errs.ErrNetworkUnavailable, op, fmt.Errorf("failed to read response: %w", err))
	}

	if c.config.Verbose {
		c.logger.Printf("%s %s -> %d (%s)", hr.Method, hr.URL.Path, res.StatusCode, time.Since(start).Round(time.Millisecond))
	}

	out := &Response{StatusCode: res.StatusCode, Header: res.Header, Body: body}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return out, serverError(op, res.StatusCode, body)
	}
	return out, nil
}

func (c *Client) httpRequest(ctx context.Context, req *Request) (*http.Request, error) {
	path, err := c.expand(req.Path, req.Params)
	if err != nil {
		return nil, err
	}
	u := c.baseURL + path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var body io.Reader
	if req.Body != nil {
		var data []byte
		switch b := req.Body.(type) {
		case []byte:
			data = b
		case json.RawMessage:
			data = b
		default:
			data, err = json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hr, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	hr.Header.Set("Accept", "application/json")
	if body != nil {
		hr.Header.Set("Content-Type", "application/json")
	}
	if c.config.Authorization != "" {
		hr.Header.Set("Authorization", c.config.Authorization)
	}
	for k, v := range c.config.Headers {
		hr.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		hr.Header.Set(k, v)
	}
	return hr, nil
}

// expand fills the {name} placeholders of a path template.
func (c *Client) expand(tmpl string, params map[string]string) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", tmpl)
		}
		name := rest[open+1 : open+end]
		b.WriteString(rest[:open])

		var value string
		if name == "appKey" {
			value = c.config.AppKey
		} else {
			v, ok := params[name]
			if !ok || v == "" {
				return "", fmt.Errorf("missing path parameter %q for %q", name, tmpl)
			}
			value = v
		}
		b.WriteString(url.PathEscape(value))
		rest = rest[open+end+1:]
	}
}

func serverError(op string, status int, body []byte) error {
	se := &ServerError{}
	if err := json.Unmarshal(body, se); err != nil || se.Name == "" {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &errs.Error{Kind: errs.ErrNetwork, Op: op, StatusCode: status, Message: msg}
	}
	return &errs.Error{Kind: errs.ErrNetwork, Op: op, StatusCode: status, Err: se}
}

// ServerErrorName returns the backend error name carried by err, or "".
func ServerErrorName(err error) string {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Name
	}
	return ""
}
