// Package network defines how the datastore talks to the backend.
//
// Requests are described by an Executor-agnostic Request value whose path is
// a template over the appdata REST dialect:
//
//	POST   /appdata/{appKey}/{collection}
//	GET    /appdata/{appKey}/{collection}/{id}
//	PUT    /appdata/{appKey}/{collection}/{id}
//	DELETE /appdata/{appKey}/{collection}/{id}
//	GET    /appdata/{appKey}/{collection}/_count
//	GET    /appdata/{appKey}/{collection}/_deltaset
//	POST   /appdata/{appKey}/{collection}/_group
//
// Client is the net/http implementation. Tests substitute their own
// Executor.
package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Path templates.
const (
	CollectionPath = "/appdata/{appKey}/{collection}"
	EntityPath     = CollectionPath + "/{id}"
	CountPath      = CollectionPath + "/_count"
	DeltaSetPath   = CollectionPath + "/_deltaset"
	GroupPath      = CollectionPath + "/_group"
)

// RequestStartHeader carries the server time at which a request started.
// It is the authoritative "since" value for the next delta-set request.
const RequestStartHeader = "X-Kinvey-Request-Start"

// Server error names the datastore reacts to.
const (
	ErrNameParameterValueOutOfRange = "ParameterValueOutOfRange"
	ErrNameResultSetSizeExceeded    = "ResultSetSizeExceeded"
	ErrNameEntityNotFound           = "EntityNotFound"
)

// Executor sends a Request to the backend.
type Executor interface {
	// Execute returns the response for any status. Implementations
	// return an *errs.Error of kind ErrNetwork for non-2xx responses,
	// ErrNetworkUnavailable when the backend cannot be reached and
	// ErrCancelled when ctx ends first.
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// Request describes one backend call.
type Request struct {
	Method string

	// Path is a template; {appKey} is filled by the executor and every
	// other {name} from Params.
	Path   string
	Params map[string]string

	Query   url.Values
	Headers map[string]string

	// Body is encoded as JSON unless it already is a []byte or
	// json.RawMessage.
	Body any
}

// Response is a backend reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ServerError is the error document the backend returns with a non-2xx
// status.
type ServerError struct {
	Name        string `json:"error"`
	Description string `json:"description"`
	Debug       string `json:"debug,omitempty"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Description == "" {
		return e.Name
	}
	return e.Name + ": " + e.Description
}

// Get builds a GET request.
func Get(path string, params map[string]string, query url.Values) *Request {
	return &Request{Method: http.MethodGet, Path: path, Params: params, Query: query}
}

// Post builds a POST request with a JSON body.
func Post(path string, params map[string]string, body any) *Request {
	return &Request{Method: http.MethodPost, Path: path, Params: params, Body: body}
}

// Put builds a PUT request with a JSON body.
func Put(path string, params map[string]string, body any) *Request {
	return &Request{Method: http.MethodPut, Path: path, Params: params, Body: body}
}

// Delete builds a DELETE request.
func Delete(path string, params map[string]string, query url.Values) *Request {
	return &Request{Method: http.MethodDelete, Path: path, Params: params, Query: query}
}
