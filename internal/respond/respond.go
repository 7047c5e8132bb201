// Package respond computes the reply sent back to the original webhook caller
// from an endpoint's response configuration.
package respond

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/PipeOpsHQ/hooktunnel/internal/store"
)

const (
	DefaultStatus = http.StatusOK
	DefaultBody   = "OK"
)

// ConfigError reports a malformed response configuration. It is logged and
// never shown to the webhook caller.
type ConfigError struct {
	EndpointID string
	Field      string
	Err        error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("respond: endpoint %s: invalid %s: %v", e.EndpointID, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type Header struct {
	Name  string
	Value string
}

// Headers is an ordered flat string mapping.
type Headers []Header

func (h Headers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range h {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, _ := json.Marshal(kv.Name)
		v, _ := json.Marshal(kv.Value)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ParseHeaders decodes a JSON object of string values, keeping document order.
// Empty input and null yield no headers.
func ParseHeaders(raw []byte) (Headers, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("headers must be a JSON object")
	}

	var out Headers
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name := tok.(string) // object keys are always strings
		if name == "" {
			return nil, errors.New("empty header name")
		}
		tok, err = dec.Token()
		if err != nil {
			return nil, err
		}
		value, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("header %q: value must be a string", name)
		}
		out = append(out, Header{Name: name, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after headers object")
	}
	return out, nil
}

type Response struct {
	Status  int
	Headers Headers
	Body    []byte
}

func Default() Response {
	return Response{Status: DefaultStatus, Body: []byte(DefaultBody)}
}

// Synthesize builds the reply for ep. On a malformed configuration it returns
// the default response together with a *ConfigError; nothing is partially applied.
func Synthesize(ep *store.Endpoint) (Response, error) {
	status := ep.ResponseStatus
	if status == 0 {
		status = DefaultStatus
	}
	if status < 100 || status > 599 {
		return Default(), &ConfigError{EndpointID: ep.ID, Field: "responseStatus", Err: fmt.Errorf("status %d out of range", status)}
	}

	headers, err := ParseHeaders(ep.ResponseHeaders)
	if err != nil {
		return Default(), &ConfigError{EndpointID: ep.ID, Field: "responseHeaders", Err: err}
	}

	body := ep.ResponseBody
	if body == "" {
		body = DefaultBody
	}
	return Response{Status: status, Headers: headers, Body: []byte(body)}, nil
}

func (r Response) Write(w http.ResponseWriter) error {
	h := w.Header()
	for _, kv := range r.Headers {
		h.Add(kv.Name, kv.Value)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(r.Status)
	_, err := w.Write(r.Body)
	return err
}
