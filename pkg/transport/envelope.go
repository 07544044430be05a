package transport

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/durapensa/ksi/pkg/kerrors"
)

// Request is the envelope a client sends in.
type Request struct {
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Context       json.RawMessage `json:"_ksi_context,omitempty"`
	TimeoutMS     int             `json:"timeout,omitempty"`
}

// Response is the envelope sent back. Data holds a single object when
// Count == 1, a JSON array otherwise. On failure, Error replaces Data with
// the plain failure message and Details (when the underlying error carries
// any, e.g. a missing capability) rides alongside it — matching the wire
// shape {error: "Permission denied", details: {...}}.
type Response struct {
	Event         string         `json:"event"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	Count         int            `json:"count"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// NewResponse builds a success Response from a set of handler results.
// A single result is emitted as a bare object; zero or multiple results
// are emitted as an array.
func NewResponse(event, correlationID string, results []json.RawMessage) (*Response, error) {
	resp := &Response{
		Event:         event,
		Count:         len(results),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}

	switch len(results) {
	case 1:
		resp.Data = results[0]
	default:
		arr, err := json.Marshal(results)
		if err != nil {
			return nil, err
		}
		resp.Data = arr
	}
	return resp, nil
}

// NewErrorResponse builds a failure Response. err is classified as kind
// unless it is already a *kerrors.Error, in which case its own kind and
// details (e.g. required_capability) are used as-is.
func NewErrorResponse(event, correlationID, kind string, err error) *Response {
	var kerr *kerrors.Error
	if !errors.As(err, &kerr) {
		err = kerrors.Wrap(kerrors.Kind(kind), err)
	}
	return &Response{
		Event:         event,
		Error:         kerrors.MessageOf(err),
		Details:       kerrors.DetailsOf(err),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}
