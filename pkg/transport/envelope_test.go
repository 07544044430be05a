package transport

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/durapensa/ksi/pkg/kerrors"
)

func TestNewResponseSingleResult(t *testing.T) {
	resp, err := NewResponse("routing:add_rule", "corr-1", []json.RawMessage{json.RawMessage(`{"id":"r1"}`)})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Count)
	require.JSONEq(t, `{"id":"r1"}`, string(resp.Data))
}

func TestNewResponseMultipleResults(t *testing.T) {
	resp, err := NewResponse("monitor:broadcast_event", "", []json.RawMessage{
		json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`),
	})
	require.NoError(t, err)
	require.Equal(t, 2, resp.Count)
	require.JSONEq(t, `[{"a":1},{"a":2}]`, string(resp.Data))
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("system:health", "corr-2", "not_found", errors.New("no such rule"))
	require.Equal(t, "no such rule", resp.Error)
	require.Nil(t, resp.Details)
}

func TestNewErrorResponseCarriesKerrorsDetails(t *testing.T) {
	err := kerrors.NewWithDetails(kerrors.Permission, "Permission denied", map[string]any{
		"required_capability": "routing_control",
	})
	resp := NewErrorResponse("routing:add_rule", "corr-3", "handler_failure", err)
	require.Equal(t, "Permission denied", resp.Error)
	require.Equal(t, map[string]any{"required_capability": "routing_control"}, resp.Details)
}

func TestHubBroadcastExcludesTransportEvents(t *testing.T) {
	var delivered []string
	hub := NewHub(func(pattern, event string) bool { return pattern == "*" })

	hub.Connect("c1", writerFunc(func(v any) error {
		delivered = append(delivered, "got")
		return nil
	}))
	hub.Subscribe("c1", []string{"*"})

	hub.Broadcast("transport:connected", nil)
	require.Empty(t, delivered)

	hub.Broadcast("routing:add_rule", json.RawMessage(`{}`))
	require.Len(t, delivered, 1)
}

type writerFunc func(v any) error

func (f writerFunc) WriteEnvelope(v any) error { return f(v) }
