package daemon

import (
	"context"
	"encoding/json"

	"github.com/durapensa/ksi/pkg/checkpoint"
	"github.com/durapensa/ksi/pkg/event"
	"github.com/durapensa/ksi/pkg/kerrors"
)

// registerCheckpointHandlers wires dev:checkpoint, the single CLI-facing
// event for manual snapshot control (automatic periodic/shutdown
// checkpoints go through checkpoint.Manager directly from startup/Shutdown).
func (d *Daemon) registerCheckpointHandlers() {
	d.registerHandler("checkpoint", "dev:checkpoint", 0, d.handleDevCheckpoint)
}

func (d *Daemon) handleDevCheckpoint(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kerrors.Wrap(kerrors.Validation, err)
	}

	switch payload.Action {
	case "", "create":
		snap, err := d.checkpoint.Collect(ctx, checkpoint.ReasonManual)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.ServiceFailure, err)
		}
		return mustJSON(map[string]any{"checkpoint": snap}), nil

	case "status", "list":
		snapshots, err := d.checkpoint.Status(ctx)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.ServiceFailure, err)
		}
		return mustJSON(map[string]any{"checkpoints": snapshots, "count": len(snapshots)}), nil

	case "list_requests":
		raw, err := d.requests.Collect(ctx)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.ServiceFailure, err)
		}
		return raw, nil

	case "clear_all":
		if err := d.checkpoint.ClearAll(ctx); err != nil {
			return nil, kerrors.Wrap(kerrors.ServiceFailure, err)
		}
		return mustJSON(map[string]any{"status": "cleared"}), nil

	default:
		return nil, kerrors.Newf(kerrors.Validation, "unknown dev:checkpoint action %q", payload.Action)
	}
}
