package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/durapensa/ksi"
	"github.com/durapensa/ksi/pkg/event"
	"github.com/durapensa/ksi/pkg/kerrors"
)

// registerSystemHandlers wires system:health and the module introspection
// surface (module:list, module:events, module:inspect). system:startup,
// system:context, and system:ready are emitted by startup() directly, not
// handled here; shutdown acknowledgments are recorded on the router via
// AcknowledgeShutdown, which Daemon.Shutdown calls for each critical
// service itself.
func (d *Daemon) registerSystemHandlers() {
	d.registerHandler("system", "system:health", 0, d.handleSystemHealth)
	d.registerHandler("system", "module:list", 0, d.handleModuleList)
	d.registerHandler("system", "module:events", 0, d.handleModuleEvents)
	d.registerHandler("system", "module:inspect", 0, d.handleModuleInspect)
}

func (d *Daemon) handleSystemHealth(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	return mustJSON(map[string]any{
		"status":            "healthy",
		"modules_loaded":    len(d.modules.list()),
		"events_registered": d.router.HandlerCount(),
		"background_tasks":  d.router.TaskCount(),
		"version":           ksi.Version,
		"uptime":            time.Since(d.startedAt).Seconds(),
	}), nil
}

func (d *Daemon) handleModuleList(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	modules := d.modules.list()
	names := make([]string, 0, len(modules))
	for _, m := range modules {
		names = append(names, m.Name)
	}
	return mustJSON(map[string]any{"modules": names, "count": len(names)}), nil
}

func (d *Daemon) handleModuleEvents(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		Module string `json:"module"`
	}
	_ = json.Unmarshal(data, &payload)

	if payload.Module == "" {
		out := make(map[string][]string)
		for _, m := range d.modules.list() {
			out[m.Name] = m.Events
		}
		return mustJSON(map[string]any{"events": out}), nil
	}

	info, ok := d.modules.find(payload.Module)
	if !ok {
		return nil, kerrors.Newf(kerrors.NotFound, "module %q not found", payload.Module)
	}
	return mustJSON(map[string]any{"module": info.Name, "events": info.Events}), nil
}

func (d *Daemon) handleModuleInspect(ctx context.Context, data json.RawMessage, ectx *event.Context) (json.RawMessage, error) {
	var payload struct {
		ModuleName string `json:"module_name"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, kerrors.Wrap(kerrors.Validation, err)
	}

	info, ok := d.modules.find(payload.ModuleName)
	if !ok {
		return nil, kerrors.Newf(kerrors.NotFound, "module %q not found", payload.ModuleName)
	}
	return mustJSON(map[string]any{
		"module_name": info.Name,
		"event_count": len(info.Events),
		"events":      info.Events,
	}), nil
}
