package daemon

import (
	"encoding/json"
	"sort"
	"sync"
)

// moduleInfo is one registered module's identity: a name and the event
// names it handles. There is no dynamic plugin discovery (module
// registration order in startup is fixed and explicit); this registry
// exists purely so module:list/module:events/module:inspect have
// something to report against.
type moduleInfo struct {
	Name   string
	Events []string
}

type moduleRegistry struct {
	mu      sync.Mutex
	modules map[string]*moduleInfo
}

func newModuleRegistry() *moduleRegistry {
	return &moduleRegistry{modules: make(map[string]*moduleInfo)}
}

// record adds eventName under module, creating the module entry on first
// use. Called by Daemon.registerHandler for every handler it registers.
func (m *moduleRegistry) record(module, eventName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.modules[module]
	if !ok {
		info = &moduleInfo{Name: module}
		m.modules[module] = info
	}
	info.Events = append(info.Events, eventName)
}

func (m *moduleRegistry) list() []moduleInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]moduleInfo, 0, len(m.modules))
	for _, info := range m.modules {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *moduleRegistry) find(name string) (moduleInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.modules[name]
	if !ok {
		return moduleInfo{}, false
	}
	return *info, true
}

// mustJSON marshals v, panicking on failure. Only used for payloads this
// package constructs itself from known-marshalable types, where a
// marshal error would be a programming
// error, not a runtime condition to recover from.
func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
