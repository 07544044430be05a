package daemon

import "testing"

func TestModuleRegistryRecordAndList(t *testing.T) {
	m := newModuleRegistry()
	m.record("system", "system:health")
	m.record("system", "module:list")
	m.record("routing", "routing:add_rule")

	list := m.list()
	if len(list) != 2 {
		t.Fatalf("expected 2 modules, got %d", len(list))
	}
	if list[0].Name != "routing" || list[1].Name != "system" {
		t.Fatalf("expected sorted module names, got %v / %v", list[0].Name, list[1].Name)
	}

	info, ok := m.find("system")
	if !ok {
		t.Fatal("expected to find system module")
	}
	if len(info.Events) != 2 {
		t.Fatalf("expected 2 events for system module, got %d", len(info.Events))
	}

	if _, ok := m.find("missing"); ok {
		t.Fatal("expected missing module to not be found")
	}
}
