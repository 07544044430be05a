package kcontext

import (
	"context"
	"encoding/json"

	"github.com/durapensa/ksi/pkg/event"
)

// Collect implements checkpoint.Participant under the name "contexts": it
// snapshots every hot context so a restart can rehydrate hot storage
// without waiting for cold-storage reads.
func (m *Manager) Collect(ctx context.Context) (json.RawMessage, error) {
	contexts := m.hot.all()
	return json.Marshal(contexts)
}

// Restore implements checkpoint.Participant: it clears hot storage and
// replays every context from the snapshot, in the order it was collected.
func (m *Manager) Restore(ctx context.Context, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var contexts []*event.Context
	if err := json.Unmarshal(data, &contexts); err != nil {
		return err
	}

	m.hot.clear()
	for _, c := range contexts {
		m.hot.add(c)
	}
	return nil
}
