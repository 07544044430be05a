package introspection

import "context"

// TreeNode is one event in a reconstructed genealogy tree.
type TreeNode struct {
	EventID   string      `json:"event_id"`
	EventName string      `json:"event_name"`
	Timestamp float64     `json:"timestamp"`
	Children  []*TreeNode `json:"children,omitempty"`
}

// Edge is one parent→child relationship, used by the "graph" format.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// EventTree reconstructs the genealogy rooted at q.EventID (or the
// earliest event of q.CorrelationID when EventID is unset), per format:
// "tree" returns the nested root node and nil edges; "graph" returns a nil
// root and only the parent→child edge list, with no separate node list.
func (g *Genealogy) EventTree(ctx context.Context, q ChainQuery, format string) (*TreeNode, []Edge, error) {
	q.IncludeChildren = true
	entries, err := g.EventChain(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == 0 {
		return nil, nil, nil
	}

	nodes := make(map[string]*TreeNode, len(entries))
	var rootID string
	for i, e := range entries {
		nodes[e.Event.EventID] = &TreeNode{
			EventID:   e.Event.EventID,
			EventName: e.Event.EventName,
			Timestamp: e.Event.Timestamp,
		}
		if i == 0 {
			rootID = e.Event.EventID
		}
		if e.Context != nil && e.Context.IsRoot() {
			rootID = e.Event.EventID
		}
	}

	var edges []Edge
	for _, e := range entries {
		if e.Context == nil || e.Context.ParentEventID == "" {
			continue
		}
		parent, ok := nodes[e.Context.ParentEventID]
		if !ok {
			continue
		}
		edges = append(edges, Edge{From: e.Context.ParentEventID, To: e.Event.EventID})
		parent.Children = append(parent.Children, nodes[e.Event.EventID])
	}

	if format == "graph" {
		return nil, edges, nil
	}
	return nodes[rootID], nil, nil
}
