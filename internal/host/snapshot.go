package host

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	jsoniter "github.com/json-iterator/go"
)

// maxSnapshotDepth bounds recursion on malformed trees.
const maxSnapshotDepth = 256

// Snapshot is the pageSnapshot result.
type Snapshot struct {
	URL   string          `json:"url"`
	Title string          `json:"title"`
	Tree  []*SnapshotNode `json:"tree"`
}

// SnapshotNode is one meaningful node of the accessibility tree.
type SnapshotNode struct {
	Role     string          `json:"role"`
	Name     string          `json:"name,omitempty"`
	Value    string          `json:"value,omitempty"`
	Children []*SnapshotNode `json:"children,omitempty"`
}

// BuildSnapshotTree converts a flat CDP accessibility tree into nested nodes.
// Ignored and unnamed structural nodes are elided and their children hoisted
// to the nearest kept ancestor.
func BuildSnapshotTree(nodes []*accessibility.Node) []*SnapshotNode {
	if len(nodes) == 0 {
		return nil
	}
	byID := make(map[accessibility.NodeID]*accessibility.Node, len(nodes))
	for _, n := range nodes {
		if n != nil {
			byID[n.NodeID] = n
		}
	}

	var roots []*accessibility.Node
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if _, hasParent := byID[n.ParentID]; n.ParentID == "" || !hasParent {
			roots = append(roots, n)
		}
	}

	visited := make(map[accessibility.NodeID]bool, len(nodes))
	var out []*SnapshotNode
	for _, r := range roots {
		out = append(out, convertNode(r, byID, visited, 0)...)
	}
	return out
}

func convertNode(n *accessibility.Node, byID map[accessibility.NodeID]*accessibility.Node, visited map[accessibility.NodeID]bool, depth int) []*SnapshotNode {
	if visited[n.NodeID] || depth > maxSnapshotDepth {
		return nil
	}
	visited[n.NodeID] = true

	var children []*SnapshotNode
	for _, id := range n.ChildIDs {
		if child, ok := byID[id]; ok {
			children = append(children, convertNode(child, byID, visited, depth+1)...)
		}
	}

	role := axString(n.Role)
	name := axString(n.Name)
	if n.Ignored || (name == "" && isStructural(role)) {
		return children
	}
	return []*SnapshotNode{{
		Role:     role,
		Name:     name,
		Value:    axString(n.Value),
		Children: children,
	}}
}

func isStructural(role string) bool {
	switch role {
	case "", "none", "generic", "presentation", "InlineTextBox", "LineBreak":
		return true
	}
	return false
}

// axString renders an AX value as text.
func axString(v *accessibility.Value) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var decoded interface{}
	if err := jsoniter.Unmarshal([]byte(v.Value), &decoded); err != nil {
		return ""
	}
	switch d := decoded.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(d)
	default:
		return fmt.Sprint(d)
	}
}
