// Package viewgraph renders the parent/view share graph of a pool's
// live BATs as Graphviz DOT, so an operator can see at a glance which
// BATs are sharing another's heap and how deep a chain of views runs.
package viewgraph

import (
	"fmt"

	"github.com/cuemby/bbp/pkg/bbp"
	"github.com/emicklei/dot"
)

// Render walks p.Snapshot and returns a DOT document with one node per
// live BAT and one edge per view pointing at the parent it borrows its
// heap from. Orphan BATs with no view relationship at all are still
// drawn, isolated, so the graph also works as a quick census.
func Render(p *bbp.Pool) (string, error) {
	nodes := p.Snapshot()

	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "LR")

	byID := make(map[bbp.BATID]dot.Node, len(nodes))
	for _, n := range nodes {
		label := fmt.Sprintf("%d\\n%s", n.ID, n.Logical)
		if n.Type != "" {
			label += fmt.Sprintf("\\n%s[%d]", n.Type, n.Count)
		}
		gn := g.Node(fmt.Sprintf("bat%d", n.ID)).Attr("label", label).Attr("shape", "box")
		if n.ParentID != 0 {
			gn.Attr("style", "filled").Attr("fillcolor", "lightyellow")
		}
		byID[n.ID] = gn
	}

	for _, n := range nodes {
		if n.ParentID == 0 {
			continue
		}
		parent, ok := byID[n.ParentID]
		if !ok {
			continue
		}
		g.Edge(byID[n.ID], parent).Attr("label", "view of")
	}

	return g.String(), nil
}
