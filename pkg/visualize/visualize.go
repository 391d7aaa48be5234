// Package visualize renders livequery dataflow graphs as diagrams.
package visualize

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"

	"github.com/l7mp/livequery/internal/config"
)

// BuildDotGraph creates a dot.Graph of the fixture's operator pipeline. The
// unified graph can then be rendered in different formats (DOT, Mermaid).
func BuildDotGraph(c *config.Config) *dot.Graph {
	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "LR") // Left to right layout.
	graph.Attr("label", fmt.Sprintf("livequery: %s", c.Pipeline.Source))
	graph.Attr("labelloc", "t") // Label at top.
	graph.Attr("fontsize", "16")

	tableNodes := make(map[string]dot.Node)
	tableNode := func(name string) dot.Node {
		if n, ok := tableNodes[name]; ok {
			return n
		}
		n := graph.Node("table-" + name).
			Attr("label", name).
			Attr("shape", "ellipse").
			Attr("style", "filled").
			Attr("fillcolor", "lightgreen")
		tableNodes[name] = n
		return n
	}

	prev := tableNode(c.Pipeline.Source)
	for i, s := range c.Stages() {
		node := graph.Node(fmt.Sprintf("stage-%d", i)).
			Attr("label", StageLabel(s)).
			Attr("shape", "box").
			Attr("style", "filled,rounded").
			Attr("fillcolor", "lightblue").
			Attr("color", "darkblue").
			Attr("penwidth", "2").
			Attr("fontname", "helvetica")

		graph.Edge(prev, node)
		if s.Join != nil {
			// The parent side feeds the join separately from the chain.
			graph.Edge(tableNode(s.Join.Parent), node).
				Attr("label", joinKeyLabel(s.Join)).
				Attr("style", "dashed").
				Attr("fontname", "helvetica").
				Attr("fontsize", "10")
		}
		prev = node
	}

	view := graph.Node("view").
		Attr("label", "view").
		Attr("shape", "box").
		Attr("style", "filled,rounded").
		Attr("fillcolor", "lightcyan")
	graph.Edge(prev, view)

	return graph
}

// StageLabel renders a one-line description of a pipeline stage.
func StageLabel(s config.Stage) string {
	switch {
	case s.Join != nil:
		return fmt.Sprintf("join %s", s.Join.Relationship)
	case s.Filter != nil:
		return fmt.Sprintf("filter %s %s %v", s.Filter.Column, s.Filter.Op, s.Filter.Value)
	case s.Distinct != nil:
		return fmt.Sprintf("distinct [%s]", strings.Join(s.Distinct.Key, ","))
	case s.Limit != nil:
		return fmt.Sprintf("limit %d", *s.Limit)
	default:
		return "?"
	}
}

func joinKeyLabel(j *config.JoinStage) string {
	pairs := make([]string, len(j.ParentKey))
	for i := range j.ParentKey {
		childCol := ""
		if i < len(j.ChildKey) {
			childCol = j.ChildKey[i]
		}
		pairs[i] = fmt.Sprintf("%s=%s", j.ParentKey[i], childCol)
	}
	return strings.Join(pairs, ", ")
}
