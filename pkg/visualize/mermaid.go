package visualize

import (
	"fmt"

	"github.com/emicklei/dot"

	"github.com/l7mp/livequery/internal/config"
)

// MermaidGenerator generates Mermaid flowchart diagrams.
type MermaidGenerator struct{}

// Generate creates a Mermaid flowchart from the fixture using the dot library.
func (m *MermaidGenerator) Generate(c *config.Config) string {
	dotGraph := BuildDotGraph(c)

	// Generate Mermaid flowchart with left-to-right orientation.
	mermaid := dot.MermaidFlowchart(dotGraph, dot.MermaidLeftToRight)

	// Wrap in markdown code block.
	return fmt.Sprintf("```mermaid\n%s\n```\n", mermaid)
}
