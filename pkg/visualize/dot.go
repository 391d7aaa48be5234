package visualize

import "github.com/l7mp/livequery/internal/config"

// DotGenerator generates Graphviz DOT diagrams.
type DotGenerator struct{}

// Generate creates a Graphviz DOT diagram from the fixture.
func (d *DotGenerator) Generate(c *config.Config) string {
	return BuildDotGraph(c).String()
}
