/*
Copyright 2024 The l7mp/livequery team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/l7mp/livequery/internal/buildinfo"
	"github.com/l7mp/livequery/internal/config"
	"github.com/l7mp/livequery/pkg/view"
	"github.com/l7mp/livequery/pkg/visualize"
)

var (
	version    = "dev"
	commitHash = "n/a"
	buildDate  = "<unknown>"

	verbosity int
)

func main() {
	root := &cobra.Command{
		Use:          "livequery",
		Short:        "livequery is an incremental view maintenance engine for live query results",
		SilenceUsage: true,
	}
	root.PersistentFlags().IntVarP(&verbosity, "verbose", "v", 0, "Log verbosity level.")

	run := &cobra.Command{
		Use:   "run <fixture.yaml>",
		Short: "Build the dataflow graph of a fixture, replay its mutation script and print the view after each step.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runFixture(args[0], setupLogger())
		},
	}
	root.AddCommand(run)

	var format string
	graph := &cobra.Command{
		Use:   "graph <fixture.yaml>",
		Short: "Render the dataflow graph of a fixture as a diagram.",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			switch format {
			case "dot":
				fmt.Print((&visualize.DotGenerator{}).Generate(cfg))
			case "mermaid":
				fmt.Print((&visualize.MermaidGenerator{}).Generate(cfg))
			default:
				return fmt.Errorf("unknown output format %q", format)
			}
			return nil
		},
	}
	graph.Flags().StringVarP(&format, "format", "f", "mermaid", "Output format: mermaid or dot.")
	root.AddCommand(graph)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger() logr.Logger {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity)) //nolint:gosec
	zc.OutputPaths = []string{"stderr"}
	zapLog, err := zc.Build()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zapLog).WithName("livequery")
}

func runFixture(path string, logger logr.Logger) error {
	setupLog := logger.WithName("setup")

	buildInfo := buildinfo.BuildInfo{Version: version, CommitHash: commitHash, BuildDate: buildDate}
	setupLog.Info(fmt.Sprintf("starting livequery %s", buildInfo.String()))

	cfg, err := config.Load(path)
	if err != nil {
		setupLog.Error(err, "unable to load fixture", "path", path)
		return err
	}

	graph, err := cfg.Build(logger)
	if err != nil {
		setupLog.Error(err, "unable to build dataflow graph")
		return err
	}
	defer graph.View.Destroy()

	if err := graph.View.Hydrate(); err != nil {
		setupLog.Error(err, "unable to hydrate view")
		return err
	}
	if err := printView("hydrated", graph.View); err != nil {
		return err
	}

	for i, step := range cfg.Script {
		if err := graph.Apply(step); err != nil {
			setupLog.Error(err, "script step failed", "step", i)
			return err
		}
		if err := printView(fmt.Sprintf("step %d", i), graph.View); err != nil {
			return err
		}
	}
	return nil
}

func printView(label string, v *view.View) error {
	trees, err := v.Snapshot()
	if err != nil {
		return fmt.Errorf("materializing view: %w", err)
	}
	out := make([]any, 0, len(trees))
	for _, t := range trees {
		out = append(out, treeToPlain(t))
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("--- %s (%d rows)\n%s\n", label, len(trees), b)
	return nil
}

func treeToPlain(t *view.Tree) map[string]any {
	plain := make(map[string]any, len(t.Row)+len(t.Relationships))
	for col, v := range t.Row {
		plain[col] = v.Interface()
	}
	for name, children := range t.Relationships {
		cs := make([]any, 0, len(children))
		for _, c := range children {
			cs = append(cs, treeToPlain(c))
		}
		plain[name] = cs
	}
	return plain
}
