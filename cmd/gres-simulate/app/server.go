/*
Copyright 2024 The ClusterSched Authors.

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

// Package app wires the gres-simulate command line: load a scenario,
// run the feasibility filter over every candidate node, then run the
// orchestrator, and render the resulting per-node selections.
package app

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/clustersched/gres-select/cmd/gres-simulate/scenario"
	"github.com/clustersched/gres-select/pkg/gres"
	"github.com/clustersched/gres-select/pkg/gres/status"
)

// Options holds the command-line flags for gres-simulate.
type Options struct {
	ScenarioFile string
}

func (o *Options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.ScenarioFile, "scenario", "", "path to a scenario YAML file describing nodes and a job's GRES request")
}

// NewGresSimulateCommand builds the gres-simulate cobra command.
func NewGresSimulateCommand() *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:   "gres-simulate",
		Short: "Exercise the GRES selection filter against a scenario file",
		Long:  "gres-simulate loads a node/job scenario and runs remove_unusable followed by select_and_set, printing the resulting per-node GRES selections.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	opts.addFlags(cmd.Flags())
	klog.InitFlags(nil)
	cmd.Flags().AddGoFlagSet(goflag.CommandLine)

	return cmd
}

func run(opts *Options) error {
	if opts.ScenarioFile == "" {
		return fmt.Errorf("--scenario is required")
	}

	sc, err := scenario.Load(opts.ScenarioFile)
	if err != nil {
		return err
	}

	built, err := sc.Build()
	if err != nil {
		return err
	}

	for i, sg := range built.SockGres {
		ni := built.NodeInputs[i]
		st, avail, near := gres.RemoveUnusable([]*gres.SockGres{sg}, gres.FilterParams{
			MaxCPUs:        ni.CPUsPerNode,
			EnforceBinding: sc.Job.EnforceBinding,
			CoreBitmap:     ni.CoreBitmap,
			Sockets:        ni.Sockets,
			CoresPerSocket: ni.CoresPerSocket,
			CPUsPerCore:    ni.CPUsPerCore,
			SockPerNode:    gres.NoVal32,
			TaskPerNode:    gres.NoVal16,
			WholeNode:      sc.Job.WholeNode,
			NodeName:       ni.NodeName,
		})
		if !st.IsSuccess() {
			klog.V(2).InfoS("node rejected by filter", "node", ni.NodeName, "status", st.String())
			continue
		}
		klog.V(4).InfoS("node passed filter", "node", ni.NodeName, "availGpus", avail, "nearGpus", near)
	}

	st := gres.SelectAndSet(built.NodeInputs, built.MC, built.Policy, sc.Job.Overcommit)
	renderResult(built, st)
	if !st.IsSuccess() {
		return st.AsError()
	}
	return nil
}

func renderResult(b *scenario.Built, st *status.Status) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Node", "Count Selected", "Bits Selected", "Per-Bit Select"})

	for idx, name := range b.NodeNames {
		cnt := b.Job.CntNodeSelect[idx]
		bits := "-"
		if bm := b.Job.BitSelect[idx]; bm != nil {
			bits = fmt.Sprintf("%v", bm.ToSlice())
		}
		perBit := "-"
		if pb, ok := b.Job.PerBitSelect[idx]; ok && len(pb) > 0 {
			perBit = fmt.Sprintf("%v", pb)
		}
		t.AppendRow(table.Row{name, cnt, bits, perBit})
	}

	t.Render()
	fmt.Printf("status: %s  total_gres: %d  total_node_cnt: %d\n", st.String(), b.Job.TotalGres, b.Job.TotalNodeCnt)
}
