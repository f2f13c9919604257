package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/overnode-org/overnode/pkg/rollout"
	"github.com/overnode-org/overnode/pkg/types"
)

func printYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}

type planView struct {
	Project   string     `yaml:"project"`
	Version   uint64     `yaml:"version"`
	Waves     []waveView `yaml:"waves,omitempty"`
	Converged int        `yaml:"converged"`
	Blocked   []string   `yaml:"blocked,omitempty"`
	Warnings  []string   `yaml:"warnings,omitempty"`
}

type waveView struct {
	Name       string   `yaml:"name"`
	Operations []string `yaml:"operations"`
}

func newPlanView(project string, p *rollout.Preview) planView {
	view := planView{Project: project, Version: p.Version, Warnings: p.Plan.Warnings}
	for _, op := range p.Plan.Operations {
		if op.Kind == types.OpNoop {
			view.Converged++
		}
	}
	for _, w := range p.Waves {
		wv := waveView{Name: w.Name}
		for _, op := range w.Operations {
			wv.Operations = append(wv.Operations, fmt.Sprintf("%s %s on node %d", op.Kind, op.Service, int(op.Node)))
		}
		view.Waves = append(view.Waves, wv)
	}
	for _, key := range p.Plan.Blocked {
		view.Blocked = append(view.Blocked, fmt.Sprintf("%s on node %d", key.Service, int(key.Node)))
	}
	return view
}

type recordView struct {
	Project  string         `yaml:"project"`
	Version  uint64         `yaml:"version"`
	Digest   string         `yaml:"digest"`
	RunID    string         `yaml:"run_id"`
	Applied  string         `yaml:"applied"`
	Pending  []types.NodeID `yaml:"pending_nodes,omitempty"`
	Complete bool           `yaml:"complete"`
}

func newRecordView(r *types.ConvergenceRecord, now time.Time) recordView {
	return recordView{
		Project:  r.Project,
		Version:  r.Version,
		Digest:   r.Digest,
		RunID:    r.RunID,
		Applied:  units.HumanDuration(now.Sub(r.AppliedAt)) + " ago",
		Pending:  r.PendingNodes,
		Complete: len(r.PendingNodes) == 0,
	}
}

func printNodes(w io.Writer, nodes []*types.ClusterNode, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tSTATE\tVOTER\tLAST HEARTBEAT\tJOINED")
	for _, n := range nodes {
		voter := ""
		if n.Voter {
			voter = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s ago\t%s ago\n",
			int(n.ID), n.Address, n.State, voter,
			units.HumanDuration(now.Sub(n.LastHeartbeat)),
			units.HumanDuration(now.Sub(n.JoinedAt)))
	}
	return tw.Flush()
}
