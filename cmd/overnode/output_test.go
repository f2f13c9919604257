package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/overnode-org/overnode/pkg/planner"
	"github.com/overnode-org/overnode/pkg/rollout"
	"github.com/overnode-org/overnode/pkg/types"
)

func TestPlanView(t *testing.T) {
	create := &types.Operation{Kind: types.OpCreate, Node: 1, Service: "web"}
	preview := &rollout.Preview{
		Version: 3,
		Plan: &planner.Plan{
			Operations: []*types.Operation{create, {Kind: types.OpNoop, Node: 1, Service: "db"}},
			Blocked:    []types.InstanceKey{{Node: 2, Service: "web"}},
			Warnings:   []string{"node 2 unreachable during observe"},
		},
		Waves: []*types.Wave{{Index: 1, Name: "1 layer 0 batch 1", Operations: []*types.Operation{create}}},
	}

	want := planView{
		Project:   "shop",
		Version:   3,
		Waves:     []waveView{{Name: "1 layer 0 batch 1", Operations: []string{"create web on node 1"}}},
		Converged: 1,
		Blocked:   []string{"web on node 2"},
		Warnings:  []string{"node 2 unreachable during observe"},
	}
	if diff := cmp.Diff(want, newPlanView("shop", preview)); diff != "" {
		t.Errorf("plan view mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordView(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	record := &types.ConvergenceRecord{
		Project:      "shop",
		Version:      4,
		Digest:       "sha256:ab",
		RunID:        "run-1",
		AppliedAt:    now.Add(-5 * time.Minute),
		PendingNodes: []types.NodeID{3},
	}

	view := newRecordView(record, now)
	assert.Equal(t, "5 minutes ago", view.Applied)
	assert.False(t, view.Complete)

	var buf bytes.Buffer
	require.NoError(t, printYAML(&buf, view))
	var decoded map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "shop", decoded["project"])
	assert.Equal(t, []interface{}{3}, decoded["pending_nodes"])
}

func TestPrintNodes(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	nodes := []*types.ClusterNode{
		{ID: 1, Address: "10.0.0.1:2375", State: types.MembershipActive, Voter: true, LastHeartbeat: now.Add(-2 * time.Second), JoinedAt: now.Add(-3 * time.Hour)},
		{ID: 2, Address: "10.0.0.2:2375", State: types.MembershipUnreachable, LastHeartbeat: now.Add(-10 * time.Minute), JoinedAt: now.Add(-3 * time.Hour)},
	}

	var buf bytes.Buffer
	require.NoError(t, printNodes(&buf, nodes, now))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "10.0.0.1:2375")
	assert.Contains(t, lines[1], "yes")
	assert.Contains(t, lines[1], "2 seconds ago")
	assert.Contains(t, lines[2], "unreachable")
	assert.Contains(t, lines[2], "10 minutes ago")
}

func TestCommandsRegistered(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"launch", "up", "down", "plan", "nodes", "forget", "status", "token"} {
		assert.Contains(t, names, want)
	}
}
