package setup

import (
	"bytes"
	"context"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
)

type NodeStatus struct {
	NodeID      string
	Addr        string
	Initialized bool
	Sealed      bool
	Standby     bool
	Version     string
	Err         string
}

// Status reports the health of every node. Unreachable nodes are reported,
// not returned as errors.
func (e *Env) Status(ctx context.Context) []NodeStatus {
	log := zap.L().Named("setup")
	out := make([]NodeStatus, 0, len(e.Cluster.Nodes))
	for _, n := range e.Cluster.Nodes {
		s := NodeStatus{NodeID: n.ID(), Addr: n.Node.APIAddr()}
		health, err := n.API.Sys().HealthWithContext(ctx)
		if err != nil {
			log.Debug("health check failed", zap.String("node_id", n.ID()), zap.Error(err))
			s.Err = err.Error()
		} else {
			s.Initialized = health.Initialized
			s.Sealed = health.Sealed
			s.Standby = health.Standby
			s.Version = health.Version
		}
		out = append(out, s)
	}
	return out
}

func StatusTable(nodes []NodeStatus) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"Node ID", "API Address", "Initialized", "Sealed", "Standby", "Version", "Error"})
	for _, s := range nodes {
		table.Append([]string{
			s.NodeID,
			s.Addr,
			strconv.FormatBool(s.Initialized),
			strconv.FormatBool(s.Sealed),
			strconv.FormatBool(s.Standby),
			s.Version,
			s.Err,
		})
	}
	table.Render()
	return buf.String()
}
