package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders the model as a PNG image using graphviz.
// Agents render inside a dashed cluster per phase; dependency edges connect
// the first agent of each phase so clusters stay visually ordered.
func RenderImage(ctx context.Context, model *Model) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	// One anchor node per phase carries the dependency edges; agents live in
	// a cluster next to it.
	anchors := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		anchor, nErr := graph.CreateNodeByName(safeID(node.ID))
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		anchor.SetLabel(node.Label)
		anchor.SetShape(cgraph.BoxShape)
		if node.Status != nil {
			applyStatusColor(anchor, node.Status.Status)
		}
		anchors[node.ID] = anchor

		if len(node.Agents) == 0 {
			continue
		}
		cluster, cErr := graph.CreateSubGraphByName("cluster_" + safeID(node.ID))
		if cErr != nil {
			continue
		}
		cluster.SetLabel(node.Label)
		cluster.SetStyle(cgraph.DashedGraphStyle)
		for _, agent := range node.Agents {
			gvAgent, aErr := cluster.CreateNodeByName(safeID(agent.ID))
			if aErr != nil {
				continue
			}
			gvAgent.SetLabel(agentLabel(agent))
			gvAgent.SetShape(cgraph.EllipseShape)
			if agent.Status != nil {
				applyStatusColor(gvAgent, agent.Status.Status)
			}
		}
	}

	for _, edge := range model.Edges {
		from, to := anchors[edge.From], anchors[edge.To]
		if from != nil && to != nil {
			if _, eErr := graph.CreateEdgeByName("", from, to); eErr != nil {
				return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, eErr)
			}
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// applyStatusColor sets fill color and style based on execution status.
func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "succeeded":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "retrying":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "pending", "scheduled":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "skipped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
