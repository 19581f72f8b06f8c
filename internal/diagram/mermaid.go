package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders the model as a Mermaid flowchart. Each phase is a
// subgraph holding its agents; edges run between phase subgraphs.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		if len(node.Agents) == 0 {
			b.WriteString(fmt.Sprintf("    %s[\"%s\"]\n", safeID(node.ID), node.Label))
			continue
		}
		b.WriteString(fmt.Sprintf("    subgraph %s[\"%s\"]\n", safeID(node.ID), node.Label))
		for _, agent := range node.Agents {
			b.WriteString(fmt.Sprintf("        %s[\"%s\"]\n", safeID(agent.ID), agentLabel(agent)))
		}
		b.WriteString("    end\n")
	}

	for _, edge := range model.Edges {
		b.WriteString(fmt.Sprintf("    %s --> %s\n", safeID(edge.From), safeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef retrying fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		writeStatusClass(&b, node)
		for _, agent := range node.Agents {
			writeStatusClass(&b, agent)
		}
	}

	return b.String()
}

func writeStatusClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	switch node.Status.Status {
	case "succeeded", "failed", "running", "retrying", "pending", "skipped":
		fmt.Fprintf(b, "    class %s %s\n", safeID(node.ID), node.Status.Status)
	case "scheduled":
		fmt.Fprintf(b, "    class %s pending\n", safeID(node.ID))
	}
}

// agentLabel appends runtime detail to an agent label when present.
func agentLabel(agent *Node) string {
	label := agent.Label
	if agent.Status == nil {
		return label
	}
	if agent.Status.DurationMs > 0 {
		label += fmt.Sprintf(" (%dms)", agent.Status.DurationMs)
	}
	if agent.Status.Attempts > 1 {
		label += fmt.Sprintf(" x%d", agent.Status.Attempts)
	}
	return label
}

// safeID makes a node ID safe for Mermaid and DOT identifiers.
func safeID(id string) string {
	r := strings.NewReplacer("/", "_", " ", "_", "-", "_", ".", "_")
	return r.Replace(id)
}
