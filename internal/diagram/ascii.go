package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "succeeded":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "retrying":
		return "[RETRY]"
	case "skipped":
		return "[SKIP]"
	case "pending", "scheduled":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders the model as a text diagram: one row of boxes per
// parallel execution level, agents listed inside each phase box.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, node := range model.Nodes {
		byID[node.ID] = node
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, name := range level {
			if node := byID[name]; node != nil {
				boxes = append(boxes, makeBox(node))
			}
		}
		renderBoxRow(&b, boxes)

		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	return b.String()
}

// asciiBox holds the rendered lines of a single phase box.
type asciiBox struct {
	lines []string
	width int
}

// makeBox renders a phase and its agents into a bordered box.
func makeBox(node *Node) asciiBox {
	var content []string

	header := node.Label
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			header += " " + tag
		}
	}
	content = append(content, header)

	for _, agent := range node.Agents {
		line := "- " + agentLabel(agent)
		if agent.Status != nil {
			if tag := statusTag(agent.Status.Status); tag != "" {
				line += " " + tag
			}
		}
		content = append(content, line)
	}
	if node.Status != nil && node.Status.DurationMs > 0 {
		content = append(content, fmt.Sprintf("%dms", node.Status.DurationMs))
	}

	maxLen := 0
	for _, line := range content {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	width := maxLen + 4 // 2 border + 2 padding

	var lines []string
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, line := range content {
		lines = append(lines, "│ "+line+strings.Repeat(" ", maxLen-len(line))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

// renderBoxRow writes boxes side by side, padding shorter boxes.
func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	maxLines := 0
	for _, box := range boxes {
		if len(box.lines) > maxLines {
			maxLines = len(box.lines)
		}
	}

	for i := 0; i < maxLines; i++ {
		for j, box := range boxes {
			if j > 0 {
				b.WriteString("  ")
			}
			if i < len(box.lines) {
				b.WriteString(box.lines[i])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteString("\n")
	}
}

// renderConnector draws a downward arrow between levels.
func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	b.WriteString("        │\n")
	b.WriteString("        ▼\n")
}
