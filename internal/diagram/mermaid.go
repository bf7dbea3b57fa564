package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/stagecraft/pkg/schema"
)

// RenderMermaid renders a Model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", mermaidSafeID(edge.From), label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef succeeded fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef queued fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef halted fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}
	return b.String()
}

// mermaidNodeDef returns a node definition shaped by kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	switch node.Kind {
	case NodeKindAsync:
		return fmt.Sprintf("%s([%q])", id, node.Label)
	case NodeKindFanOut:
		return fmt.Sprintf("%s[[%q]]", id, node.Label)
	case NodeKindChain:
		return fmt.Sprintf("%s[/%q/]", id, node.Label)
	default:
		return fmt.Sprintf("%s[%q]", id, node.Label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in identifiers.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

func mermaidStatusClass(s schema.Status) string {
	switch {
	case s == schema.StatusSucceeded:
		return "succeeded"
	case s == schema.StatusFailed:
		return "failed"
	case s == schema.StatusRunning:
		return "running"
	case s.IsWaiting():
		return "waiting"
	case s == schema.StatusQueued:
		return "queued"
	case s == schema.StatusSuspended, s == schema.StatusAborted:
		return "halted"
	default:
		return ""
	}
}
