package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/stagecraft/pkg/schema"
)

// statusTag returns a short ASCII indicator for a status.
func statusTag(s schema.Status) string {
	switch {
	case s == schema.StatusSucceeded:
		return "[OK]"
	case s == schema.StatusFailed:
		return "[FAIL]"
	case s == schema.StatusRunning:
		return "[RUN]"
	case s == schema.StatusApprovalWaiting:
		return "[APPROVAL]"
	case s.IsWaiting():
		return "[WAIT]"
	case s == schema.StatusQueued:
		return "[PEND]"
	case s == schema.StatusSuspended:
		return "[SUSP]"
	case s == schema.StatusAborted:
		return "[ABORT]"
	default:
		return ""
	}
}

var kindGlyph = map[NodeKind]string{
	NodeKindSync:   "",
	NodeKindAsync:  " ~",
	NodeKindFanOut: " ||",
	NodeKindChain:  " ->",
}

// RenderASCII renders a Model as an indented tree.
//
//	release (sequence) -> [OK]
//	├── build (sequence) -> [OK]
//	│   └── compile (echo) [OK]
//	└── ship (parallel) || [FAIL]
func RenderASCII(model *Model) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	// open[d] reports whether the ancestor at depth d still has siblings below.
	var open []bool
	for _, node := range model.Nodes {
		if node.Depth < len(open) {
			open = open[:node.Depth]
		}
		for d := 1; d < node.Depth; d++ {
			if d < len(open) && open[d] {
				b.WriteString("│   ")
			} else {
				b.WriteString("    ")
			}
		}
		if node.Depth > 0 {
			if node.Last {
				b.WriteString("└── ")
			} else {
				b.WriteString("├── ")
			}
		}
		b.WriteString(node.Label)
		b.WriteString(kindGlyph[node.Kind])
		if node.Status != nil {
			if tag := statusTag(node.Status.Status); tag != "" {
				b.WriteString(" " + tag)
			}
			if node.Status.Error != "" {
				b.WriteString(" " + firstLine(node.Status.Error))
			}
		}
		b.WriteByte('\n')

		for len(open) <= node.Depth {
			open = append(open, false)
		}
		open[node.Depth] = !node.Last
	}
	return b.String()
}

// firstLine returns only the first line of s.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
