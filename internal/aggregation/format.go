package aggregation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// FormatCluster renders members as text for the synthesizer. Members are
// written in ascending id order and fields in key order, so the same member
// set always yields the same document.
func FormatCluster(members []feedback.RawItem) string {
	sorted := make([]feedback.RawItem, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	for i, m := range sorted {
		fmt.Fprintf(&b, "### Item %d (id %d)\n", i+1, m.ID)
		if m.Category != "" {
			fmt.Fprintf(&b, "category: %s\n", m.Category)
		}
		if m.AgentVersion != "" {
			fmt.Fprintf(&b, "agent_version: %s\n", m.AgentVersion)
		}

		keys := make([]string, 0, len(m.Fields))
		for k := range m.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := strings.TrimSpace(m.Fields[k])
			if v == "" {
				continue
			}
			if strings.Contains(v, "\n") {
				fmt.Fprintf(&b, "%s:\n%s\n", k, v)
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}

		if i < len(sorted)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
