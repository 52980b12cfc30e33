package synthesis

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/feedbackd/internal/feedback"
)

// NoItemMarker is the label the model uses to decline producing an item.
const NoItemMarker = "NO_ITEM:"

var responseLabels = []string{"TITLE:", "CONTENT:", "TAGS:", "RATIONALE:", NoItemMarker}

// buildPrompt renders the consolidation prompt for one cluster.
func buildPrompt(req Request) string {
	var b strings.Builder

	noun := "feedback observations"
	target := "guidance item"
	if req.Kind == feedback.KindSkill {
		noun = "guidance items"
		target = "skill"
	}

	fmt.Fprintf(&b, "You are consolidating %s about the agent %q", noun, req.Scope.Agent)
	if req.Scope.AgentVersion != "" {
		fmt.Fprintf(&b, " (version %s)", req.Scope.AgentVersion)
	}
	fmt.Fprintf(&b, " into a single %s.\n\n", target)

	b.WriteString("## Cluster\n\n")
	b.WriteString(req.Document)
	b.WriteString("\n")

	if req.Predecessor != nil {
		b.WriteString("## Previous Version\n\n")
		b.WriteString("This cluster revisits an existing item. Update it rather than starting over.\n\n")
		writeItem(&b, *req.Predecessor)
	}

	if len(req.Accepted) > 0 {
		b.WriteString("## Already Accepted\n\n")
		b.WriteString("Do not repeat guidance that is already covered below.\n\n")
		for i := range req.Accepted {
			writeItem(&b, req.Accepted[i])
		}
	}

	b.WriteString("## Your Task\n\n")
	b.WriteString("1. **Identify the Common Theme:** What do these observations say about the agent's behavior?\n\n")
	b.WriteString("2. **Write Actionable Guidance:** State what the agent should do differently, concretely.\n\n")
	b.WriteString("3. **Avoid Duplicates:** If the already accepted items cover this cluster, answer with ")
	b.WriteString(NoItemMarker)
	b.WriteString(" followed by a one-line reason and nothing else.\n\n")

	b.WriteString("## Output Format\n\n")
	b.WriteString("```\n")
	b.WriteString("TITLE: [A short imperative title]\n\n")
	b.WriteString("CONTENT:\n")
	b.WriteString("[The consolidated guidance]\n\n")
	b.WriteString("TAGS: [Comma-separated tags]\n\n")
	b.WriteString("RATIONALE:\n")
	b.WriteString("[How the observations support this guidance]\n")
	b.WriteString("```\n")

	return b.String()
}

func writeItem(b *strings.Builder, item feedback.ConsolidatedItem) {
	fmt.Fprintf(b, "### %s (v%d)\n\n", item.Payload.Title, item.Version)
	b.WriteString(item.Payload.Content)
	b.WriteString("\n\n")
	if len(item.Payload.Tags) > 0 {
		fmt.Fprintf(b, "**Tags:** %s\n\n", strings.Join(item.Payload.Tags, ", "))
	}
}

// parseResponse turns a model response into a Synthesis.
func parseResponse(response string) (Synthesis, error) {
	if strings.TrimSpace(response) == "" {
		return Synthesis{}, fmt.Errorf("llm response cannot be empty")
	}

	if strings.Contains(response, NoItemMarker) && !strings.Contains(response, "TITLE:") {
		return NoItem(extractField(response, NoItemMarker)), nil
	}

	title := extractField(response, "TITLE:")
	content := extractField(response, "CONTENT:")
	if title == "" {
		return Synthesis{}, fmt.Errorf("TITLE field is required in LLM response")
	}
	if content == "" {
		return Synthesis{}, fmt.Errorf("CONTENT field is required in LLM response")
	}

	var tags []string
	if raw := extractField(response, "TAGS:"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			tag = strings.TrimSpace(tag)
			if tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	payload := feedback.Payload{
		Title:   title,
		Content: content,
		Tags:    tags,
	}
	if rationale := extractField(response, "RATIONALE:"); rationale != "" {
		payload.Fields = map[string]string{"rationale": rationale}
	}
	return Produced(payload), nil
}

// extractField returns the text after label up to the next known label.
func extractField(text, label string) string {
	start := strings.Index(text, label)
	if start == -1 {
		return ""
	}
	start += len(label)

	end := len(text)
	for _, other := range responseLabels {
		if other == label {
			continue
		}
		if idx := strings.Index(text[start:], other); idx != -1 && start+idx < end {
			end = start + idx
		}
	}

	value := strings.TrimSpace(text[start:end])
	value = strings.TrimSpace(strings.Trim(value, "`"))

	lines := strings.Split(value, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
