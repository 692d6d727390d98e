package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/botforge/botforge/internal/common/logger"
	"github.com/botforge/botforge/internal/graph"
	"github.com/botforge/botforge/internal/llm"
	"github.com/botforge/botforge/internal/tools"
	v1 "github.com/botforge/botforge/pkg/api/v1"
)

const classifierSystem = `You route incoming messages for a software-delivery assistant.
Given the user's message and context hints, respond with a single JSON object:
{"capabilities": [...], "task_summary": "...", "complexity": "simple"|"complex"}
capabilities is the minimal set of tool groups needed, drawn from: %s.
Respond with JSON only, no prose.`

// classification is the intent gate's verdict on a fresh thread.
type classification struct {
	Capabilities []string `json:"capabilities"`
	TaskSummary  string   `json:"task_summary"`
	Complexity   string   `json:"complexity"`
}

// classifyNode runs the small-model intent gate. It only acts on fresh
// threads; continuation threads already carry an intent. Classification is
// best-effort: a failed or unparseable call falls back to an empty capability
// set and lets the coordinator request what it needs.
func classifyNode(client llm.Client, reg *tools.Registry, log *logger.Logger) graph.NodeFunc {
	return func(ctx context.Context, st *graph.State) (graph.Update, error) {
		if st.ProjectIntent != "" {
			return nil, nil
		}
		last := st.LastMessage()
		if last == nil || last.Role != llm.RoleUser {
			return nil, nil
		}

		var hints []string
		if st.CurrentProject != "" {
			hints = append(hints, "user has a current project")
		}
		if len(st.AllocatedResources) > 0 {
			hints = append(hints, "resources are already allocated")
		}
		prompt := last.Content
		if len(hints) > 0 {
			prompt += "\n\ncontext: " + strings.Join(hints, "; ")
		}

		resp, err := client.Complete(ctx, &llm.Request{
			System:     fmt.Sprintf(classifierSystem, strings.Join(reg.Capabilities(), ", ")),
			Messages:   []llm.Message{llm.UserMessage(prompt)},
			ModelClass: llm.ModelClassSmall,
			MaxTokens:  512,
		})
		if err != nil {
			log.Warn("intent classification failed, starting without capabilities", zap.Error(err))
			return graph.Update{graph.KeyProjectIntent: "unclassified", graph.KeyComplexity: v1.ComplexitySimple}, nil
		}

		c, err := parseClassification(resp.Text)
		if err != nil {
			log.Warn("unparseable classification", zap.Error(err))
			return graph.Update{graph.KeyProjectIntent: "unclassified", graph.KeyComplexity: v1.ComplexitySimple}, nil
		}

		var caps []string
		for _, name := range c.Capabilities {
			if reg.ValidCapability(name) {
				caps = append(caps, name)
			} else {
				log.Warn("classifier proposed unknown capability", zap.String("capability", name))
			}
		}

		complexity := v1.Complexity(c.Complexity)
		if complexity != v1.ComplexitySimple && complexity != v1.ComplexityComplex {
			complexity = v1.ComplexitySimple
		}
		intent := c.TaskSummary
		if intent == "" {
			intent = "unclassified"
		}

		update := graph.Update{
			graph.KeyProjectIntent: intent,
			graph.KeyComplexity:    complexity,
		}
		if len(caps) > 0 {
			update[graph.KeyActiveCapabilities] = caps
		}
		return update, nil
	}
}

// parseClassification extracts the JSON object from the model reply, skipping
// any leading prose.
func parseClassification(text string) (*classification, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in classifier reply")
	}
	var c classification
	if err := json.Unmarshal([]byte(text[start:]), &c); err != nil {
		return nil, fmt.Errorf("failed to parse classifier reply: %w", err)
	}
	return &c, nil
}
