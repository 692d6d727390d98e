package registry

import (
	"fmt"
	"sort"
	"strings"

	v1 "github.com/botforge/botforge/pkg/api/v1"
)

// InstructionFile is a document written into a freshly created container
// before its first message.
type InstructionFile struct {
	Path    string
	Content string
}

// InstructionFiles assembles the in-container documentation for a config:
// one skill doc per granted capability plus a gate document describing which
// orchestrator tool groups the agent may call back into.
func (r *Registry) InstructionFiles(cfg *v1.ContainerConfig) ([]InstructionFile, error) {
	var files []InstructionFile

	caps := append([]string{}, cfg.Capabilities...)
	sort.Strings(caps)
	for _, name := range caps {
		c, err := r.Capability(name)
		if err != nil {
			return nil, err
		}
		if c.SkillDoc == "" {
			continue
		}
		files = append(files, InstructionFile{
			Path:    fmt.Sprintf("/workspace/.botforge/skills/%s.md", name),
			Content: c.SkillDoc,
		})
	}

	files = append(files, InstructionFile{
		Path:    "/workspace/.botforge/TOOLS.md",
		Content: toolGateDoc(cfg.AllowedTools),
	})
	return files, nil
}

func toolGateDoc(allowed []string) string {
	var b strings.Builder
	b.WriteString("# Orchestrator tools\n\n")
	if len(allowed) == 0 {
		b.WriteString("This agent has no orchestrator tool access. Work only inside the container.\n")
		return b.String()
	}
	b.WriteString("This agent may use the following orchestrator tool groups:\n\n")
	sorted := append([]string{}, allowed...)
	sort.Strings(sorted)
	for _, name := range sorted {
		b.WriteString("- `" + name + "`\n")
	}
	b.WriteString("\nAny tool group not listed here is denied and calls to it will be rejected.\n")
	return b.String()
}
