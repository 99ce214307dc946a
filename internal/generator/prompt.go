package generator

import (
	"strings"

	"snapcode/internal/framework"
)

// BuildPrompt returns the framework instruction followed by the user's extra
// requirements, if any.
func BuildPrompt(t framework.Type, instruction string) string {
	prompt := t.Profile().Instruction
	if extra := strings.TrimSpace(instruction); extra != "" {
		prompt += " Additional requirements: " + extra
	}
	return prompt
}
