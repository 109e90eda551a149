// Package guard validates tool invocations before they execute: file writes
// are screened for path traversal, sensitive targets, and dangerous code;
// shell commands for destructive patterns.
package guard

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// Tool types the guard knows how to screen. Anything else passes through.
const (
	ToolWrite = "Write"
	ToolEdit  = "Edit"
	ToolBash  = "Bash"
)

// Status is the guard's verdict.
type Status string

const (
	StatusAllow Status = "allow"
	StatusWarn  Status = "warn"
	StatusBlock Status = "block"
)

// Invocation is one tool call about to run.
type Invocation struct {
	ToolType string `json:"tool_type"`
	FilePath string `json:"file_path,omitempty"`
	Content  string `json:"content,omitempty"`
	Command  string `json:"command,omitempty"`
}

// Decision is the screening outcome. Block decisions stop at the first
// violation; warnings accumulate.
type Decision struct {
	Status   Status   `json:"status"`
	Messages []string `json:"messages,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

var sensitiveNames = []string{
	".env",
	"credentials",
	"secrets",
	"private_key",
	"password",
}

// dangerousCodePatterns are screened in written code; the critical subset is
// blocked outright, the rest warned about.
var (
	dangerousCodePatterns = []string{
		"eval(",
		"exec(",
		"os.system(",
		"__import__",
		"subprocess.call(",
		"subprocess.run(",
		"os.popen(",
		"commands.getoutput(",
		"getattr(",
	}
	criticalCodePatterns = map[string]bool{
		"os.system(": true,
		"eval(":      true,
		"exec(":      true,
		"__import__": true,
	}
)

var dangerousCommands = []string{
	"rm -rf /",
	":(){ :|:& };:",
	"dd if=/dev/zero",
	"mkfs",
	"format",
}

var requiredServerImports = []string{
	"from fastmcp import FastMCP",
	"from pydantic import",
}

// Guard screens tool invocations.
type Guard struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Guard {
	return &Guard{logger: logger}
}

// ValidateTool screens one invocation and returns the verdict. It never
// returns an error; an unknown tool type is allowed untouched.
func (g *Guard) ValidateTool(inv Invocation) Decision {
	var d Decision
	switch inv.ToolType {
	case ToolWrite, ToolEdit:
		d = g.validateFileWrite(inv)
	case ToolBash:
		d = g.validateCommand(inv)
	default:
		d = Decision{Status: StatusAllow}
	}

	if d.Status != StatusAllow {
		g.logger.Warn("tool invocation flagged",
			"tool", inv.ToolType, "status", d.Status,
			"messages", d.Messages, "warnings", d.Warnings)
	}
	return d
}

func (g *Guard) validateFileWrite(inv Invocation) Decision {
	d := Decision{Status: StatusAllow}

	if inv.FilePath == "" {
		return Decision{
			Status:   StatusBlock,
			Messages: []string{"File path required for write/edit operations"},
		}
	}
	if strings.Contains(inv.FilePath, "..") {
		return Decision{
			Status:   StatusBlock,
			Messages: []string{"Path traversal detected"},
		}
	}

	lowerPath := strings.ToLower(inv.FilePath)
	for _, name := range sensitiveNames {
		if strings.Contains(lowerPath, name) {
			d.Status = StatusWarn
			d.Warnings = append(d.Warnings, "Potentially sensitive file: "+name)
		}
	}

	if path.Ext(inv.FilePath) == ".py" && inv.Content != "" {
		if strings.Contains(inv.Content, "@mcp.tool") || strings.Contains(inv.Content, "FastMCP") {
			d.Messages = append(d.Messages, "MCP server implementation detected")
			for _, imp := range requiredServerImports {
				if !strings.Contains(inv.Content, imp) {
					d.Warnings = append(d.Warnings, "Missing import: "+imp)
				}
			}
		}

		for _, pattern := range dangerousCodePatterns {
			if !strings.Contains(inv.Content, pattern) {
				continue
			}
			if criticalCodePatterns[pattern] {
				return Decision{
					Status:   StatusBlock,
					Messages: []string{fmt.Sprintf("Dangerous code pattern blocked: %s", pattern)},
				}
			}
			d.Status = StatusWarn
			d.Warnings = append(d.Warnings, "Security concern: "+pattern)
		}
	}

	return d
}

func (g *Guard) validateCommand(inv Invocation) Decision {
	if strings.TrimSpace(inv.Command) == "" {
		return Decision{
			Status:   StatusBlock,
			Messages: []string{"Empty bash commands not allowed"},
		}
	}

	for _, dangerous := range dangerousCommands {
		if strings.Contains(inv.Command, dangerous) {
			return Decision{
				Status:   StatusBlock,
				Messages: []string{fmt.Sprintf("Dangerous command blocked: %s", dangerous)},
			}
		}
	}

	if strings.Contains(inv.Command, "sudo") {
		return Decision{
			Status:   StatusWarn,
			Warnings: []string{"Sudo command requires elevated privileges"},
		}
	}
	return Decision{Status: StatusAllow}
}
