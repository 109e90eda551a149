// Package agentdef loads agent definition documents: markdown files with a
// YAML frontmatter block followed by free-text guidance sections.
package agentdef

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"maestro/internal/domain"
	"maestro/internal/infra/config"
)

// frontmatter is the YAML header of a definition document. Timeout is kept
// as a string so "300s" style durations parse.
type frontmatter struct {
	Name                 string   `yaml:"name"`
	Model                string   `yaml:"model"`
	Description          string   `yaml:"description"`
	Capabilities         []string `yaml:"capabilities"`
	AutoActivatePatterns []string `yaml:"auto_activate_patterns"`
	MaxConcurrentTasks   int      `yaml:"max_concurrent_tasks"`
	Timeout              string   `yaml:"timeout"`
}

// LoadDir parses every *.md file in dir. Files that fail to parse are
// skipped with a warning; a missing directory yields an empty slice.
func LoadDir(dir string, logger *slog.Logger) ([]domain.Definition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		logger.Warn("agent definitions directory not found", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, domain.WrapOp("agentdef.LoadDir", err)
	}

	var defs []domain.Definition
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable agent definition", "path", path, "error", err)
			continue
		}
		def, err := Parse(data, path)
		if err != nil {
			logger.Warn("skipping unparsable agent definition", "path", path, "error", err)
			continue
		}
		logger.Info("agent definition loaded", "agent", def.Config.Name, "path", path)
		defs = append(defs, *def)
	}
	return defs, nil
}

// Parse splits a definition document into frontmatter config and guidance
// sections.
func Parse(data []byte, sourcePath string) (*domain.Definition, error) {
	front, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, domain.NewDomainError("agentdef.Parse", domain.ErrDefinitionParse, err.Error())
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(front), &fm); err != nil {
		return nil, domain.NewDomainError("agentdef.Parse", domain.ErrDefinitionParse, err.Error())
	}
	if fm.Name == "" {
		return nil, domain.NewDomainError("agentdef.Parse", domain.ErrDefinitionParse, "missing agent name")
	}

	def := &domain.Definition{
		Config: domain.AgentConfig{
			Name:                 fm.Name,
			Model:                domain.ModelTier(fm.Model),
			Description:          fm.Description,
			Capabilities:         fm.Capabilities,
			AutoActivatePatterns: fm.AutoActivatePatterns,
			MaxConcurrentTasks:   fm.MaxConcurrentTasks,
			Timeout:              config.ParseDuration(fm.Timeout, 0),
		},
		SourcePath: sourcePath,
	}

	sections := splitSections(body)
	def.Role = sections["role"]
	def.Competencies = sections["competencies"]
	def.Procedure = sections["procedure"]
	def.Constraints = sections["constraints"]
	def.OutputFormat = sections["output format"]
	return def, nil
}

// splitFrontmatter separates the leading `---` fenced YAML block from the
// markdown body.
func splitFrontmatter(doc string) (front, body string, err error) {
	doc = strings.TrimLeft(doc, "\uFEFF\n\r")
	if !strings.HasPrefix(doc, "---") {
		return "", "", fmt.Errorf("missing frontmatter fence")
	}
	rest := doc[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated frontmatter fence")
	}
	front = rest[:idx]
	body = rest[idx+4:]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return front, body, nil
}

// sectionAliases maps heading titles to canonical section keys.
var sectionAliases = map[string]string{
	"role":                         "role",
	"core competencies":            "competencies",
	"capabilities":                 "competencies",
	"standard operating procedure": "procedure",
	"sop":                          "procedure",
	"constraints":                  "constraints",
	"output format":                "output format",
}

// splitSections collects the body text under each recognized heading. Any
// heading level is accepted; unrecognized headings and their text attach to
// the current section.
func splitSections(body string) map[string]string {
	sections := make(map[string]string)
	var current string
	var buf []string

	flush := func() {
		if current != "" && len(buf) > 0 {
			text := strings.TrimSpace(strings.Join(buf, "\n"))
			if existing, ok := sections[current]; ok && existing != "" {
				text = existing + "\n" + text
			}
			sections[current] = text
		}
		buf = buf[:0]
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			title := strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
			if key, ok := sectionAliases[title]; ok {
				flush()
				current = key
				continue
			}
			// Sub-heading within the current section.
			if current != "" {
				buf = append(buf, trimmed)
			}
			continue
		}
		if current != "" && trimmed != "" {
			buf = append(buf, trimmed)
		}
	}
	flush()
	return sections
}
