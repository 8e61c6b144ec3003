// Package skills provides the embedded code-review skill for AI agents
// (Claude Code, Codex) and installation utilities.
package skills

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed */SKILL.md
var embedded embed.FS

// Agent represents a supported AI agent
type Agent string

const (
	AgentClaude Agent = "claude"
	AgentCodex  Agent = "codex"
)

// configDirs maps each agent to its config directory under $HOME.
var configDirs = map[Agent]string{
	AgentClaude: ".claude",
	AgentCodex:  ".codex",
}

// Skill is one embedded skill definition.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Content is the full SKILL.md, frontmatter included.
	Content []byte `yaml:"-"`
}

// InstallResult contains the result of a skill installation
type InstallResult struct {
	Agent     Agent
	Installed []string
	Updated   []string
	Skipped   bool // True if agent config dir doesn't exist
}

// ParseFrontmatter decodes the YAML frontmatter at the top of a SKILL.md.
func ParseFrontmatter(content []byte) (Skill, error) {
	var s Skill
	rest, ok := bytes.CutPrefix(content, []byte("---\n"))
	if !ok {
		return s, fmt.Errorf("missing frontmatter")
	}
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return s, fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal(rest[:end], &s); err != nil {
		return s, fmt.Errorf("parse frontmatter: %w", err)
	}
	if s.Name == "" || s.Description == "" {
		return s, fmt.Errorf("frontmatter needs name and description")
	}
	s.Content = content
	return s, nil
}

// List returns the embedded skills sorted by name. Each skill's
// frontmatter name must match its directory.
func List() ([]Skill, error) {
	entries, err := fs.ReadDir(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("read embedded skills: %w", err)
	}
	var skills []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// embed FS paths always use forward slashes
		content, err := embedded.ReadFile(path.Join(entry.Name(), "SKILL.md"))
		if err != nil {
			return nil, fmt.Errorf("read %s/SKILL.md: %w", entry.Name(), err)
		}
		s, err := ParseFrontmatter(content)
		if err != nil {
			return nil, fmt.Errorf("%s/SKILL.md: %w", entry.Name(), err)
		}
		if s.Name != entry.Name() {
			return nil, fmt.Errorf("%s/SKILL.md: name %q does not match directory", entry.Name(), s.Name)
		}
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// Install installs skills for all supported agents whose config directories exist.
// It is idempotent - running multiple times will update existing skills.
func Install() ([]InstallResult, error) {
	skills, err := List()
	if err != nil {
		return nil, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}

	var results []InstallResult
	for _, agent := range []Agent{AgentClaude, AgentCodex} {
		result, err := install(agent, filepath.Join(home, configDirs[agent]), skills)
		if err != nil {
			return nil, fmt.Errorf("%s skills: %w", agent, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// IsInstalled checks if the code-review skill is installed for the given agent
func IsInstalled(agent Agent) bool {
	dir, ok := configDirs[agent]
	if !ok {
		return false
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return false
	}
	return fileExists(filepath.Join(home, dir, "skills", "code-review", "SKILL.md"))
}

func install(agent Agent, configDir string, skills []Skill) (InstallResult, error) {
	result := InstallResult{Agent: agent}
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		result.Skipped = true
		return result, nil
	}

	for _, s := range skills {
		skillDir := filepath.Join(configDir, "skills", s.Name)
		if err := os.MkdirAll(skillDir, 0755); err != nil {
			return result, fmt.Errorf("create %s dir: %w", s.Name, err)
		}

		destPath := filepath.Join(skillDir, "SKILL.md")
		existed := fileExists(destPath)
		if err := os.WriteFile(destPath, s.Content, 0644); err != nil {
			return result, fmt.Errorf("write %s/SKILL.md: %w", s.Name, err)
		}
		if existed {
			result.Updated = append(result.Updated, s.Name)
		} else {
			result.Installed = append(result.Installed, s.Name)
		}
	}
	return result, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
