// Package skills implements the skills index: a catalogue of on-disk
// SKILL.md descriptors that extend the agent with runnable playbooks,
// filtered down to what the current host can actually use before ever
// reaching the model's context.
package skills

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
)

// Info describes one discovered skill: its identity, where it lives, and
// the constraints that decide whether it is eligible on this host.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Path        string   `json:"path"` // directory containing SKILL.md
	Platforms   []string `json:"platforms,omitempty"`
	Deps        []string `json:"deps,omitempty"` // binaries expected on PATH
}

// Loader discovers skills across three layers, in priority order:
// workspace-local (per-deployment), global (user home), builtin (shipped
// with the binary). A name present in more than one layer resolves to the
// highest-priority definition.
type Loader struct {
	workspaceDir string
	globalDir    string
	builtinDir   string
}

// NewSkillsLoader creates a loader scanning workspace/skills/, globalDir,
// and builtinDir, in that priority order. Either directory may be empty.
func NewSkillsLoader(workspace, globalDir, builtinDir string) *Loader {
	return &Loader{
		workspaceDir: filepath.Join(workspace, "skills"),
		globalDir:    globalDir,
		builtinDir:   builtinDir,
	}
}

// ListSkills returns every skill this host is eligible to use: platform
// matches GOOS (when declared) and every declared dependency resolves on
// PATH. Ineligible skills are silently excluded from the catalogue, not
// surfaced as an error — a missing optional dependency is not a fault.
func (l *Loader) ListSkills() []Info {
	seen := make(map[string]bool)
	var out []Info

	for _, dir := range []string{l.workspaceDir, l.globalDir, l.builtinDir} {
		if dir == "" {
			continue
		}
		for _, info := range scanDir(dir) {
			if seen[info.Name] {
				continue
			}
			seen[info.Name] = true
			if l.eligible(info) {
				out = append(out, info)
			}
		}
	}
	return out
}

func (l *Loader) eligible(info Info) bool {
	if len(info.Platforms) > 0 {
		matched := false
		for _, p := range info.Platforms {
			if strings.EqualFold(p, runtime.GOOS) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, dep := range info.Deps {
		if _, err := exec.LookPath(dep); err != nil {
			return false
		}
	}
	return true
}

func scanDir(dir string) []Info {
	var out []Info
	entries, err := os.ReadDir(dir)
	if err != nil {
		return out
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillFile := filepath.Join(dir, entry.Name(), "SKILL.md")
		content, err := os.ReadFile(skillFile)
		if err != nil {
			continue
		}
		info := parseDescriptor(string(content))
		if info.Name == "" {
			info.Name = entry.Name()
		}
		info.Path = filepath.Join(dir, entry.Name())
		out = append(out, info)
	}
	return out
}

var frontmatterRe = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n?`)

func parseDescriptor(content string) Info {
	match := frontmatterRe.FindStringSubmatch(content)
	if match == nil {
		return Info{}
	}
	fm := match[1]

	var jsonMeta struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Platforms   []string `json:"platforms"`
		Deps        []string `json:"deps"`
	}
	if err := json.Unmarshal([]byte(fm), &jsonMeta); err == nil {
		return Info{
			Name:        jsonMeta.Name,
			Description: jsonMeta.Description,
			Platforms:   jsonMeta.Platforms,
			Deps:        jsonMeta.Deps,
		}
	}

	return parseSimpleYAMLDescriptor(fm)
}

// parseSimpleYAMLDescriptor handles the common hand-written frontmatter
// shape (flat key: value, plus comma-separated lists) without pulling in a
// YAML library for a handful of fields.
func parseSimpleYAMLDescriptor(fm string) Info {
	var info Info
	for _, line := range strings.Split(fm, "\n") {
		line = strings.TrimSpace(line)
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		val = strings.Trim(val, `"'`)
		switch strings.ToLower(key) {
		case "name":
			info.Name = val
		case "description":
			info.Description = val
		case "platforms":
			info.Platforms = splitCSV(val)
		case "deps":
			info.Deps = splitCSV(val)
		}
	}
	return info
}

func splitCSV(val string) []string {
	val = strings.TrimPrefix(val, "[")
	val = strings.TrimSuffix(val, "]")
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.Trim(p, `"'`))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildSkillsSummary renders the eligible catalogue as a compact list for
// system-prompt injection: name and description only. Full bodies are
// loaded on demand via LoadSkillsForContext / activation.
func (l *Loader) BuildSkillsSummary() string {
	all := l.ListSkills()
	if len(all) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, s := range all {
		sb.WriteString("- **")
		sb.WriteString(s.Name)
		sb.WriteString("**: ")
		sb.WriteString(s.Description)
		sb.WriteString("\n")
	}
	return sb.String()
}

// LoadSkillsForContext returns the full SKILL.md body (frontmatter
// stripped) for each requested, eligible skill name, concatenated with a
// heading per skill.
func (l *Loader) LoadSkillsForContext(names []string) string {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var sb strings.Builder
	for _, s := range l.ListSkills() {
		if !wanted[s.Name] {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Path, "SKILL.md"))
		if err != nil {
			continue
		}
		body := frontmatterRe.ReplaceAllString(string(data), "")
		sb.WriteString("## ")
		sb.WriteString(s.Name)
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(body))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// Activate returns one skill's full body by name, for on-demand use by an
// activate_skill tool rather than unconditional context injection.
func (l *Loader) Activate(name string) (string, bool) {
	for _, s := range l.ListSkills() {
		if s.Name != name {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Path, "SKILL.md"))
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(frontmatterRe.ReplaceAllString(string(data), "")), true
	}
	return "", false
}
