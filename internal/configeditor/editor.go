package configeditor

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/cargocap/cargocap/internal/problem"
	"github.com/cargocap/cargocap/pkg/safeio"
)

// Editor wraps a decoded Config alongside the raw line buffer it was parsed
// from, so structural edits can be reflected back onto the original text
// via a targeted line patch instead of a full re-encode — the same
// formatting-preserving technique a Cargo.toml version bumper would use:
// walk lines tracking `[section]` nesting, find the line setting the target
// field within the matching section, and replace only that line's value,
// leaving every other line (including comments and unrelated whitespace)
// untouched.
type Editor struct {
	Path   string
	Config *Config
	lines  []string
}

// FromFile reads path and returns an Editor over its decoded Config and raw
// lines. The config path is operator-supplied (a CLI flag or workspace
// default), not untrusted input walked from elsewhere, so it's read
// directly rather than through safeio's containment check — that check
// exists for paths derived from data the tool doesn't control.
func FromFile(path string) (*Editor, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return FromString(path, string(data))
}

// FromString builds an Editor directly from already-read content, used by
// tests and by the TOML-round-trip property check.
func FromString(path, content string) (*Editor, error) {
	cfg, err := Decode([]byte(content))
	if err != nil {
		return nil, err
	}
	lines := strings.Split(content, "\n")
	return &Editor{Path: path, Config: cfg, lines: lines}, nil
}

// ToTOMLString renders the current raw buffer. For a Config with no applied
// edits this is the identity of the string originally passed to FromString —
// the round-trip property spec.md §8 requires.
func (e *Editor) ToTOMLString() string {
	return strings.Join(e.lines, "\n")
}

// Write atomically persists the current buffer to e.Path.
func (e *Editor) Write() error {
	return safeio.WriteFileAtomic(e.Path, []byte(e.ToTOMLString()))
}

var sectionHeaderPattern = regexp.MustCompile(`^\s*\[([^\]]+)\]\s*$`)

// updateTOMLField walks e.lines looking for the line inside [section] that
// assigns field, and replaces its value with newValue (already formatted as
// TOML, e.g. `["a", "b"]` or `true`), preserving the line's leading
// whitespace. If the section exists but the field doesn't, the field is
// appended as the section's last line. If the section itself doesn't exist,
// it is appended at the end of the file.
func (e *Editor) updateTOMLField(section, field, newValue string) {
	fieldPattern := regexp.MustCompile(`^(\s*)` + regexp.QuoteMeta(field) + `\s*=`)

	inSection := false
	sectionStart := -1
	sectionEnd := len(e.lines)
	for i, line := range e.lines {
		if m := sectionHeaderPattern.FindStringSubmatch(line); m != nil {
			if inSection {
				sectionEnd = i
				break
			}
			if m[1] == section {
				inSection = true
				sectionStart = i
			}
			continue
		}
		if inSection {
			if fm := fieldPattern.FindStringSubmatch(line); fm != nil {
				e.lines[i] = fm[1] + field + " = " + newValue
				return
			}
		}
	}

	if sectionStart == -1 {
		// Section doesn't exist yet: append a new one at EOF.
		if e.lines[len(e.lines)-1] != "" {
			e.lines = append(e.lines, "")
		}
		e.lines = append(e.lines, "["+section+"]", field+" = "+newValue)
		return
	}

	// Section exists but field doesn't: insert just before sectionEnd,
	// stepping back over any trailing blank lines inside the section so the
	// new field sits with its siblings rather than after a gap.
	insertAt := sectionEnd
	for insertAt > sectionStart+1 && strings.TrimSpace(e.lines[insertAt-1]) == "" {
		insertAt--
	}
	line := field + " = " + newValue
	e.lines = append(e.lines[:insertAt], append([]string{line}, e.lines[insertAt:]...)...)
}

func tomlStringArray(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// SetPackageAllow rewrites pkg.<name>.allow to perms, both in the typed
// Config and in the raw buffer.
func (e *Editor) SetPackageAllow(name string, perms []string) {
	pc := e.Config.Pkg[name]
	pc.Allow = perms
	e.Config.Pkg[name] = pc
	e.updateTOMLField("pkg."+name, "allow", tomlStringArray(perms))
}

// SetPackageAllowUnsafe rewrites pkg.<name>.allow_unsafe.
func (e *Editor) SetPackageAllowUnsafe(name string, allow bool) {
	pc := e.Config.Pkg[name]
	pc.AllowUnsafe = allow
	e.Config.Pkg[name] = pc
	value := "false"
	if allow {
		value = "true"
	}
	e.updateTOMLField("pkg."+name, "allow_unsafe", value)
}

// AddPackageAllowBuildInstruction appends instruction to
// pkg.<name>.allow_build_instructions if not already present.
func (e *Editor) AddPackageAllowBuildInstruction(name, instruction string) {
	pc := e.Config.Pkg[name]
	for _, existing := range pc.AllowBuildInstructions {
		if existing == instruction {
			return
		}
	}
	pc.AllowBuildInstructions = append(pc.AllowBuildInstructions, instruction)
	e.Config.Pkg[name] = pc
	e.updateTOMLField("pkg."+name, "allow_build_instructions", tomlStringArray(pc.AllowBuildInstructions))
}

// SetPackageAllowBuildScripts rewrites pkg.<name>.allow_build_scripts.
func (e *Editor) SetPackageAllowBuildScripts(name string, allow bool) {
	pc := e.Config.Pkg[name]
	pc.AllowBuildScripts = allow
	e.Config.Pkg[name] = pc
	value := "false"
	if allow {
		value = "true"
	}
	e.updateTOMLField("pkg."+name, "allow_build_scripts", value)
}

// SetPackageAllowProcMacro rewrites pkg.<name>.allow_proc_macro.
func (e *Editor) SetPackageAllowProcMacro(name string, allow bool) {
	pc := e.Config.Pkg[name]
	pc.AllowProcMacro = allow
	e.Config.Pkg[name] = pc
	value := "false"
	if allow {
		value = "true"
	}
	e.updateTOMLField("pkg."+name, "allow_proc_macro", value)
}

// SetSandboxKind rewrites sandbox.kind.
func (e *Editor) SetSandboxKind(kind string) {
	e.Config.Sandbox.Kind = kind
	e.updateTOMLField("sandbox", "kind", fmt.Sprintf("%q", kind))
}

// RemovePackage deletes the pkg.<name> table entirely — its own section
// header and every line up to (not including) the next section header — used
// to resolve an UnusedPackageConfig warning by dropping dead config.
func (e *Editor) RemovePackage(name string) {
	delete(e.Config.Pkg, name)
	section := "pkg." + name

	start := -1
	end := len(e.lines)
	for i, line := range e.lines {
		m := sectionHeaderPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if start != -1 {
			end = i
			break
		}
		if m[1] == section {
			start = i
		}
	}
	if start == -1 {
		return
	}
	e.lines = append(e.lines[:start], e.lines[end:]...)
}

// Edit is a structured, applyable modification to the config, proposed in
// response to one Problem. Title and Help are shown to the user; Apply
// performs the side effect on an Editor; ReplacementProblems names the
// follow-up problems this edit would introduce (e.g. allowing unsafe code
// may surface a new AvailableAPI problem for what that code newly exposes).
type Edit struct {
	Title               string
	Help                string
	ApplyFunc           func(*Editor) error
	ReplacementProblems func() *problem.List
}

// Apply runs e.ApplyFunc against editor.
func (e Edit) Apply(editor *Editor) error {
	if e.ApplyFunc == nil {
		return fmt.Errorf("edit %q has no apply function", e.Title)
	}
	return e.ApplyFunc(editor)
}

// Replacements returns the follow-up problems introduced by applying this
// edit, or an empty list if there are none.
func (e Edit) Replacements() *problem.List {
	if e.ReplacementProblems == nil {
		return problem.NewList()
	}
	return e.ReplacementProblems()
}
