package licensepolicy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/cargocap/cargocap/internal/crateindex"
	"github.com/cargocap/cargocap/internal/problem"
)

// AdvisoryCheckType mirrors the check axes `cargo deny check` supports; this
// tool only ever asks for the advisories axis, since licenses and bans are
// already covered by Policy.Evaluate and the per-symbol Checker
// respectively.
type AdvisoryCheckType string

const AdvisoryCheckAdvisories AdvisoryCheckType = "advisories"

// advisoryEntry mirrors the subset of `cargo deny --format json check`
// NDJSON output this package consumes. cargo-deny writes its JSON to
// stderr, one object per line — a long-standing quirk of the tool, not a
// bug in this reader.
type advisoryEntry struct {
	Type   string          `json:"type"`
	Fields advisoryFields  `json:"fields"`
}

type advisoryFields struct {
	Severity string `json:"severity"`
	Graphs   []struct {
		Krate struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"Krate"`
	} `json:"graphs"`
	Advisory struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"advisory"`
}

// IsAvailable reports whether the `cargo-deny` subcommand is installed,
// without running a full check.
func IsAvailable(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "cargo", "deny", "--version") // #nosec G204 -- fixed argv, no user input
	return cmd.Run() == nil
}

// RunAdvisoryCheck runs `cargo deny --format json check advisories` in dir
// and converts any reported advisories into Problem.DisallowedLicense
// entries (the advisory axis shares a severity/Code shape with license
// findings, so it rides the same Problem variant rather than inventing a
// sixteenth one).
func RunAdvisoryCheck(ctx context.Context, dir string) (*problem.List, error) {
	cmd := exec.CommandContext(ctx, "cargo", "deny", "--format", "json", "check", string(AdvisoryCheckAdvisories)) // #nosec G204 -- fixed argv, dir via cmd.Dir
	cmd.Dir = dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	_ = cmd.Run() // cargo-deny exits non-zero when it finds anything; errors are carried in the JSON itself

	entries, err := parseAdvisoryEntries(stderr.String())
	if err != nil {
		return nil, fmt.Errorf("parsing cargo-deny output: %w", err)
	}

	list := problem.NewList()
	for _, e := range entries {
		if e.Type != "diagnostic" || len(e.Fields.Graphs) == 0 {
			continue
		}
		krate := e.Fields.Graphs[0].Krate
		pkg := crateindex.PackageID{Name: krate.Name, NameIsUnique: true}
		list.Push(problem.NewDisallowedLicense(problem.LicenseFinding{
			Package:  pkg,
			Code:     e.Fields.Advisory.ID,
			Severity: mapSeverity(e.Fields.Severity),
			Message:  e.Fields.Advisory.Title,
		}))
	}
	return list, nil
}

func mapSeverity(cargoDenySeverity string) string {
	switch strings.ToLower(cargoDenySeverity) {
	case "error", "warning":
		return strings.ToLower(cargoDenySeverity)
	default:
		return "warning"
	}
}

// parseAdvisoryEntries reads cargo-deny's NDJSON stream, one diagnostic
// object per line, tolerating and skipping non-JSON lines that cargo-deny
// sometimes interleaves with its progress output.
func parseAdvisoryEntries(output string) ([]advisoryEntry, error) {
	var entries []advisoryEntry
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var e advisoryEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
