package interactive

import (
	"fmt"
	"io"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/cargocap/cargocap/internal/problem"
)

// TerminalDetector reports whether the output looks like a real terminal.
// Nothing in this package calls one: the CLI layer decides between the
// tview loop and a plain report itself, with golang.org/x/term on the raw
// *os.File.
type TerminalDetector func() bool

// WritePlainReport prints problems as an aligned, colored terminal report:
// one line per problem, severity-colored, with the severity labels padded
// to a common width using go-runewidth so the messages line up.
func WritePlainReport(w io.Writer, problems []problem.Problem, useColor bool) {
	errorColor := color.New(color.FgRed, color.Bold)
	warnColor := color.New(color.FgYellow)
	errorColor.EnableColor()
	warnColor.EnableColor()
	if !useColor {
		errorColor.DisableColor()
		warnColor.DisableColor()
	}

	labelWidth := 0
	for _, p := range problems {
		if w := runewidth.StringWidth(p.Severity().String()); w > labelWidth {
			labelWidth = w
		}
	}

	for _, p := range problems {
		label := p.Severity().String()
		padded := label + strings.Repeat(" ", labelWidth-runewidth.StringWidth(label))
		c := warnColor
		if p.Severity() == problem.SeverityError {
			c = errorColor
		}
		fmt.Fprintf(w, "%s  %s\n", c.Sprint(padded), p.String())
	}

	if len(problems) == 0 {
		fmt.Fprintln(w, "no problems found")
	}
}

const markdownTemplate = `# cargocap report

{{#each Problems}}
- **{{this.Severity}}**: {{this.Message}}
{{/each}}
`

// reportRow is the shape raymond's {{#each}} iterates, kept separate from
// problem.Problem so the template only ever sees plain strings.
type reportRow struct {
	Severity string
	Message  string
}

// WriteMarkdownReport renders problems as a Markdown digest via
// aymerick/raymond, for `cargocap check --format markdown`.
func WriteMarkdownReport(w io.Writer, problems []problem.Problem) error {
	rows := make([]reportRow, len(problems))
	for i, p := range problems {
		rows[i] = reportRow{Severity: p.Severity().String(), Message: p.String()}
	}
	rendered, err := raymond.Render(markdownTemplate, map[string]interface{}{"Problems": rows})
	if err != nil {
		return fmt.Errorf("rendering markdown report: %w", err)
	}
	_, err = io.WriteString(w, rendered)
	return err
}
