package runner

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

const (
	colorPass    = "#33FF33"
	colorNA      = "#9999CC"
	colorFail    = "#FF3333"
	colorExcept  = "#FF99CC"
	colorNeutral = "#CCCCCC"
)

var outcomeOrder = []Outcome{OutcomePass, OutcomeNotApplicable, OutcomeFail, OutcomeException}

type console struct {
	w       io.Writer
	outcome map[Outcome]lipgloss.Style
	path    lipgloss.Style
}

func newConsole(w io.Writer) *console {
	renderer := lipgloss.NewRenderer(w)
	style := func(color string) lipgloss.Style {
		return renderer.NewStyle().Foreground(lipgloss.Color(color))
	}
	return &console{
		w: w,
		outcome: map[Outcome]lipgloss.Style{
			OutcomePass:          style(colorPass),
			OutcomeNotApplicable: style(colorNA),
			OutcomeFail:          style(colorFail),
			OutcomeException:     style(colorExcept),
		},
		path: style(colorNeutral),
	}
}

func (c *console) starting(name, logPath string) {
	fmt.Fprintf(c.w, "[%s] Starting > %s\n", name, c.path.Render(logPath))
}

func (c *console) finished(result Result) {
	fmt.Fprintf(c.w, "[%s] %s in %.2fs\n", result.Name, c.render(result.Outcome), result.Elapsed.Seconds())
}

func (c *console) render(outcome Outcome) string {
	if style, ok := c.outcome[outcome]; ok {
		return style.Render(string(outcome))
	}
	return string(outcome)
}

func (c *console) echoLog(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(c.w, "cannot read %s: %v\n", path, err)
		return
	}
	fmt.Fprintf(c.w, "%s\n", strings.Repeat(">", 78))
	_, _ = c.w.Write(data)
	fmt.Fprintf(c.w, "%s\n", strings.Repeat("<", 78))
}

// Summary aggregates the results of one run.
type Summary struct {
	RunID   string
	Target  string
	Results []Result
	Elapsed time.Duration
}

// Counts returns how many tests ended in each outcome. Outcomes that never
// occurred are absent.
func (s *Summary) Counts() map[Outcome]int {
	counts := make(map[Outcome]int)
	for _, result := range s.Results {
		counts[result.Outcome]++
	}
	return counts
}

// Bad returns the results that fail the run, in execution order.
func (s *Summary) Bad() []Result {
	var bad []Result
	for _, result := range s.Results {
		if result.Outcome.Bad() {
			bad = append(bad, result)
		}
	}
	return bad
}

// ExitCode is 0 when every outcome is pass or not_applicable and 1
// otherwise.
func (s *Summary) ExitCode() int {
	if len(s.Bad()) > 0 {
		return 1
	}
	return 0
}

// Write prints the plain-text summary followed by the result table.
func (s *Summary) Write(w io.Writer) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "%s ran %d tests in %.0fs\n", strings.Repeat(":", 22), len(s.Results), s.Elapsed.Seconds())
	counts := s.Counts()
	for _, outcome := range outcomeOrder {
		if n := counts[outcome]; n > 0 {
			fmt.Fprintf(w, "%15s: %d\n", outcome, n)
		}
	}
	if bad := s.Bad(); len(bad) > 0 {
		fmt.Fprintln(w, "# Failing tests:")
		for _, result := range bad {
			fmt.Fprintf(w, "%s  %s  %s\n", result.Outcome, result.Name, result.LogPath)
		}
	}
	fmt.Fprint(w, s.Table())
}

// Table renders every result as a go-pretty table.
func (s *Summary) Table() string {
	var buf bytes.Buffer
	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	t.SetTitle(fmt.Sprintf("%s run %s", s.Target, s.RunID))
	t.AppendHeader(table.Row{"Test", "Outcome", "Duration", "Log"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Log", WidthMax: 120, WidthMaxEnforcer: text.WrapSoft},
	})
	for _, result := range s.Results {
		t.AppendRow(table.Row{
			result.Name,
			string(result.Outcome),
			fmt.Sprintf("%.2fs", result.Elapsed.Seconds()),
			result.LogPath,
		})
	}

	counts := s.Counts()
	parts := make([]string, 0, len(outcomeOrder))
	for _, outcome := range outcomeOrder {
		if n := counts[outcome]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", outcome, n))
		}
	}
	t.AppendFooter(table.Row{"TOTAL", strings.Join(parts, " "), fmt.Sprintf("%.2fs", s.Elapsed.Seconds()), ""})
	t.SetStyle(table.StyleLight)
	t.Render()
	return buf.String()
}
