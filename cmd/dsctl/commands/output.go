package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/openfroyo/dsctl/pkg/engine"
	"github.com/openfroyo/dsctl/pkg/stores"
)

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorRed    = lipgloss.Color("#ef4444")
	colorYellow = lipgloss.Color("#eab308")
	colorBlue   = lipgloss.Color("#3b82f6")
	colorDim    = lipgloss.Color("#6b7280")
	colorWhite  = lipgloss.Color("#f9fafb")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBlue)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	greenStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	redStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	yellowStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	blueStyle = lipgloss.NewStyle().
			Foreground(colorBlue)
)

func outcomeStyle(o engine.Outcome) lipgloss.Style {
	switch o {
	case engine.OutcomeSucceeded, engine.OutcomeAlreadySatisfied:
		return greenStyle
	case engine.OutcomePreviewed:
		return blueStyle
	case engine.OutcomeFindingsPresent:
		return yellowStyle
	default:
		return redStyle
	}
}

func verdictStyle(v engine.Verdict) lipgloss.Style {
	switch v {
	case engine.VerdictConsistent:
		return greenStyle
	case engine.VerdictAbsent:
		return dimStyle
	default:
		return yellowStyle
	}
}

func severityStyle(s engine.FindingSeverity) lipgloss.Style {
	switch s {
	case engine.SeverityCritical:
		return redStyle
	case engine.SeverityWarning:
		return yellowStyle
	default:
		return dimStyle
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func bytesOf(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

func section(b *strings.Builder, title string) {
	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("  " + title))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("─", 50)))
	b.WriteString("\n")
}

// table renders tab-separated rows aligned under a dim header.
func table(b *strings.Builder, header string, rows []string) {
	var buf strings.Builder
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  "+header)
	for _, r := range rows {
		fmt.Fprintln(tw, "  "+r)
	}
	_ = tw.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	b.WriteString(dimStyle.Render(lines[0]))
	b.WriteString("\n")
	for _, l := range lines[1:] {
		b.WriteString(l)
		b.WriteString("\n")
	}
}

// renderResult writes an execution result.
func renderResult(w io.Writer, res *engine.Result) error {
	if jsonOutput {
		return writeJSON(w, res)
	}

	var b strings.Builder
	req := res.Request
	heading := string(req.Intent)
	if target := req.Target(); target != "" {
		heading += " " + target
	}
	if req.Cluster != "" {
		heading += " on " + req.Cluster
	}
	if req.DryRun {
		heading += " (dry run)"
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("  " + heading))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("═", 50)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "    Outcome:   %s\n", outcomeStyle(res.Outcome).Render(string(res.Outcome)))
	fmt.Fprintf(&b, "    Stage:     %s\n", res.Stage)
	fmt.Fprintf(&b, "    Run:       %s\n", res.RunID)
	fmt.Fprintf(&b, "    Duration:  %s\n", res.Duration.Round(time.Millisecond))

	if len(res.Plan) > 0 {
		section(&b, "Plan")
		rows := make([]string, 0, len(res.Plan))
		for _, p := range res.Plan {
			change := "no change"
			if p.WouldChange {
				change = "change"
			}
			rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%s", p.Stage, p.Action, p.Target, change))
		}
		table(&b, "STAGE\tACTION\tTARGET\tEFFECT", rows)
	}

	if res.State != nil {
		section(&b, "State")
		writeState(&b, res.State)
	}

	if len(res.Findings) > 0 {
		section(&b, fmt.Sprintf("Findings (%d)", len(res.Findings)))
		writeFindings(&b, res.Findings)
	}

	if len(res.Warnings) > 0 {
		section(&b, "Warnings")
		for _, warn := range res.Warnings {
			b.WriteString("    ")
			b.WriteString(yellowStyle.Render("! " + warn))
			b.WriteString("\n")
		}
	}

	if verbose && len(res.Trace) > 0 {
		section(&b, "Trace")
		rows := make([]string, 0, len(res.Trace))
		for _, t := range res.Trace {
			rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%s", t.Elapsed.Round(time.Millisecond), t.Severity, t.Stage, t.Message))
		}
		table(&b, "ELAPSED\tSEVERITY\tSTAGE\tMESSAGE", rows)
	}

	if res.Error != "" {
		b.WriteString("\n")
		b.WriteString(redStyle.Render("  Error: " + res.Error))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// renderState writes a probe result.
func renderState(w io.Writer, state *engine.ReconciledState) error {
	if jsonOutput {
		return writeJSON(w, state)
	}

	var b strings.Builder
	b.WriteString("\n")
	title := state.VolumeName
	if title == "" {
		title = state.DatastoreName
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("  %s on %s", title, state.Cluster)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("═", 50)))
	b.WriteString("\n")
	writeState(&b, state)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeState(b *strings.Builder, s *engine.ReconciledState) {
	fmt.Fprintf(b, "    Verdict:   %s\n", verdictStyle(s.Verdict).Render(string(s.Verdict)))

	if v := s.Volume; v != nil {
		online := "offline"
		if v.Online {
			online = "online"
		}
		fmt.Fprintf(b, "    Volume:    %s, %s, %s", v.Name, bytesOf(v.SizeBytes), online)
		if v.SourceVolume != "" {
			fmt.Fprintf(b, ", clone of %s", v.SourceVolume)
		}
		b.WriteString("\n")
		fmt.Fprintf(b, "    Device:    %s\n", v.DeviceID)
	} else {
		fmt.Fprintf(b, "    Volume:    %s\n", dimStyle.Render("none"))
	}

	if ds := s.Datastore; ds != nil {
		fmt.Fprintf(b, "    Datastore: %s, %s free of %s, %d VMs\n",
			ds.Name, bytesOf(ds.FreeBytes), bytesOf(ds.CapacityBytes), len(ds.VirtualMachines))
		fmt.Fprintf(b, "    Mounted:   %d of %d hosts\n", len(ds.MountedHosts()), len(s.Hosts))
	} else {
		fmt.Fprintf(b, "    Datastore: %s\n", dimStyle.Render("none"))
	}

	if len(s.Hosts) == 0 {
		return
	}
	rows := make([]string, 0, len(s.Hosts))
	for _, h := range s.Hosts {
		lun := s.LunOn(h)
		switch {
		case s.HostErrors[h] != "":
			rows = append(rows, fmt.Sprintf("%s\terror\t\t\t%s", h, s.HostErrors[h]))
		case lun == nil:
			rows = append(rows, fmt.Sprintf("%s\tmissing\t\t\t", h))
		default:
			mounted := "no"
			if s.Datastore != nil && s.Datastore.Mounts[h] {
				mounted = "yes"
			}
			rows = append(rows, fmt.Sprintf("%s\tvisible\t%s\t%s\t%s", h, bytesOf(lun.CapacityBytes), lun.PathPolicy, mounted))
		}
	}
	b.WriteString("\n")
	table(b, "HOST\tLUN\tCAPACITY\tPATH POLICY\tMOUNTED", rows)
}

func writeFindings(b *strings.Builder, findings []engine.Finding) {
	rows := make([]string, 0, len(findings))
	for _, f := range findings {
		rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%s\t%s", f.Severity, f.Category, f.Cluster, f.Entity, f.Detail))
	}
	table(b, "SEVERITY\tCATEGORY\tCLUSTER\tENTITY\tDETAIL", rows)

	counts := map[engine.FindingSeverity]int{}
	for _, f := range findings {
		counts[f.Severity]++
	}
	var parts []string
	for _, s := range []engine.FindingSeverity{engine.SeverityCritical, engine.SeverityWarning, engine.SeverityInfo} {
		if counts[s] > 0 {
			parts = append(parts, severityStyle(s).Render(fmt.Sprintf("%d %s", counts[s], s)))
		}
	}
	b.WriteString("    ")
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString("\n")
}

// renderValidation writes the validate report.
func renderValidation(w io.Writer, r *validationReport) error {
	if jsonOutput {
		return writeJSON(w, r)
	}

	var b strings.Builder
	if len(r.Problems) > 0 {
		b.WriteString(redStyle.Render("✗ Invalid configuration: " + r.Config))
		b.WriteString("\n")
		for _, p := range r.Problems {
			fmt.Fprintf(&b, "  - %s\n", p.String())
		}
		_, err := io.WriteString(w, b.String())
		return err
	}

	b.WriteString(greenStyle.Render("✓ Configuration is valid: " + r.Config))
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Clusters: %s\n", strings.Join(r.Clusters, ", "))

	section(&b, "Policies")
	rows := make([]string, 0, len(r.Policies))
	for _, p := range r.Policies {
		state := "enabled"
		if !p.Enabled {
			state = "disabled"
		}
		source := p.Source
		if source == "" {
			source = "built-in"
		}
		rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%s", p.Name, p.Severity, state, source))
	}
	table(&b, "NAME\tSEVERITY\tSTATE\tSOURCE", rows)

	if len(r.Checks) > 0 {
		section(&b, "Connectivity")
		for _, c := range r.Checks {
			mark := greenStyle.Render("✓")
			if !c.OK {
				mark = redStyle.Render("✗")
			}
			line := fmt.Sprintf("  %s %s: %s", mark, c.Target, c.Check)
			if c.Detail != "" {
				line += dimStyle.Render(" (" + c.Detail + ")")
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// renderRuns writes a run listing.
func renderRuns(w io.Writer, runs []*stores.Run) error {
	if jsonOutput {
		if runs == nil {
			runs = []*stores.Run{}
		}
		return writeJSON(w, runs)
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, dimStyle.Render("No runs recorded."))
		return err
	}

	var b strings.Builder
	rows := make([]string, 0, len(runs))
	for _, r := range runs {
		outcome := string(r.Outcome)
		if !r.Finished() {
			outcome = "interrupted"
		}
		mode := ""
		if r.DryRun {
			mode = "dry run"
		}
		rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.ID, r.Intent, r.Cluster, r.Target, outcome, r.Stage, mode))
	}
	table(&b, "STARTED\tRUN\tINTENT\tCLUSTER\tTARGET\tOUTCOME\tSTAGE\tMODE", rows)

	_, err := io.WriteString(w, b.String())
	return err
}

// renderRunDetail writes one run with its trace and findings.
func renderRunDetail(w io.Writer, d *runDetail) error {
	if jsonOutput {
		return writeJSON(w, d)
	}

	r := d.Run
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("  %s %s on %s", r.Intent, r.Target, r.Cluster)))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("  " + strings.Repeat("═", 50)))
	b.WriteString("\n")

	outcome := dimStyle.Render("interrupted")
	if r.Finished() {
		outcome = outcomeStyle(r.Outcome).Render(string(r.Outcome))
	}
	fmt.Fprintf(&b, "    Outcome:   %s\n", outcome)
	fmt.Fprintf(&b, "    Stage:     %s\n", r.Stage)
	if r.Verdict != "" {
		fmt.Fprintf(&b, "    Verdict:   %s\n", verdictStyle(r.Verdict).Render(string(r.Verdict)))
	}
	fmt.Fprintf(&b, "    Run:       %s\n", r.ID)
	fmt.Fprintf(&b, "    Started:   %s (%s)\n", r.StartedAt.Local().Format(time.RFC3339), humanize.Time(r.StartedAt))
	if r.Finished() {
		fmt.Fprintf(&b, "    Duration:  %s\n", r.Duration.Round(time.Millisecond))
	}
	if r.DryRun {
		fmt.Fprintf(&b, "    Mode:      dry run\n")
	}

	if len(d.Transitions) > 0 {
		section(&b, "Trace")
		rows := make([]string, 0, len(d.Transitions))
		for _, t := range d.Transitions {
			rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%s", t.Elapsed.Round(time.Millisecond), t.Severity, t.Stage, t.Message))
		}
		table(&b, "ELAPSED\tSEVERITY\tSTAGE\tMESSAGE", rows)
	}

	if len(d.Findings) > 0 {
		section(&b, fmt.Sprintf("Findings (%d)", len(d.Findings)))
		rows := make([]string, 0, len(d.Findings))
		for _, f := range d.Findings {
			rows = append(rows, fmt.Sprintf("%s\t%s\t%s\t%s\t%s", f.Severity, f.Category, f.Cluster, f.Entity, f.Detail))
		}
		table(&b, "SEVERITY\tCATEGORY\tCLUSTER\tENTITY\tDETAIL", rows)
	}

	if r.Error != nil {
		b.WriteString("\n")
		b.WriteString(redStyle.Render("  Error: " + *r.Error))
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
