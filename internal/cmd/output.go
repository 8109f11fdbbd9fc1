// internal/cmd/output.go
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"

	"github.com/FairForge/shipyard/internal/devops"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) table() *tabby.Tabby {
	return tabby.NewCustom(tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0))
}

// colors reports whether out is an interactive terminal
func (c *cli) colors() aurora.Aurora {
	f, ok := c.out.(*os.File)
	if !ok {
		return aurora.NewAurora(false)
	}
	info, err := f.Stat()
	return aurora.NewAurora(err == nil && info.Mode()&os.ModeCharDevice != 0)
}

func colorStatus(au aurora.Aurora, status string) aurora.Value {
	switch status {
	case string(devops.StatusSucceeded), string(devops.HealthPass):
		return au.Green(status)
	case string(devops.StatusRolledBack), string(devops.HealthDegraded), string(devops.ProbeWarn):
		return au.Yellow(status)
	default:
		return au.Red(status)
	}
}

// printOutcome renders the terminal state of an orchestrated run
func (c *cli) printOutcome(out *devops.Outcome) error {
	if out == nil || out.Deployment == nil {
		return nil
	}
	if c.output == "json" {
		return writeJSON(c.out, out)
	}

	au := c.colors()
	d := out.Deployment
	summary := c.table()
	summary.AddLine(d.Kind+":", d.ID)
	summary.AddLine("Status:", colorStatus(au, string(d.Status)))
	summary.AddLine("Environment:", d.Environment)
	summary.AddLine("Target:", d.TargetVersion)
	if d.PreviousVersion != "" {
		summary.AddLine("Previous:", d.PreviousVersion)
	}
	if d.BackupRef != "" {
		summary.AddLine("Backup:", d.BackupRef)
	}
	if d.DryRun {
		summary.AddLine("Dry run:", true)
	}
	if out.Health != nil {
		summary.AddLine("Health:", colorStatus(au, string(out.Health.OverallStatus)))
	}
	if d.Error != "" {
		summary.AddLine("Error:", au.Red(d.Error))
	}
	if out.ReportPath != "" {
		summary.AddLine("Report:", out.ReportPath)
	}
	summary.Print()

	if out.Health != nil {
		_, _ = fmt.Fprintln(c.out)
		c.printResults(out.Health)
	}
	return nil
}

// printHealth renders a standalone health evaluation
func (c *cli) printHealth(report devops.HealthReport) error {
	if c.output == "json" {
		return writeJSON(c.out, report)
	}
	_, _ = fmt.Fprintf(c.out, "Overall: %s\n\n", colorStatus(c.colors(), string(report.OverallStatus)))
	c.printResults(&report)
	return nil
}

func (c *cli) printResults(report *devops.HealthReport) {
	au := c.colors()
	results := c.table()
	results.AddHeader("Probe", "Status", "Critical", "Attempt", "Latency", "Message")
	for _, r := range report.Results {
		results.AddLine(r.ProbeName, colorStatus(au, string(r.Status)), r.Critical,
			r.AttemptNumber, fmt.Sprintf("%dms", r.LatencyMS), r.Message)
	}
	results.Print()
}
