package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
	"git.home.luguber.info/inful/kernelforge/internal/journal"
)

// HistoryCmd implements the 'history' command.
type HistoryCmd struct {
	Limit int `short:"n" help:"Number of builds to show" default:"20"`
}

func (h *HistoryCmd) Run(g *Global, root *CLI) error {
	bc, err := LoadConfiguration(root.Config, root.Verbose, BuildFlags{})
	if err != nil {
		return err
	}
	if bc.JournalPath == "" {
		return ferrors.ConfigError("no build journal configured").
			WithContext("setting", "journal.path").
			Build()
	}

	j, err := journal.Open(bc.JournalPath)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	entries, err := j.Recent(context.Background(), h.Limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(g.out(), "No builds recorded")
		return nil
	}

	tw := tabwriter.NewWriter(g.out(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WHEN\tMODE\tSTATUS\tARCH\tCOMPILED\tSIZE\tDURATION\tERROR")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\tsm_%d\t%d/%d\t%s\t%s\t%s\n",
			humanize.Time(e.RecordedAt), e.Mode, e.Status, e.ComputeCap,
			e.Compiled, e.Units, humanize.Bytes(uint64(max(e.ArtifactBytes, 0))),
			e.Duration.Round(time.Millisecond), e.Error)
	}
	return tw.Flush()
}
