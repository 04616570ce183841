package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	docexport "github.com/porticus-lab/go-doc-export"
	"github.com/porticus-lab/go-doc-export/internal/ledger"
	"github.com/porticus-lab/go-doc-export/internal/pdfcheck"
)

// checkpointSummary is the inspect output.
type checkpointSummary struct {
	RunID     string                `yaml:"run_id,omitempty"`
	Timestamp time.Time             `yaml:"timestamp"`
	Completed int                   `yaml:"completed"`
	Success   int                   `yaml:"success"`
	Failure   int                   `yaml:"failure"`
	Remaining int                   `yaml:"remaining"`
	Failed    []docexport.FailedJob `yaml:"failed,omitempty"`
	Documents []docexport.Document  `yaml:"remaining_documents,omitempty"`
}

func inspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("inspect takes exactly one checkpoint file")
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	snap, err := docexport.DecodeSnapshot(data)
	if err != nil {
		return err
	}
	sum := checkpointSummary{
		RunID:     snap.RunID,
		Timestamp: snap.Timestamp,
		Completed: snap.Completed,
		Success:   snap.Success,
		Failure:   snap.Failure,
		Remaining: len(snap.Remaining),
		Failed:    snap.Failed,
	}
	if c.Bool("remaining") {
		sum.Documents = snap.Remaining
	}
	return writeYAML(c.App.Writer, sum)
}

func historyAction(c *cli.Context) error {
	path := c.String("ledger")
	if path == "" {
		f, err := loadConfig(c)
		if err != nil {
			return err
		}
		path = f.Ledger.SQLite
	}
	if path == "" {
		path = ledger.DefaultPath
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	db, err := ledger.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer db.Close()

	out := c.App.Writer
	if runID := c.String("run"); runID != "" {
		failed, err := db.Results(c.Context, runID, docexport.StateFailed)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			fmt.Fprintln(out, "No failed documents")
			return nil
		}
		return writeYAML(out, failed)
	}

	runs, err := db.Runs(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	fmt.Fprintf(out, "%-36s %-20s %-9s %-8s %-8s %-8s %-9s\n",
		"Run", "Started", "Status", "Found", "Success", "Failed", "Remaining")
	fmt.Fprintln(out, strings.Repeat("-", 104))
	for _, r := range runs {
		fmt.Fprintf(out, "%-36s %-20s %-9s %-8d %-8d %-8d %-9d\n",
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Status,
			r.Discovered,
			r.Success,
			r.Failure,
			r.Remaining,
		)
	}
	fmt.Fprintf(out, "\nTotal: %d runs\n", len(runs))
	fmt.Fprintf(out, "\nTip: Use 'docexport history --run <id>' to list failed documents\n")
	return nil
}

// verifyAction checks each file and prints its page count. It fails when
// any file is invalid.
func verifyAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("no input file specified")
	}
	v := pdfcheck.New()
	out := c.App.Writer
	bad := 0
	for _, path := range c.Args().Slice() {
		pages, err := v.Verify(c.Context, path)
		if err != nil {
			fmt.Fprintf(c.App.ErrWriter, "%s: %v\n", path, err)
			bad++
			continue
		}
		fmt.Fprintf(out, "File:  %s\n", path)
		fmt.Fprintf(out, "Pages: %d\n", pages)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d files failed verification", bad, c.NArg())
	}
	return nil
}
