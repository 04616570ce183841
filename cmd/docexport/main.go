// docexport bulk-exports the documents of a web library to PDF through a
// browser session.
//
// Usage:
//
//	docexport run --base-url URL [options]
//	docexport discover --base-url URL [options]
//	docexport inspect <checkpoint.json>
//	docexport history [--ledger docexport.db]
//	docexport verify <file.pdf>...
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	docexport "github.com/porticus-lab/go-doc-export"
	"github.com/porticus-lab/go-doc-export/internal/config"
)

const (
	exitOK      = 0
	exitUsage   = 1
	exitFailed  = 2
	exitAborted = 130
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newApp().RunContext(ctx, os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitCode(ctx, err))
}

// exitCode maps a command error to the process exit status.
func exitCode(ctx context.Context, err error) int {
	switch {
	case err == nil:
		return exitOK
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return exitAborted
	case errors.Is(err, docexport.ErrAuthentication),
		errors.Is(err, docexport.ErrDiscovery),
		errors.Is(err, docexport.ErrNoDocuments):
		return exitFailed
	default:
		return exitUsage
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "docexport",
		Usage: "export every document of a web library to PDF",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file"},
			&cli.StringFlag{Name: "log-format", Usage: "log format: text or json"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "log errors only"},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "discover and export all documents",
				Flags:  append(sessionFlags(), runFlags()...),
				Action: runAction,
			},
			{
				Name:   "discover",
				Usage:  "crawl the library and print the documents as YAML",
				Flags:  sessionFlags(),
				Action: discoverAction,
			},
			{
				Name:      "inspect",
				Usage:     "summarise a checkpoint file",
				ArgsUsage: "<checkpoint.json>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "remaining", Usage: "list the remaining documents"},
				},
				Action: inspectAction,
			},
			{
				Name:  "history",
				Usage: "list runs recorded in the SQLite ledger",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ledger", Usage: "SQLite ledger path"},
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "number of runs to show"},
					&cli.StringFlag{Name: "run", Usage: "show the failed documents of a run"},
				},
				Action: historyAction,
			},
			{
				Name:      "verify",
				Usage:     "check exported PDF files and print their page counts",
				ArgsUsage: "<file.pdf>...",
				Action:    verifyAction,
			},
		},
		// Errors are reported once by main.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

// loadConfig reads --config, or the defaults, and applies the global
// flags.
func loadConfig(c *cli.Context) (*config.File, error) {
	f := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if f, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if c.IsSet("log-format") {
		f.Log.Format = c.String("log-format")
	}
	if c.IsSet("quiet") {
		f.Log.Quiet = c.Bool("quiet")
	}
	return f, nil
}

// newLogger builds the stderr logger. stdout is reserved for YAML output.
func newLogger(f *config.File) *slog.Logger {
	level := slog.LevelInfo
	if f.Log.Quiet {
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if f.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
