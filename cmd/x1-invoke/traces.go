package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/fortiblox/x1-invoke/pkg/svm/trace"
)

var (
	limitFlag = &cli.IntFlag{
		Name:  "limit",
		Usage: "Maximum number of traces to list (0 = all)",
		Value: 20,
	}
	idFlag = &cli.Uint64Flag{
		Name:  "id",
		Usage: "Trace id",
	}
	fileFlag = &cli.StringFlag{
		Name:  "file",
		Usage: "Read an exported trace file instead of the archive",
	}
)

var tracesCommand = &cli.Command{
	Name:  "traces",
	Usage: "Inspect archived traces",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List archived traces, newest first",
			Flags:  []cli.Flag{archiveFlag, limitFlag},
			Action: listTraces,
		},
		{
			Name:   "show",
			Usage:  "Print an archived or exported trace",
			Flags:  []cli.Flag{archiveFlag, idFlag, fileFlag, compressFlag},
			Action: showTrace,
		},
	},
}

func listTraces(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	store, err := openArchive(cfg.Archive, true)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.List(ctx.Int(limitFlag.Name))
	if err != nil {
		return err
	}
	w := ctx.App.Writer
	for _, r := range recs {
		status := "ok"
		if r.Failed() {
			status = r.Status
		}
		fmt.Fprintf(w, "%6d  %s  %-24s entries=%d consumed=%d  %s\n",
			r.ID, r.Created.Format("2006-01-02 15:04:05"), r.Label, r.Entries, r.Consumed, status)
	}
	return nil
}

func showTrace(ctx *cli.Context) error {
	var entries []trace.Entry
	if path := ctx.String(fileFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if entries, err = trace.Unmarshal(data); err != nil {
			return err
		}
	} else {
		if !ctx.IsSet(idFlag.Name) {
			return fmt.Errorf("either --%s or --%s is required", idFlag.Name, fileFlag.Name)
		}
		cfg, err := makeConfig(ctx)
		if err != nil {
			return err
		}
		store, err := openArchive(cfg.Archive, true)
		if err != nil {
			return err
		}
		defer store.Close()

		rec, got, err := store.Get(ctx.Uint64(idFlag.Name))
		if err != nil {
			return err
		}
		entries = got
		fmt.Fprintf(ctx.App.Writer, "Trace %d %s (%s)\n", rec.ID, rec.Label, rec.Digest)
	}
	printTrace(ctx.App.Writer, entries, ctx.Bool(compressFlag.Name))
	return nil
}
