package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/fortiblox/x1-invoke/pkg/svm/executor"
	"github.com/fortiblox/x1-invoke/pkg/svm/programs/system"
	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
	"github.com/fortiblox/x1-invoke/pkg/svm/trace"
)

var (
	scriptFlag = &cli.StringFlag{
		Name:     "script",
		Usage:    "JSON scenario to run",
		Required: true,
	}
	traceOutFlag = &cli.StringFlag{
		Name:  "trace-out",
		Usage: "Write the drained trace in export format to this file",
	}
	compressFlag = &cli.BoolFlag{
		Name:  "compress",
		Usage: "Print the trace as runs of repeated syscall exits",
	}
)

var runCommand = &cli.Command{
	Name:      "run",
	Usage:     "Run a scripted transaction",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		scriptFlag, traceOutFlag, compressFlag,
		budgetFlag, priorityFeeFlag, maxDepthFlag, accountsDBFlag, archiveFlag,
	},
	Action: runScript,
}

func runScript(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	script, err := readScript(ctx.String(scriptFlag.Name))
	if err != nil {
		return err
	}
	res, err := execute(cfg, script)
	if err != nil {
		return err
	}

	printResult(ctx.App.Writer, res, ctx.Bool(compressFlag.Name))

	if path := ctx.String(traceOutFlag.Name); path != "" {
		data, err := trace.Marshal(res.Trace)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return err
		}
	}
	if cfg.Archive.Path != "" {
		store, err := openArchive(cfg.Archive, false)
		if err != nil {
			return err
		}
		defer store.Close()
		rec, err := store.Put(script.Name, res.Err, res.Trace)
		if err != nil {
			return err
		}
		if _, err := store.Prune(cfg.Archive.Retain); err != nil {
			logger.Warn("Trace pruning failed", "err", err)
		}
		fmt.Fprintf(ctx.App.Writer, "Archived trace %d (%s)\n", rec.ID, rec.Digest)
	}
	return nil
}

// execute runs script in one transaction and returns the result.
func execute(cfg x1Config, script *Script) (*executor.ExecutionResult, error) {
	registry, err := makeRegistry(cfg.Syscalls)
	if err != nil {
		return nil, err
	}
	tables, err := syscall.NewTableCache(registry, cfg.Syscalls.CacheSize)
	if err != nil {
		return nil, err
	}
	db, err := openAccounts(cfg.Accounts)
	if err != nil {
		return nil, err
	}
	defer closeAccounts(db)
	if err := script.seed(db); err != nil {
		return nil, fmt.Errorf("seed accounts: %w", err)
	}

	cfg.Invoke.Logger = logger
	exec, err := executor.New(db, tables, cfg.Invoke)
	if err != nil {
		return nil, err
	}
	exec.RegisterProgram(system.ProgramID, system.Program())
	budget := cfg.Budget
	if script.Budget != 0 {
		budget.Base = script.Budget
	}
	limits, err := budget.limits(cfg.Invoke.HeapSize)
	if err != nil {
		return nil, err
	}
	logger.Info("Running script", "name", script.Name, "budget", limits.ComputeUnitLimit,
		"price", limits.ComputeUnitPrice, "steps", len(script.Steps))

	sess, err := exec.NewSession(uint64(limits.ComputeUnitLimit))
	if err != nil {
		return nil, err
	}
	if err := script.runSteps(sess); err != nil {
		return nil, err
	}
	return sess.Finish()
}

func printResult(w io.Writer, res *executor.ExecutionResult, compress bool) {
	status := "success"
	if !res.Success {
		status = "failed: " + res.Error
	}
	fmt.Fprintf(w, "Status:    %s\n", status)
	fmt.Fprintf(w, "Consumed:  %d\n", res.ComputeUnitsUsed)
	fmt.Fprintf(w, "Remaining: %d\n", res.Remaining)
	if len(res.ReturnData) > 0 {
		fmt.Fprintf(w, "Return:    %s %x\n", res.ReturnProgram, res.ReturnData)
	}
	for _, key := range res.ModifiedAccounts {
		fmt.Fprintf(w, "Modified:  %s\n", key)
	}
	if len(res.ModifiedAccounts) > 0 {
		fmt.Fprintf(w, "Delta:     %s\n", res.AccountsDeltaHash)
	}

	fmt.Fprintln(w, "Logs:")
	for _, l := range res.Logs {
		fmt.Fprintf(w, "  %s\n", l)
	}
	fmt.Fprintln(w, "Trace:")
	printTrace(w, res.Trace, compress)
}

func printTrace(w io.Writer, entries []trace.Entry, compress bool) {
	if !compress {
		for _, e := range entries {
			fmt.Fprintf(w, "  %s\n", e)
		}
		return
	}
	for _, r := range trace.Compress(entries) {
		fmt.Fprintf(w, "  #%d %s depth=%d %s", r.FirstOrdinal, r.Kind, r.Depth, r.Label)
		if r.Outcome != "" {
			fmt.Fprintf(w, " [%s]", r.Outcome)
		}
		if r.Count() > 1 {
			fmt.Fprintf(w, " x%d", r.Count())
		}
		fmt.Fprintf(w, " units=%d\n", r.TotalConsumed())
	}
}
