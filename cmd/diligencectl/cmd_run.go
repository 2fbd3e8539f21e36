package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/app"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/config"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/evidence"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/formatting"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/orchestrator"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/streaming"
)

var runFlags struct {
	configPath string
	thesisDir  string
	thesisID   string
	targetID   string
	name       string
	domain     string
	timeout    time.Duration
	out        string
	format     string
	verbose    bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one execution locally with in-memory stores",
	Long: "Builds the pipeline from the service configuration with in-memory stores,\n" +
		"runs one execution against the target, prints progress to stderr and\n" +
		"writes the report as JSON.",
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.configPath, "config", "", "Service config file (defaults apply when empty)")
	f.StringVar(&runFlags.thesisDir, "thesis-dir", "", "Directory of thesis yaml files overlaying the presets")
	f.StringVar(&runFlags.thesisID, "thesis", "general", "Thesis id")
	f.StringVar(&runFlags.targetID, "target-id", "", "Target id (defaults to the domain)")
	f.StringVar(&runFlags.name, "name", "", "Company name (required)")
	f.StringVar(&runFlags.domain, "domain", "", "Company domain")
	f.DurationVar(&runFlags.timeout, "timeout", 30*time.Minute, "Give up and cancel after this long")
	f.StringVar(&runFlags.out, "out", "", "Write the report here instead of stdout")
	f.StringVar(&runFlags.format, "format", "json", "Report format: json or markdown")
	f.BoolVarP(&runFlags.verbose, "verbose", "v", false, "Debug logging")

	_ = runCmd.MarkFlagRequired("name")
}

func runRun(cmd *cobra.Command, _ []string) error {
	switch runFlags.format {
	case "json", "markdown":
	default:
		return fmt.Errorf("unknown report format %q", runFlags.format)
	}
	cfg, err := config.LoadFile(runFlags.configPath, runFlags.configPath != "")
	if err != nil {
		return err
	}
	cfg.Database.Driver = "memory"
	cfg.Redis.Addr = ""
	cfg.ThesisDir = runFlags.thesisDir

	logger, err := cliLogger(runFlags.verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runFlags.timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	targetID := runFlags.targetID
	if targetID == "" {
		targetID = runFlags.domain
	}
	if targetID == "" {
		targetID = runFlags.name
	}
	exec, err := a.Orchestrator.Start(ctx, orchestrator.RunRequest{
		Target:      orchestrator.Target{ID: targetID, Name: runFlags.name, Domain: runFlags.domain},
		ThesisID:    runFlags.thesisID,
		RequestedBy: "diligencectl",
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "execution %s started (%d stages)\n", exec.ID, exec.TotalStages)

	events := a.Stream.Subscribe(exec.ID, 64)
	defer a.Stream.Unsubscribe(exec.ID, events)
	go printProgress(cmd.ErrOrStderr(), events)

	final, err := a.Orchestrator.Wait(ctx, exec.ID)
	if err != nil {
		// Interrupted or timed out: cancel and record the final state.
		_, _ = a.Orchestrator.Intervene(context.Background(), orchestrator.InterventionRequest{
			ExecutionID: exec.ID,
			Type:        models.InterventionCancel,
			Reason:      err.Error(),
			RequestedBy: "diligencectl",
		})
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer waitCancel()
		if final, err = a.Orchestrator.Wait(waitCtx, exec.ID); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "execution %s %s: %d/%d stages completed, %d evidence items\n",
		final.ID, final.Status, final.CompletedStages, final.TotalStages, final.TotalEvidence)

	if final.ReportID == "" {
		if final.LastError != "" {
			return fmt.Errorf("execution %s %s: %s", final.ID, final.Status, final.LastError)
		}
		return fmt.Errorf("execution %s %s without a report", final.ID, final.Status)
	}
	rep, err := a.Orchestrator.Report(context.Background(), final.ID)
	if err != nil {
		return err
	}
	body, err := renderReport(runFlags.format, a.Evidence.Store(), rep)
	if err != nil {
		return err
	}
	return writeReport(cmd.OutOrStdout(), runFlags.out, body)
}

func renderReport(format string, store evidence.Store, rep *models.Report) ([]byte, error) {
	if format == "markdown" {
		return []byte(formatting.Markdown(rep, citedEvidence(store, rep))), nil
	}
	body, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}

func citedEvidence(store evidence.Store, rep *models.Report) map[string]*models.EvidenceItem {
	out := make(map[string]*models.EvidenceItem)
	for _, id := range formatting.CitedEvidence(rep) {
		if it, err := store.GetItem(context.Background(), id); err == nil {
			out[id] = it
		}
	}
	return out
}

func printProgress(w io.Writer, events <-chan streaming.Event) {
	for evt := range events {
		switch {
		case evt.Stage != "" && evt.Status != "":
			fmt.Fprintf(w, "  %-24s %-18s %s\n", evt.Type, evt.Stage, evt.Status)
		case evt.Message != "":
			fmt.Fprintf(w, "  %-24s %s\n", evt.Type, evt.Message)
		default:
			fmt.Fprintf(w, "  %s\n", evt.Type)
		}
	}
}

func writeReport(stdout io.Writer, path string, body []byte) error {
	if path == "" {
		_, err := stdout.Write(body)
		return err
	}
	return os.WriteFile(path, body, 0o644)
}

func cliLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}
