package main

import (
	"context"
	"fmt"
	"time"

	"github.com/davidahmann/portero/core/checkpoint"
	"github.com/davidahmann/portero/core/config"
	"github.com/davidahmann/portero/core/logx"
	"github.com/davidahmann/portero/core/schema/v1/access"
)

type checkpointSummary struct {
	CallID    string          `json:"call_id"`
	TenantID  string          `json:"tenant_id"`
	Phase     access.Phase    `json:"phase"`
	Version   int64           `json:"version"`
	Decision  access.Decision `json:"decision"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type checkpointListOutput struct {
	OK      bool                `json:"ok"`
	Backend string              `json:"backend,omitempty"`
	Active  []checkpointSummary `json:"active"`
	Corrupt []string            `json:"corrupt,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type checkpointInspectOutput struct {
	OK     bool                     `json:"ok"`
	Record *access.CheckpointRecord `json:"record,omitempty"`
	Error  string                   `json:"error,omitempty"`
}

type checkpointGCOutput struct {
	OK              bool      `json:"ok"`
	FinalizedBefore time.Time `json:"finalized_before"`
	Removed         int       `json:"removed"`
	Error           string    `json:"error,omitempty"`
}

func runCheckpoint(arguments []string) int {
	if len(arguments) == 0 {
		printUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "list":
		return runCheckpointList(arguments[1:])
	case "inspect":
		return runCheckpointInspect(arguments[1:])
	case "gc":
		return runCheckpointGC(arguments[1:])
	default:
		printUsage()
		return exitInvalidInput
	}
}

// openCheckpointStore opens the configured store for offline commands.
func openCheckpointStore(ctx context.Context, configPath string) (checkpoint.Store, config.Config, func(), error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	rt := newRuntime(cfg, logx.Discard())
	store, err := rt.openStore(ctx)
	if err != nil {
		rt.Close()
		return nil, config.Config{}, nil, err
	}
	return store, cfg, rt.Close, nil
}

func runCheckpointList(arguments []string) int {
	flagSet := newFlagSet("checkpoint list")
	configPath := flagSet.String("config", config.DefaultPath, "path to config file")
	jsonOutput := flagSet.Bool("json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeFailure(*jsonOutput, "checkpoint list", err, exitInvalidInput)
	}
	ctx := context.Background()
	store, cfg, closeStore, err := openCheckpointStore(ctx, *configPath)
	if err != nil {
		return writeFailure(*jsonOutput, "checkpoint list", err, exitInvalidInput)
	}
	defer closeStore()

	records, err := store.ListActive(ctx)
	corrupt := checkpoint.CorruptCallIDs(err)
	if err != nil && len(corrupt) == 0 {
		return writeFailure(*jsonOutput, "checkpoint list", err, exitInternalFailure)
	}
	output := checkpointListOutput{OK: len(corrupt) == 0, Backend: cfg.Checkpoint.Backend, Active: make([]checkpointSummary, 0, len(records)), Corrupt: corrupt}
	for _, record := range records {
		output.Active = append(output.Active, checkpointSummary{
			CallID:    record.CallID,
			TenantID:  record.TenantID,
			Phase:     record.Phase,
			Version:   record.Version,
			Decision:  record.State.Decision,
			UpdatedAt: record.UpdatedAt,
		})
	}
	exitCode := exitOK
	if len(corrupt) > 0 {
		output.Error = fmt.Sprintf("%d corrupt checkpoint(s)", len(corrupt))
		exitCode = exitVerifyFailed
	}
	if *jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	for _, summary := range output.Active {
		_, _ = fmt.Fprintf(stdout, "%s tenant=%s phase=%s version=%d\n", summary.CallID, summary.TenantID, summary.Phase, summary.Version)
	}
	for _, callID := range corrupt {
		_, _ = fmt.Fprintf(stdout, "%s corrupt\n", callID)
	}
	_, _ = fmt.Fprintf(stdout, "active=%d corrupt=%d\n", len(output.Active), len(corrupt))
	return exitCode
}

func runCheckpointInspect(arguments []string) int {
	flagSet := newFlagSet("checkpoint inspect")
	configPath := flagSet.String("config", config.DefaultPath, "path to config file")
	jsonOutput := flagSet.Bool("json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeFailure(*jsonOutput, "checkpoint inspect", err, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		return writeFailure(*jsonOutput, "checkpoint inspect", invalidConfig(fmt.Errorf("expected exactly one call_id")), exitInvalidInput)
	}
	ctx := context.Background()
	store, _, closeStore, err := openCheckpointStore(ctx, *configPath)
	if err != nil {
		return writeFailure(*jsonOutput, "checkpoint inspect", err, exitInvalidInput)
	}
	defer closeStore()

	record, err := store.Load(ctx, flagSet.Arg(0))
	if err != nil {
		return writeFailure(*jsonOutput, "checkpoint inspect", err, exitInvalidInput)
	}
	if *jsonOutput {
		return writeJSONOutput(checkpointInspectOutput{OK: true, Record: &record}, exitOK)
	}
	_, _ = fmt.Fprintf(stdout, "call_id=%s\n", record.CallID)
	_, _ = fmt.Fprintf(stdout, "tenant_id=%s\n", record.TenantID)
	_, _ = fmt.Fprintf(stdout, "phase=%s\n", record.Phase)
	_, _ = fmt.Fprintf(stdout, "version=%d\n", record.Version)
	_, _ = fmt.Fprintf(stdout, "decision=%s\n", record.State.Decision)
	_, _ = fmt.Fprintf(stdout, "reason=%s\n", record.State.ReasonCode)
	_, _ = fmt.Fprintf(stdout, "actuation_attempted=%t\n", record.State.ActuationAttempted)
	_, _ = fmt.Fprintf(stdout, "finalized=%t\n", record.Finalized)
	_, _ = fmt.Fprintf(stdout, "digest=%s\n", record.Digest)
	return exitOK
}

func runCheckpointGC(arguments []string) int {
	flagSet := newFlagSet("checkpoint gc")
	configPath := flagSet.String("config", config.DefaultPath, "path to config file")
	retention := flagSet.String("retention", "", "drop finalized checkpoints older than this, overrides checkpoint.retention")
	jsonOutput := flagSet.Bool("json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeFailure(*jsonOutput, "checkpoint gc", err, exitInvalidInput)
	}
	ctx := context.Background()
	store, cfg, closeStore, err := openCheckpointStore(ctx, *configPath)
	if err != nil {
		return writeFailure(*jsonOutput, "checkpoint gc", err, exitInvalidInput)
	}
	defer closeStore()

	window := cfg.Checkpoint.Retention
	if *retention != "" {
		window = *retention
	}
	keep, err := config.ParseDuration("retention", window)
	if err != nil {
		return writeFailure(*jsonOutput, "checkpoint gc", invalidConfig(err), exitInvalidInput)
	}
	cutoff := time.Now().UTC().Add(-keep)
	removed, err := store.Sweep(ctx, cutoff)
	if err != nil {
		return writeFailure(*jsonOutput, "checkpoint gc", err, exitInternalFailure)
	}
	if *jsonOutput {
		return writeJSONOutput(checkpointGCOutput{OK: true, FinalizedBefore: cutoff, Removed: removed}, exitOK)
	}
	_, _ = fmt.Fprintf(stdout, "removed=%d\n", removed)
	return exitOK
}
