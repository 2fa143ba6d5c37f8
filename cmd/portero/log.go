package main

import (
	"fmt"
	"strings"

	"github.com/davidahmann/portero/core/accesslog"
	"github.com/davidahmann/portero/core/config"
	porterrors "github.com/davidahmann/portero/core/errors"
)

type logVerifyOutput struct {
	OK         bool     `json:"ok"`
	Path       string   `json:"path"`
	Records    int      `json:"records"`
	Duplicates []string `json:"duplicates,omitempty"`
	BadDigests []string `json:"bad_digests,omitempty"`
	Invalid    []string `json:"invalid,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func runLog(arguments []string) int {
	if len(arguments) == 0 || arguments[0] != "verify" {
		printUsage()
		return exitInvalidInput
	}
	return runLogVerify(arguments[1:])
}

func runLogVerify(arguments []string) int {
	flagSet := newFlagSet("log verify")
	configPath := flagSet.String("config", config.DefaultPath, "path to config file")
	path := flagSet.String("path", "", "JSONL access log, defaults to access_log.path")
	jsonOutput := flagSet.Bool("json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeFailure(*jsonOutput, "log verify", err, exitInvalidInput)
	}
	target := strings.TrimSpace(*path)
	if target == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return writeFailure(*jsonOutput, "log verify", err, exitInvalidInput)
		}
		if cfg.AccessLog.Backend != config.BackendJSONL {
			return writeFailure(*jsonOutput, "log verify", invalidConfig(fmt.Errorf("access_log.backend %q has no file to verify", cfg.AccessLog.Backend)), exitInvalidInput)
		}
		target = cfg.AccessLog.Path
	}

	report, err := accesslog.Verify(target)
	if err != nil {
		return writeFailure(*jsonOutput, "log verify", porterrors.Wrap(err, porterrors.CategoryIOFailure, "access_log_unreadable", "check the access log path", false), exitInternalFailure)
	}
	output := logVerifyOutput{
		OK:         report.OK(),
		Path:       target,
		Records:    report.Records,
		Duplicates: report.Duplicates,
		BadDigests: report.BadDigests,
		Invalid:    report.Invalid,
	}
	exitCode := exitOK
	if !report.OK() {
		output.Error = "access log verification failed"
		exitCode = exitVerifyFailed
	}
	if *jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	_, _ = fmt.Fprintf(stdout, "path=%s\n", target)
	_, _ = fmt.Fprintf(stdout, "records=%d\n", report.Records)
	for _, callID := range report.Duplicates {
		_, _ = fmt.Fprintf(stdout, "duplicate=%s\n", callID)
	}
	for _, callID := range report.BadDigests {
		_, _ = fmt.Fprintf(stdout, "bad_digest=%s\n", callID)
	}
	for _, problem := range report.Invalid {
		_, _ = fmt.Fprintf(stdout, "invalid=%s\n", problem)
	}
	if report.OK() {
		_, _ = fmt.Fprintln(stdout, "verify=ok")
	} else {
		_, _ = fmt.Fprintln(stdout, "verify=failed")
	}
	return exitCode
}
