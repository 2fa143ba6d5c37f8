package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

type errorOutput struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		_, _ = fmt.Fprintln(stdout, "portero", version)
		return exitOK
	}
	switch arguments[1] {
	case "serve":
		return runServe(arguments[2:])
	case "simulate":
		return runSimulate(arguments[2:])
	case "checkpoint":
		return runCheckpoint(arguments[2:])
	case "log":
		return runLog(arguments[2:])
	case "version", "--version", "-v":
		_, _ = fmt.Fprintln(stdout, "portero", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage()
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	_, _ = fmt.Fprintln(stdout, "Usage:")
	_, _ = fmt.Fprintln(stdout, "  portero serve [--config <path>] [--listen <addr>]")
	_, _ = fmt.Fprintln(stdout, "  portero simulate --fixture <path> [--json]")
	_, _ = fmt.Fprintln(stdout, "  portero checkpoint list|inspect <call_id>|gc [--config <path>] [--json]")
	_, _ = fmt.Fprintln(stdout, "  portero log verify [--path <access.jsonl>] [--config <path>] [--json]")
	_, _ = fmt.Fprintln(stdout, "  portero version")
}

func newFlagSet(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	return flagSet
}

// writeFailure reports err in the shared error envelope or as a plain line.
func writeFailure(jsonOutput bool, command string, err error, fallbackExit int) int {
	exitCode := exitCodeForError(err, fallbackExit)
	if jsonOutput {
		code, category, hint := errorFields(err)
		return writeJSONOutput(errorOutput{
			OK:            false,
			Error:         err.Error(),
			ErrorCode:     code,
			ErrorCategory: category,
			Hint:          hint,
		}, exitCode)
	}
	_, _ = fmt.Fprintf(stderr, "%s error: %v\n", command, err)
	return exitCode
}

func printWarning(format string, args ...any) {
	_, _ = fmt.Fprintf(stderr, "portero warning: "+strings.TrimSuffix(format, "\n")+"\n", args...)
}
