// Command snapshot-diff compares two stored snapshots and prints the
// structural diff as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"bakeops/internal/app"
	"bakeops/internal/config"
	"bakeops/internal/logger"
)

var exitFunc = os.Exit

// exitChanged is returned with -fail-on-change when the payloads differ.
const exitChanged = 3

func main() {
	exitFunc(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("snapshot-diff", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env", "", "optional .env file")
	older := fs.String("older", "", "key of the older snapshot")
	newer := fs.String("newer", "", "key of the newer snapshot")
	failOnChange := fs.Bool("fail-on-change", false, "exit 3 when the snapshots differ")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *older == "" || *newer == "" {
		fmt.Fprintln(stderr, "snapshot-diff: -older and -newer are required")
		return 2
	}

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		fmt.Fprintf(stderr, "snapshot-diff: %v\n", err)
		return 1
	}
	a, err := app.New(ctx, cfg, app.WithLogger(logger.Nop()))
	if err != nil {
		fmt.Fprintf(stderr, "snapshot-diff: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	diff, err := a.Service.CompareSnapshots(ctx, *older, *newer)
	if err != nil {
		fmt.Fprintf(stderr, "snapshot-diff: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(diff); err != nil {
		fmt.Fprintf(stderr, "snapshot-diff: encode: %v\n", err)
		return 1
	}
	if *failOnChange && !diff.Empty() {
		return exitChanged
	}
	return 0
}
