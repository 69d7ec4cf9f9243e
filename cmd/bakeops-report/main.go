// Command bakeops-report prints ledger valuations as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"bakeops/internal/app"
	"bakeops/internal/config"
	"bakeops/internal/core"
	"bakeops/internal/logger"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bakeops-report", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env", "", "optional .env file")
	scope := fs.String("scope", "", "bakery scope id")
	ingredients := fs.String("ingredient", "", "comma separated ingredient ids")
	days := fs.Int("days", core.DefaultExpiryWindowDays, "expiring-soon window in days")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *scope == "" || *ingredients == "" {
		fmt.Fprintln(stderr, "bakeops-report: -scope and -ingredient are required")
		return 2
	}

	cfg, err := loadConfig(*envFile)
	if err != nil {
		fmt.Fprintf(stderr, "bakeops-report: %v\n", err)
		return 1
	}
	a, err := app.New(ctx, cfg, app.WithLogger(logger.Nop()))
	if err != nil {
		fmt.Fprintf(stderr, "bakeops-report: %v\n", err)
		return 1
	}
	defer func() { _ = a.Close() }()

	var reports []core.ValuationReport
	for _, id := range strings.Split(*ingredients, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		report, err := a.Service.LedgerValuation(ctx, *scope, id, *days)
		if err != nil {
			fmt.Fprintf(stderr, "bakeops-report: %s: %v\n", id, err)
			return 1
		}
		reports = append(reports, report)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		fmt.Fprintf(stderr, "bakeops-report: encode: %v\n", err)
		return 1
	}
	return 0
}

func loadConfig(envFile string) (config.Config, error) {
	if envFile == "" {
		return config.Load()
	}
	return config.Load(envFile)
}
