package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/user/multirole-blue/logger"
	"github.com/user/multirole-blue/testreport"
	"github.com/user/multirole-blue/tests"
)

func main() {
	scenarioPath := flag.String("scenario", "", "Scenario JSON file, or a directory of them")
	outDir := flag.String("out", "", "Directory for image and journal files (default: a temp dir)")
	logLevel := flag.String("log-level", "WARN", "TRACE, DEBUG, INFO, WARN or ERROR")
	parallel := flag.Int("parallel", 4, "Scenarios run at once")
	report := flag.Bool("report", false, "Write a markdown link report from the journals (needs --out)")
	flag.Parse()

	if *scenarioPath == "" {
		fmt.Println("Usage: replay --scenario <path-to-scenario.json|dir>")
		fmt.Println("\nExample:")
		fmt.Println("  go run ./cmd/replay --scenario tests/scenarios/update_reset.json")
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(*logLevel))

	paths, err := scenarioFiles(*scenarioPath)
	if err != nil {
		log.Fatalf("Failed to find scenarios: %v", err)
	}

	base := *outDir
	if base == "" {
		base, err = os.MkdirTemp("", "multirole-replay-")
		if err != nil {
			log.Fatalf("Failed to create output dir: %v", err)
		}
		defer os.RemoveAll(base)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reports := make([]bytes.Buffer, len(paths))
	passed := make([]bool, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(*parallel)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			ok, err := replay(ctx, path, filepath.Join(base, fmt.Sprintf("%02d", i)), &reports[i])
			passed[i] = ok
			return err
		})
	}
	runErr := g.Wait()

	failed := 0
	for i := range paths {
		os.Stdout.Write(reports[i].Bytes())
		if !passed[i] {
			failed++
		}
	}
	if runErr != nil {
		log.Fatalf("Replay aborted: %v", runErr)
	}

	fmt.Printf("\n%d/%d scenarios passed\n", len(paths)-failed, len(paths))
	if *report && *outDir != "" {
		path, issues, err := testreport.Generate(base)
		if err != nil {
			log.Fatalf("Failed to write report: %v", err)
		}
		fmt.Printf("Link report: %s (%d issues)\n", path, len(issues))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// scenarioFiles expands a directory into the scenario files it holds
func scenarioFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	paths, err := filepath.Glob(filepath.Join(path, "*.json"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", path)
	}
	return paths, nil
}

// replay runs one scenario and writes its report to w. Validation failures
// and failed assertions are reported, not returned.
func replay(ctx context.Context, path, dir string, w *bytes.Buffer) (bool, error) {
	scenario, err := tests.LoadScenario(path)
	if err != nil {
		return false, err
	}

	fmt.Fprintf(w, "=== Running Scenario: %s ===\n", scenario.Name)
	fmt.Fprintf(w, "Peers: %d\n", len(scenario.Peers))
	fmt.Fprintf(w, "Events: %d\n", len(scenario.Timeline))

	if errs := scenario.Validate(); len(errs) > 0 {
		fmt.Fprintln(w, "Scenario validation failed:")
		for _, e := range errs {
			fmt.Fprintf(w, "  - %s\n", e)
		}
		return false, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, err
	}
	runner := tests.NewScenarioRunner(scenario, dir)
	if err := runner.Setup(ctx); err != nil {
		return false, fmt.Errorf("%s: setup: %w", scenario.Name, err)
	}
	defer runner.Close()

	if err := runner.Run(ctx); err != nil {
		return false, fmt.Errorf("%s: %w", scenario.Name, err)
	}
	runner.CheckAssertions(ctx)
	runner.PrintReport(w)
	fmt.Fprintf(w, "Journal: %s\n\n", runner.JournalPath())
	return runner.Passed(), nil
}
