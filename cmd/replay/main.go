package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/danielpatrickdp/evolution-engine/internal/replay"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to evolve.db (DB mode)")
	fixturePath := flag.String("fixture", "", "path to fixture JSON (fixture mode)")
	jsonOut := flag.Bool("json", false, "print steps and summary as JSON")
	flag.Parse()

	if (*dbPath == "" && *fixturePath == "") || (*dbPath != "" && *fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --db path/to/evolve.db [--json]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/fixture.json")
		os.Exit(2)
	}

	var exitCode int
	if *fixturePath != "" {
		exitCode = runFixtureMode(*fixturePath)
	} else {
		exitCode = runDBMode(*dbPath, *jsonOut)
	}
	os.Exit(exitCode)
}

// #endregion main

// #region db-mode

// runDBMode replays the local record stream from the first committed document
// and compares the end point with the active one.
func runDBMode(dbPath string, jsonOut bool) int {
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 1
	}
	store, err := state.NewStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx := context.Background()
	initial, err := store.FirstDocument(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "first document: %v\n", err)
		return 1
	}
	records, err := store.Records(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "records: %v\n", err)
		return 1
	}
	current, err := store.Current(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "current document: %v\n", err)
		return 1
	}

	steps := replay.Replay(initial, records)
	summary := replay.Summarize(initial, steps, current)

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(struct {
			Steps   []replay.Step  `json:"steps"`
			Summary replay.Summary `json:"summary"`
		}{steps, summary})
	} else {
		printSteps(steps)
		printSummary(summary)
	}
	if summary.Mismatches > 0 {
		return 1
	}
	return 0
}

func printSteps(steps []replay.Step) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RECORD\tACTION\tKIND\tVERSION\tFITNESS\tMISMATCH")
	for _, s := range steps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\n", s.RecordID, s.Action, s.Kind, s.Version, s.Fitness, s.Mismatch)
	}
	w.Flush()
}

func printSummary(s replay.Summary) {
	fmt.Println()
	fmt.Printf("records:     %d (%d applied, %d rolled back)\n", s.Records, s.Applied, s.RolledBack)
	fmt.Printf("final:       version %d, fitness %.2f\n", s.FinalVersion, s.FinalFitness)
	fmt.Printf("mismatches:  %d\n", s.Mismatches)
	for _, p := range s.Problems {
		fmt.Printf("  - %s\n", p)
	}
}

// #endregion db-mode

// #region fixture-mode

func runFixtureMode(path string) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	summary, diffs := f.Check()
	fmt.Printf("fixture: %s\n", f.Description)
	printSummary(summary)
	if len(diffs) > 0 {
		fmt.Println("\nDRIFT:")
		for _, d := range diffs {
			fmt.Printf("  - %s\n", d)
		}
		return 1
	}
	fmt.Println("\nfixture matches")
	return 0
}

// #endregion fixture-mode
