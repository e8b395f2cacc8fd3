package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/evolution-engine/internal/replay"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to evolve.db")
	last := flag.Int("last", 0, "export only the N most recent records (0 = all)")
	outPath := flag.String("out", "", "output fixture JSON path")
	desc := flag.String("description", "", "fixture description")
	flag.Parse()

	if *dbPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path/to/evolve.db --out path/to/fixture.json [--last N] [--description text]")
		os.Exit(2)
	}

	if err := run(*dbPath, *last, *outPath, *desc); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region export

// run writes a fixture whose expectation is what replay computes today. When
// --last trims the stream, the start point is replayed forward over the
// dropped prefix so the fixture stays self-consistent.
func run(dbPath string, last int, outPath, desc string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	store, err := state.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	initial, err := store.FirstDocument(ctx)
	if err != nil {
		return fmt.Errorf("first document: %w", err)
	}
	records, err := store.Records(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no mutation records in %s", dbPath)
	}

	if last > 0 && len(records) > last {
		cut := len(records) - last
		steps := replay.Replay(initial, records[:cut])
		end := steps[len(steps)-1]
		initial = initial.Clone()
		initial.Version, initial.FitnessScore = end.Version, end.Fitness
		records = records[cut:]
	}
	if desc == "" {
		desc = fmt.Sprintf("%d records exported from %s", len(records), dbPath)
	}

	f := replay.NewFixture(desc, initial, records)
	if err := f.Write(outPath); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s: %d records, expected version %d fitness %.2f (%d mismatches)\n",
		outPath, len(records), f.Expected.Version, f.Expected.Fitness, f.Expected.Mismatches)
	return nil
}

// #endregion export
