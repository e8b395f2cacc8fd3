package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// #region main
var (
	dbPath  string
	last    int
	jsonOut bool
	store   *state.Store
)

var rootCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Read the local evolution database without a running daemon",
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := os.Stat(dbPath); err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		var err error
		store, err = state.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if store != nil {
			store.Close()
		}
	},
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "evolve.db", "path to the evolution database")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of a table")
	rootCmd.PersistentFlags().IntVar(&last, "last", 20, "show N most recent entries")
	rootCmd.AddCommand(currentCmd, documentsCmd, recordsCmd, snapshotsCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}
// #endregion main

// #region current
var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Print the active document",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		doc, err := store.Current(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(doc)
		}
		sum, err := doc.Checksum()
		if err != nil {
			return err
		}
		w := table()
		fmt.Fprintf(w, "version\t%d\n", doc.Version)
		fmt.Fprintf(w, "fitness\t%.2f\n", doc.FitnessScore)
		fmt.Fprintf(w, "checksum\t%s\n", sum)
		fmt.Fprintf(w, "created\t%s\n", doc.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "modified\t%s\n", doc.LastModified.Format(time.RFC3339))
		t := doc.Traits
		fmt.Fprintf(w, "channels\t%d\n", t.CommunicationChannels)
		fmt.Fprintf(w, "storage backends\t%d\n", t.StorageBackends)
		fmt.Fprintf(w, "intelligence\t%d\n", t.IntelligenceLevel)
		fmt.Fprintf(w, "protocol\t%d\n", t.ProtocolVersion)
		fmt.Fprintf(w, "autonomy\t%.2f\n", t.AutonomyLevel)
		fmt.Fprintf(w, "providers\t%v\n", t.Providers)
		fmt.Fprintf(w, "plugins\t%v\n", t.Plugins)
		fmt.Fprintf(w, "history\t%d records\n", len(doc.MutationHistory))
		return w.Flush()
	},
}
// #endregion current

// #region documents
var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List committed document versions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rows, err := store.ListDocuments(cmd.Context(), last)
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "no documents found")
			return nil
		}
		w := table()
		fmt.Fprintln(w, "SEQ\tVERSION\tFITNESS\tCHECKSUM\tCREATED")
		for _, r := range rows {
			fmt.Fprintf(w, "%d\t%d\t%.2f\t%s\t%s\n", r.Seq, r.Version, r.FitnessScore, shortSum(r.Checksum), r.CreatedAt)
		}
		return w.Flush()
	},
}

func shortSum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
// #endregion documents

// #region records
var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List the most recent mutation records, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		recs, err := tail(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(recs)
		}
		w := table()
		fmt.Fprintln(w, "TIME\tKIND\tVERSION\tDELTA\tRISK\tORIGIN\tAUTO\tDESCRIPTION")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%+.2f\t%.3f\t%s\t%t\t%s\n", r.Timestamp.Format(time.RFC3339), r.Kind,
				r.ResultingVersion, r.FitnessDelta, r.RiskScore, r.Origin, r.AutoApproved, r.Description)
		}
		return w.Flush()
	},
}

func tail(ctx context.Context) ([]state.MutationRecord, error) {
	recs, err := store.Records(ctx)
	if err != nil {
		return nil, err
	}
	if last > 0 && len(recs) > last {
		recs = recs[len(recs)-last:]
	}
	return recs, nil
}
// #endregion records

// #region snapshots
var snapshotsCmd = &cobra.Command{
	Use:   "snapshots [id]",
	Short: "List stored snapshots, or verify and print one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			snap, err := store.GetSnapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := snap.Verify(); err != nil {
				return fmt.Errorf("snapshot %s: %w", snap.ID, err)
			}
			return writeJSON(snap)
		}
		infos, err := store.ListSnapshots(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return writeJSON(infos)
		}
		w := table()
		fmt.Fprintln(w, "ID\tVERSION\tKIND\tTAKEN\tCHECKSUM")
		for _, s := range infos {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", s.ID, s.Version, s.Kind, s.TakenAt.Format(time.RFC3339), shortSum(s.Checksum))
		}
		return w.Flush()
	},
}
// #endregion snapshots
