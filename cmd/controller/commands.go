package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/evolution-engine/internal/api"
	"github.com/danielpatrickdp/evolution-engine/internal/autonomy"
	"github.com/danielpatrickdp/evolution-engine/internal/logging"
	"github.com/danielpatrickdp/evolution-engine/internal/replication"
	"github.com/danielpatrickdp/evolution-engine/internal/state"
)

// emit prints raw when --json is set, otherwise calls text.
func emit(raw []byte, text func()) {
	if jsonOut {
		os.Stdout.Write(raw)
		if len(raw) > 0 && raw[len(raw)-1] != '\n' {
			fmt.Println()
		}
		return
	}
	text()
}

func operator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// #region status
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show document version, fitness, session and replication health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := newClient(apiAddr)
		ctx := cmd.Context()

		var st api.StateResponse
		_, raw, err := c.do(ctx, http.MethodGet, "/v1/state", nil, &st)
		if err != nil {
			return err
		}
		if jsonOut {
			emit(raw, nil)
			return nil
		}
		var fit api.FitnessResponse
		_, _, ferr := c.do(ctx, http.MethodGet, "/v1/fitness", nil, &fit)
		var sync replication.Status
		_, _, serr := c.do(ctx, http.MethodGet, "/v1/sync/status", nil, &sync)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "version\t%d\n", st.State.Version)
		fmt.Fprintf(w, "fitness\t%.2f\n", st.State.FitnessScore)
		fmt.Fprintf(w, "autonomy\t%.2f\n", st.State.Traits.AutonomyLevel)
		fmt.Fprintf(w, "modified\t%s\n", st.State.LastModified.Format(time.RFC3339))
		if st.Tainted {
			fmt.Fprintf(w, "TAINTED\t%s\n", st.Taint)
		}
		fmt.Fprintf(w, "session\t%s (%d applied since %s)\n", st.Session.ID, st.Session.Applied, st.Session.StartedAt.Format(time.RFC3339))
		if ferr == nil {
			fmt.Fprintf(w, "runtime fitness\t%.3f (%s)\n", fit.Current.Score, fit.Current.Trend)
		}
		if serr == nil {
			fmt.Fprintf(w, "replication\t%d destinations, %d queued, %d failed\n", len(sync.Destinations), sync.QueueDepth, sync.Failed)
			for _, id := range sync.Destinations {
				b := sync.Breakers[id]
				fmt.Fprintf(w, "  %s\t%s (%d failures)\n", id, b.State, b.CurrentFailures)
			}
		}
		return w.Flush()
	},
}
// #endregion status

// #region propose
var proposeFlags struct {
	kind, description, origin string
	delta, risk                float64
	meta                       []string
}

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Submit a mutation proposal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		req := api.ProposalRequest{
			Kind:                 proposeFlags.kind,
			Description:          proposeFlags.description,
			ExpectedFitnessDelta: &proposeFlags.delta,
			Origin:               proposeFlags.origin,
		}
		if cmd.Flags().Changed("risk") {
			req.RiskScore = &proposeFlags.risk
		}
		if len(proposeFlags.meta) > 0 {
			req.Metadata = make(map[string]string, len(proposeFlags.meta))
			for _, kv := range proposeFlags.meta {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fail("metadata %q is not key=value", kv)
				}
				req.Metadata[k] = v
			}
		}

		var res autonomy.ProposalResult
		_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodPost, "/v1/proposals", req, &res)
		if err != nil {
			return err
		}
		emit(raw, func() {
			switch res.Status {
			case autonomy.StatusApplied:
				fmt.Printf("applied: version %d (risk %.3f, snapshot %s)\n", res.Version, res.RiskScore, res.SnapshotID)
			case autonomy.StatusQueued:
				fmt.Printf("queued for approval: %s (risk %.3f)\n", res.RequestID, res.RiskScore)
			default:
				fmt.Printf("rejected (risk %.3f)\n", res.RiskScore)
			}
			for _, r := range res.Reasons {
				fmt.Printf("  - %s\n", r)
			}
		})
		if res.Status == autonomy.StatusRejected {
			exitCode = 3
		}
		return nil
	},
}

func init() {
	f := proposeCmd.Flags()
	f.StringVar(&proposeFlags.kind, "kind", "", "mutation kind")
	f.StringVar(&proposeFlags.description, "description", "", "what the mutation does")
	f.Float64Var(&proposeFlags.delta, "delta", 0, "expected fitness delta")
	f.Float64Var(&proposeFlags.risk, "risk", 0, "advisory risk score in [0,1]")
	f.StringVar(&proposeFlags.origin, "origin", string(state.OriginTrustedAgent), "proposal origin")
	f.StringArrayVar(&proposeFlags.meta, "meta", nil, "metadata key=value (repeatable)")
	_ = proposeCmd.MarkFlagRequired("kind")
	_ = proposeCmd.MarkFlagRequired("description")
}
// #endregion propose

// #region approvals
var reviewFlags struct {
	reviewer, notes string
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and resolve queued proposals",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var reqs []autonomy.ApprovalRequest
		_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodGet, "/v1/approvals", nil, &reqs)
		if err != nil {
			return err
		}
		emit(raw, func() {
			if len(reqs) == 0 {
				fmt.Println("no pending requests")
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tRISK\tORIGIN\tCREATED\tDESCRIPTION")
			for _, r := range reqs {
				fmt.Fprintf(w, "%s\t%s\t%.3f\t%s\t%s\t%s\n", r.ID, r.Proposal.Kind, r.Risk.Score,
					r.Proposal.Origin, r.CreatedAt.Format(time.RFC3339), r.Proposal.Description)
			}
			w.Flush()
		})
		return nil
	},
}

var past = map[string]string{"approve": "approved", "reject": "rejected"}

func reviewCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <request-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a queued proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := api.ReviewRequest{Reviewer: reviewFlags.reviewer}
			if verb == "approve" {
				body.Notes = reviewFlags.notes
			} else {
				body.Reason = reviewFlags.notes
			}
			path := "/v1/approvals/" + url.PathEscape(args[0]) + "/" + verb
			var out map[string]any
			_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodPost, path, body, &out)
			if err != nil {
				return err
			}
			emit(raw, func() { fmt.Printf("%s %s\n", past[verb], args[0]) })
			return nil
		},
	}
}

func init() {
	approve, reject := reviewCmd("approve"), reviewCmd("reject")
	for _, c := range []*cobra.Command{approve, reject} {
		c.Flags().StringVar(&reviewFlags.reviewer, "reviewer", operator(), "reviewer name")
		c.Flags().StringVar(&reviewFlags.notes, "notes", "", "review notes or rejection reason")
	}
	approvalsCmd.AddCommand(approvalsListCmd, approve, reject)
}
// #endregion approvals

// #region rollback
var rollbackCmd = &cobra.Command{
	Use:   "rollback <snapshot-id>",
	Short: "Restore the document held by a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Success         bool   `json:"success"`
			RestoredVersion int64  `json:"restored_version"`
			Error           string `json:"error"`
		}
		_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodPost, "/v1/rollback",
			api.RollbackRequest{SnapshotID: args[0], Operator: operator()}, &res)
		if err != nil {
			return err
		}
		emit(raw, func() { fmt.Printf("restored version %d\n", res.RestoredVersion) })
		return nil
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List retained snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var infos []state.SnapshotInfo
		_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodGet, "/v1/snapshots", nil, &infos)
		if err != nil {
			return err
		}
		emit(raw, func() {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tKIND\tTAKEN")
			for _, s := range infos {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", s.ID, s.Version, s.Kind, s.TakenAt.Format(time.RFC3339))
			}
			w.Flush()
		})
		return nil
	},
}
// #endregion rollback

// #region sync
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and retry dead-lettered replication writes",
}

var syncFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List writes that exhausted their retries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var ops []replication.SyncOperation
		_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodGet, "/v1/sync/failed", nil, &ops)
		if err != nil {
			return err
		}
		emit(raw, func() {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDESTINATION\tPATH\tATTEMPTS\tERROR")
			for _, op := range ops {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", op.ID, op.Destination, op.Path, op.Attempts, op.LastError)
			}
			w.Flush()
		})
		return nil
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry <operation-id>",
	Short: "Move a failed write back onto the retry queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodPost,
			"/v1/sync/failed/"+url.PathEscape(args[0])+"/retry", nil, nil)
		if err != nil {
			return err
		}
		emit(raw, func() { fmt.Printf("requeued %s\n", args[0]) })
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncFailedCmd, syncRetryCmd)
}
// #endregion sync

// #region taint
var taintCmd = &cobra.Command{
	Use:   "taint",
	Short: "Manage the engine's tainted state",
}

var taintClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Re-check the document and accept mutations again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var out struct {
			Cleared bool `json:"cleared"`
		}
		_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodPost, "/v1/taint/clear",
			api.TaintRequest{Operator: operator()}, &out)
		if err != nil {
			return err
		}
		emit(raw, func() {
			if out.Cleared {
				fmt.Println("taint cleared")
			} else {
				fmt.Println("engine was not tainted")
			}
		})
		return nil
	},
}

func init() {
	taintCmd.AddCommand(taintClearCmd)
}
// #endregion taint

// #region audit
var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var entries []logging.AuditEntry
		_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodGet,
			"/v1/audit?limit="+strconv.Itoa(auditLimit), nil, &entries)
		if err != nil {
			return err
		}
		emit(raw, func() {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tDECISION\tKIND\tRISK\tVERSION\tREASONS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%d\t%s\n", e.Timestamp.Format(time.RFC3339), e.Decision,
					e.Kind, e.RiskScore, e.Version, strings.Join(e.Reasons, "; "))
			}
			w.Flush()
		})
		return nil
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "number of entries")
}
// #endregion audit
