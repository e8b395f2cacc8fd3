package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/evolution-engine/internal/api"
	"github.com/danielpatrickdp/evolution-engine/internal/autonomy"
)

// #region workflow
var workflowFile string

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run, resume and inspect checkpointed workflows",
}

// loadWorkflow reads a workflow definition. JSON is valid YAML, so both work.
func loadWorkflow(path string) (api.WorkflowRequest, error) {
	var req api.WorkflowRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read workflow: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if len(req.Steps) == 0 {
		return req, fail("workflow %s has no steps", path)
	}
	return req, nil
}

func workflowRunCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <workflow-id>",
		Short: map[string]string{"run": "Run a workflow from its first step", "resume": "Continue a workflow from its last checkpoint"}[verb],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadWorkflow(workflowFile)
			if err != nil {
				return err
			}
			var rep api.WorkflowResponse
			path := "/v1/workflows/" + url.PathEscape(args[0]) + "/" + verb
			_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodPost, path, req, &rep)
			if err != nil {
				return err
			}
			emit(raw, func() { printReport(rep) })
			switch rep.Status {
			case autonomy.RunFailed:
				exitCode = 3
			case autonomy.RunBudgetExceeded:
				exitCode = 4
			}
			return nil
		},
	}
}

func printReport(rep api.WorkflowResponse) {
	fmt.Printf("workflow %s: %s (resumed from step %d, next step %d, %d checkpoints)\n",
		rep.WorkflowID, rep.Status, rep.ResumedFrom, rep.NextStep, rep.Checkpoints)
	if rep.Failure != "" {
		fmt.Printf("  %s\n", rep.Failure)
	}
	printResults(rep.Results)
}

func printResults(results []autonomy.StepResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tNAME\tKIND\tOK\tDETAIL")
	for _, r := range results {
		detail := r.Detail
		if r.Error != "" {
			detail = r.Error
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", r.Index, r.Name, r.Kind, r.OK, detail)
	}
	w.Flush()
}

var workflowCheckpointCmd = &cobra.Command{
	Use:   "checkpoint <workflow-id>",
	Short: "Show the last committed checkpoint of a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var cp autonomy.Checkpoint
		_, raw, err := newClient(apiAddr).do(cmd.Context(), http.MethodGet,
			"/v1/workflows/"+url.PathEscape(args[0])+"/checkpoint", nil, &cp)
		if err != nil {
			return err
		}
		emit(raw, func() {
			fmt.Printf("workflow %s: next step %d, committed %s\n", cp.WorkflowID, cp.StepIndex, cp.CreatedAt.Format(time.RFC3339))
			printResults(cp.Results)
		})
		return nil
	},
}

func init() {
	run, resume := workflowRunCmd("run"), workflowRunCmd("resume")
	for _, c := range []*cobra.Command{run, resume} {
		c.Flags().StringVarP(&workflowFile, "file", "f", "", "workflow definition (YAML or JSON)")
		_ = c.MarkFlagRequired("file")
	}
	workflowCmd.AddCommand(run, resume, workflowCheckpointCmd)
}
// #endregion workflow
