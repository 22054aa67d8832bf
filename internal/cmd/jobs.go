package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/gofetch/internal/config"
	apperrors "github.com/3leaps/gofetch/internal/errors"
	"github.com/3leaps/gofetch/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Operate on jobs in a running server",
	Long: `Operate on jobs in a running gofetch server over its HTTP API.

This command group is designed to be agent-friendly:

- stable job ids, with short prefixes accepted everywhere
- predictable key=value status output
- optional JSON output for machine parsing

The server address comes from --server, or from the same config the
server reads (gofetch.yaml, GOFETCH_* environment).`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)

	jobsCmd.PersistentFlags().String("server", "", "Server base URL (default derived from config)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().Bool("wait", false, "Wait for the job to reach a terminal state")
}

// serverBaseURL resolves the API base from --server or the loaded
// config's listen address.
func serverBaseURL(cmd *cobra.Command) (string, error) {
	base, _ := cmd.Flags().GetString("server")
	if base != "" {
		return strings.TrimRight(base, "/"), nil
	}
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return "", fmt.Errorf("load config for server address: %w", err)
	}
	host := cfg.Server.Host
	if host == "" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)), nil
}

type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: base,
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) listJobs(ctx context.Context) ([]jobregistry.Job, error) {
	var body struct {
		Jobs  []jobregistry.Job `json:"jobs"`
		Count int               `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/jobs", &body); err != nil {
		return nil, err
	}
	return body.Jobs, nil
}

func (c *apiClient) getJob(ctx context.Context, jobID string) (jobregistry.Job, error) {
	var job jobregistry.Job
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+jobID, &job)
	return job, err
}

func (c *apiClient) stopJob(ctx context.Context, jobID string) (jobregistry.Job, error) {
	var job jobregistry.Job
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+jobID+"/cancel", &job)
	return job, err
}

// decodeAPIError turns a non-2xx response into an error carrying the
// server's code and message when the body is a standard error envelope.
func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope apperrors.HTTPErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

// resolveRemoteJobID accepts a full job id or a unique prefix, matching
// the short ids the list table prints.
func resolveRemoteJobID(ctx context.Context, client *apiClient, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := client.getJob(ctx, input); err == nil {
		return input, nil
	}

	jobs, err := client.listJobs(ctx)
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job_id", len(matches))
	}
	return matches[0], nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	base, err := serverBaseURL(cmd)
	if err != nil {
		return err
	}
	client := newAPIClient(base)

	jobs, err := client.listJobs(cmd.Context())
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tKIND\tPROGRESS\tCREATED\tURL")
	for _, j := range jobs {
		stage := j.Stage
		if stage == "" {
			stage = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%3.0f%% (%s)\t%s\t%s\n",
			shortJobID(j.JobID),
			j.State,
			j.Spec.Kind,
			j.Fraction*100,
			stage,
			j.CreatedAt.UTC().Format(time.RFC3339),
			j.URL,
		)
	}

	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	base, err := serverBaseURL(cmd)
	if err != nil {
		return err
	}
	client := newAPIClient(base)

	jobID, err := resolveRemoteJobID(cmd.Context(), client, args[0])
	if err != nil {
		return err
	}
	job, err := client.getJob(cmd.Context(), jobID)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}

	printJobStatus(os.Stdout, job)
	return nil
}

func printJobStatus(w io.Writer, job jobregistry.Job) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", job.JobID)
	_, _ = fmt.Fprintf(w, "state=%s\n", job.State)
	_, _ = fmt.Fprintf(w, "url=%s\n", job.URL)
	_, _ = fmt.Fprintf(w, "kind=%s\n", job.Spec.Kind)
	if job.Spec.Quality != "" {
		_, _ = fmt.Fprintf(w, "quality=%s\n", job.Spec.Quality)
	}
	_, _ = fmt.Fprintf(w, "fraction=%.2f\n", job.Fraction)
	if job.Stage != "" {
		_, _ = fmt.Fprintf(w, "stage=%s\n", job.Stage)
	}
	if job.Error != nil {
		_, _ = fmt.Fprintf(w, "error_code=%s\n", job.Error.Code)
		_, _ = fmt.Fprintf(w, "error=%s\n", job.Error.Message)
	}
	if job.Artifact != nil {
		_, _ = fmt.Fprintf(w, "artifact=%s\n", job.Artifact.Filename)
		_, _ = fmt.Fprintf(w, "size=%d\n", job.Artifact.Size)
		if job.Artifact.ArchiveKey != "" {
			_, _ = fmt.Fprintf(w, "archive_key=%s\n", job.Artifact.ArchiveKey)
		}
	}
	if job.Delivered {
		_, _ = fmt.Fprintf(w, "delivered=true\n")
	}
	_, _ = fmt.Fprintf(w, "created_at=%s\n", job.CreatedAt.UTC().Format(time.RFC3339))
	if job.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", job.StartedAt.UTC().Format(time.RFC3339))
	}
	if job.EndedAt != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", job.EndedAt.UTC().Format(time.RFC3339))
	}
	if job.ExpiresAt != nil {
		_, _ = fmt.Fprintf(w, "expires_at=%s\n", job.ExpiresAt.UTC().Format(time.RFC3339))
	}
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	wait, _ := cmd.Flags().GetBool("wait")

	base, err := serverBaseURL(cmd)
	if err != nil {
		return err
	}
	client := newAPIClient(base)

	jobID, err := resolveRemoteJobID(cmd.Context(), client, args[0])
	if err != nil {
		return err
	}

	job, err := client.stopJob(cmd.Context(), jobID)
	if err != nil {
		return err
	}

	if !wait {
		_, _ = fmt.Fprintf(os.Stdout, "cancel=requested\njob_id=%s\nstate=%s\n", job.JobID, job.State)
		return nil
	}

	// Running jobs finish asynchronously; poll until terminal.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, err = client.getJob(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		if job.State.Terminal() {
			_, _ = fmt.Fprintf(os.Stdout, "cancel=done\njob_id=%s\nstate=%s\n", job.JobID, job.State)
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("job %s did not reach a terminal state within 30s (state=%s)", shortJobID(jobID), job.State)
}
