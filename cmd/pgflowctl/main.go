// Command pgflowctl is an operator CLI against the pgflow admin HTTP surface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiToken  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pgflowctl",
		Short: "pgflow CLI - manage jobs and inspect the queue",
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "pgflow admin server URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API token for authentication")

	createCmd := &cobra.Command{
		Use:   "create JOB_TYPE",
		Short: "Enqueue a new job",
		Args:  cobra.ExactArgs(1),
		Run:   createJob,
	}
	createCmd.Flags().String("payload", "{}", "Job payload as a JSON object")
	createCmd.Flags().String("queue", "", "Queue name")
	createCmd.Flags().Int("priority", 0, "Job priority")
	createCmd.Flags().Int("max-attempts", 0, "Maximum attempts before DLQ")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Run:   listJobs,
	}
	listCmd.Flags().String("queue", "", "Filter by queue")
	listCmd.Flags().String("status", "", "Filter by status")
	listCmd.Flags().Int("limit", 50, "Maximum number of jobs to list")

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered jobs",
		Run:   listDLQ,
	}
	dlqCmd.Flags().String("queue", "", "Filter by queue")
	dlqCmd.Flags().Int("limit", 50, "Maximum number of jobs to list")

	timelineCmd := &cobra.Command{
		Use:   "timeline JOB_ID",
		Short: "Show a job's attempt and policy-decision history",
		Args:  cobra.ExactArgs(1),
		Run:   getTimeline,
	}

	explainCmd := &cobra.Command{
		Use:   "explain JOB_ID",
		Short: "Diagnose why a job is in its current state",
		Args:  cobra.ExactArgs(1),
		Run:   getExplain,
	}

	replayCmd := &cobra.Command{
		Use:   "replay JOB_ID",
		Short: "Re-enqueue a copy of a job",
		Args:  cobra.ExactArgs(1),
		Run:   replayJob,
	}
	replayCmd.Flags().String("queue", "", "Override the destination queue")

	decisionsCmd := &cobra.Command{
		Use:   "decisions",
		Short: "List recent ingest admission decisions",
		Run:   listDecisions,
	}
	decisionsCmd.Flags().String("queue", "", "Filter by queue")
	decisionsCmd.Flags().Int("limit", 50, "Maximum number of decisions to list")

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show the rolling-window metrics snapshot for a queue",
		Run:   getMetrics,
	}
	metricsCmd.Flags().String("queue", "default", "Queue to report on")

	rootCmd.AddCommand(createCmd, listCmd, dlqCmd, timelineCmd, explainCmd, replayCmd, decisionsCmd, metricsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createJob(cmd *cobra.Command, args []string) {
	jobType := args[0]
	payloadStr, _ := cmd.Flags().GetString("payload")
	queue, _ := cmd.Flags().GetString("queue")
	priority, _ := cmd.Flags().GetInt("priority")
	maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

	var payload json.RawMessage
	if err := json.Unmarshal([]byte(payloadStr), &payload); err != nil {
		fail("invalid JSON payload: %v", err)
	}

	body := map[string]interface{}{
		"job_type":     jobType,
		"payload_json": payload,
	}
	if queue != "" {
		body["queue"] = queue
	}
	if priority != 0 {
		body["priority"] = priority
	}
	if maxAttempts != 0 {
		body["max_attempts"] = maxAttempts
	}

	var result map[string]interface{}
	doRequest(http.MethodPost, "/jobs", body, &result)
	printJSON(result)
}

func listJobs(cmd *cobra.Command, args []string) {
	queue, _ := cmd.Flags().GetString("queue")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	path := fmt.Sprintf("/jobs?limit=%d", limit)
	if queue != "" {
		path += "&queue=" + queue
	}
	if status != "" {
		path += "&status=" + status
	}

	var result map[string]interface{}
	doRequest(http.MethodGet, path, nil, &result)
	printJSON(result)
}

func listDLQ(cmd *cobra.Command, args []string) {
	queue, _ := cmd.Flags().GetString("queue")
	limit, _ := cmd.Flags().GetInt("limit")

	path := fmt.Sprintf("/dlq?limit=%d", limit)
	if queue != "" {
		path += "&queue=" + queue
	}

	var result map[string]interface{}
	doRequest(http.MethodGet, path, nil, &result)
	printJSON(result)
}

func getTimeline(cmd *cobra.Command, args []string) {
	var result map[string]interface{}
	doRequest(http.MethodGet, "/jobs/"+args[0]+"/timeline", nil, &result)
	printJSON(result)
}

func getExplain(cmd *cobra.Command, args []string) {
	var result map[string]interface{}
	doRequest(http.MethodGet, "/jobs/"+args[0]+"/explain", nil, &result)
	printJSON(result)
}

func replayJob(cmd *cobra.Command, args []string) {
	queue, _ := cmd.Flags().GetString("queue")
	body := map[string]interface{}{}
	if queue != "" {
		body["queue"] = queue
	}

	var result map[string]interface{}
	doRequest(http.MethodPost, "/jobs/"+args[0]+"/replay", body, &result)
	printJSON(result)
}

func listDecisions(cmd *cobra.Command, args []string) {
	queue, _ := cmd.Flags().GetString("queue")
	limit, _ := cmd.Flags().GetInt("limit")

	path := fmt.Sprintf("/ingest/decisions?limit=%d", limit)
	if queue != "" {
		path += "&queue=" + queue
	}

	var result map[string]interface{}
	doRequest(http.MethodGet, path, nil, &result)
	printJSON(result)
}

func getMetrics(cmd *cobra.Command, args []string) {
	queue, _ := cmd.Flags().GetString("queue")
	var result map[string]interface{}
	doRequest(http.MethodGet, "/metrics?queue="+queue, nil, &result)
	printJSON(result)
}

func doRequest(method, path string, body interface{}, out interface{}) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			fail("marshal request: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reqBody)
	if err != nil {
		fail("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiToken != "" {
		req.Header.Set("x-api-key", apiToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		fail("read response: %v", err)
	}
	if resp.StatusCode >= 400 {
		fail("server returned %d: %s", resp.StatusCode, respBody)
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			fail("parse response: %v", err)
		}
	}
}

func printJSON(v interface{}) {
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail("format response: %v", err)
	}
	fmt.Println(string(pretty))
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
