package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/Shannon/go/diligence/internal/models"
	"github.com/Kocoro-lab/Shannon/go/diligence/internal/orchestrator"
)

var interveneFlags struct {
	api         string
	token       string
	executionID string
	stage       string
	reason      string
	requestedBy string
	config      map[string]string
	timeout     time.Duration
}

var interveneCmd = &cobra.Command{
	Use:   "intervene <pause|resume|cancel|retry_stage|skip_stage|modify_config>",
	Short: "Send an intervention to a running service",
	Long: "Posts an intervention to the admin API. modify_config takes --set key=value\n" +
		"pairs; values are parsed as JSON when possible (so 3 is a number).",
	Args: cobra.ExactArgs(1),
	RunE: runIntervene,
}

func init() {
	f := interveneCmd.Flags()
	f.StringVar(&interveneFlags.api, "api", envOr("DILIGENCE_API", "http://localhost:8081"), "Admin API base URL")
	f.StringVar(&interveneFlags.token, "token", os.Getenv("DILIGENCE_TOKEN"), "Bearer token")
	f.StringVar(&interveneFlags.executionID, "execution", "", "Execution id (required)")
	f.StringVar(&interveneFlags.stage, "stage", "", "Target stage for retry_stage and skip_stage")
	f.StringVar(&interveneFlags.reason, "reason", "", "Reason recorded in the ledger")
	f.StringVar(&interveneFlags.requestedBy, "requested-by", "", "Operator name (defaults to the token subject)")
	f.StringToStringVar(&interveneFlags.config, "set", nil, "Config patch for modify_config")
	f.DurationVar(&interveneFlags.timeout, "timeout", 30*time.Second, "Request timeout")

	_ = interveneCmd.MarkFlagRequired("execution")
}

func runIntervene(cmd *cobra.Command, args []string) error {
	typ := models.InterventionType(args[0])
	if !typ.Valid() {
		return fmt.Errorf("unknown intervention type %q", args[0])
	}
	req := orchestrator.InterventionRequest{
		ExecutionID: interveneFlags.executionID,
		Type:        typ,
		TargetStage: interveneFlags.stage,
		Reason:      interveneFlags.reason,
		RequestedBy: interveneFlags.requestedBy,
		Config:      configPatch(interveneFlags.config),
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), interveneFlags.timeout)
	defer cancel()
	body, err := postJSON(ctx, interveneFlags.api+"/v1/interventions", interveneFlags.token, req)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(append(body, '\n'))
	return err
}

func configPatch(set map[string]string) map[string]interface{} {
	if len(set) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(set))
	for k, raw := range set {
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[k] = v
	}
	return out
}

// postJSON sends v and returns the response body; non-2xx statuses become
// errors carrying the API's error message.
func postJSON(ctx context.Context, url, token string, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Error     string `json:"error"`
			LedgerRef string `json:"ledger_ref"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.LedgerRef != "" {
				return nil, fmt.Errorf("%s: %s [ref %s]", resp.Status, apiErr.Error, apiErr.LedgerRef)
			}
			return nil, fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return bytes.TrimSpace(body), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
