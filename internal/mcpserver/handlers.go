package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *KarmaguardClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *KarmaguardClient) *Handlers {
	return &Handlers{client: client}
}

// HandleAnalyzeKarmaLog scores a user record.
func (h *Handlers) HandleAnalyzeKarmaLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body := strings.TrimSpace(req.GetString("karma_log_json", ""))
	if body == "" {
		return mcp.NewToolResultError("karma_log_json is required"), nil
	}
	if !json.Valid([]byte(body)) {
		return mcp.NewToolResultError("karma_log_json is not valid JSON"), nil
	}

	raw, err := h.client.Analyze(ctx, []byte(body), req.GetBool("include_features", false))
	if err != nil {
		msg := fmt.Sprintf("Analysis failed: %v", err)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == "invalid_payload" {
			msg += "\nThe record needs a karma_log array; each activity needs a type."
		}
		return mcp.NewToolResultError(msg), nil
	}

	text, err := formatAnalysis(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analysis: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetUserHistory lists previous assessments.
func (h *Handlers) HandleGetUserHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	limit := req.GetInt("limit", 10)
	if limit < 1 || limit > 100 {
		return mcp.NewToolResultError("limit must be between 1 and 100"), nil
	}

	raw, err := h.client.History(ctx, userID, limit, req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(userID, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetServiceVersion reports the policy version.
func (h *Handlers) HandleGetServiceVersion(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Version(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get version: %v", err)), nil
	}
	var resp struct {
		Version string `json:"version"`
		Service string `json:"service"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse version: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Policy version: %s (service %s)", resp.Version, resp.Service)), nil
}

// --- Formatting helpers ---

type flag struct {
	ActivityID string  `json:"activity_id"`
	Rule       string  `json:"rule"`
	Reason     string  `json:"reason"`
	Score      float64 `json:"score"`
}

type analysis struct {
	AssessmentID         string          `json:"assessment_id"`
	UserID               string          `json:"user_id"`
	FraudScore           float64         `json:"fraud_score"`
	Status               string          `json:"status"`
	SuspiciousActivities []flag          `json:"suspicious_activities"`
	Features             json.RawMessage `json:"features"`
}

func formatAnalysis(raw json.RawMessage) (string, error) {
	var a analysis
	if err := json.Unmarshal(raw, &a); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "User: %s\n", a.UserID)
	fmt.Fprintf(&sb, "Fraud score: %.3f\n", a.FraudScore)
	fmt.Fprintf(&sb, "Status: %s\n", a.Status)

	if len(a.SuspiciousActivities) == 0 {
		sb.WriteString("\nNo suspicious activity found.\n")
	} else {
		fmt.Fprintf(&sb, "\nSuspicious activities (%d):\n", len(a.SuspiciousActivities))
		for _, f := range a.SuspiciousActivities {
			target := f.ActivityID
			if target == "" {
				target = "account"
			}
			fmt.Fprintf(&sb, "- [%s] %s: %s (score %g)\n", f.Rule, target, f.Reason, f.Score)
		}
	}

	if len(a.Features) > 0 && string(a.Features) != "null" {
		fmt.Fprintf(&sb, "\nFeatures:\n%s\n", formatJSON(a.Features))
	}
	return sb.String(), nil
}

func formatHistory(userID string, raw json.RawMessage) (string, error) {
	var resp struct {
		Assessments []struct {
			ID            string  `json:"id"`
			FraudScore    float64 `json:"fraud_score"`
			Status        string  `json:"status"`
			PolicyVersion string  `json:"policy_version"`
			EvaluatedAt   string  `json:"evaluated_at"`
		} `json:"assessments"`
		HasMore    bool   `json:"has_more"`
		NextCursor string `json:"next_cursor"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Assessments) == 0 {
		return fmt.Sprintf("No assessments recorded for %s.", userID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Assessments for %s (%d):\n", userID, len(resp.Assessments))
	for _, a := range resp.Assessments {
		fmt.Fprintf(&sb, "- %s  %.3f  %s  (policy %s, %s)\n", a.EvaluatedAt, a.FraudScore, a.Status, a.PolicyVersion, a.ID)
	}
	if resp.HasMore {
		fmt.Fprintf(&sb, "More available; pass cursor %q.\n", resp.NextCursor)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
