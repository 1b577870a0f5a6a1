package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/careloop/medwatch/pkg/client"
)

// Server adapts medwatch-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"medwatch",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// medwatch://summary
	s.mcpServer.AddResource(mcp.NewResource(
		"medwatch://summary",
		"Open Alert Summary",
		mcp.WithResourceDescription("Open refill alerts across all patients, broken down by severity"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadSummary)

	// medwatch://events
	s.mcpServer.AddResource(mcp.NewResource(
		"medwatch://events",
		"Medwatch Audit Log",
		mcp.WithResourceDescription("Recent alert transitions, dose records, and quantity updates"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadEvents)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"get_predictions",
		mcp.WithDescription("Get per-medication depletion forecasts for a patient"),
		mcp.WithString("patient_id", mcp.Required(), mcp.Description("The patient to forecast")),
	), s.handleGetPredictions)

	s.mcpServer.AddTool(mcp.NewTool(
		"trigger_check",
		mcp.WithDescription("Run a full supply evaluation for a patient, creating or resolving refill alerts"),
		mcp.WithString("patient_id", mcp.Required(), mcp.Description("The patient to check")),
	), s.handleTriggerCheck)

	s.mcpServer.AddTool(mcp.NewTool(
		"get_alerts",
		mcp.WithDescription("List a patient's active and historical refill alerts"),
		mcp.WithString("patient_id", mcp.Required(), mcp.Description("The patient to query")),
	), s.handleGetAlerts)

	s.mcpServer.AddTool(mcp.NewTool(
		"acknowledge_alert",
		mcp.WithDescription("Mark a refill alert as seen. Acknowledged alerts keep updating until the supply recovers."),
		mcp.WithString("alert_id", mcp.Required(), mcp.Description("The alert to acknowledge")),
	), s.handleAcknowledgeAlert)

	s.mcpServer.AddTool(mcp.NewTool(
		"update_quantity",
		mcp.WithDescription("Set a medication's remaining quantity after a refill or manual count"),
		mcp.WithString("medication_id", mcp.Required(), mcp.Description("The medication to update")),
		mcp.WithNumber("quantity", mcp.Required(), mcp.Description("New remaining quantity (units)")),
		mcp.WithString("action", mcp.Description("'refilled' or 'adjusted' (default 'adjusted')")),
	), s.handleUpdateQuantity)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"medwatch-aware",
		mcp.WithPromptDescription("Provides context about medwatch concepts (medications, forecasts, alerts)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadSummary(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	summary, err := s.apiClient.GetSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch summary: %w", err)
	}
	return jsonResource(request.Params.URI, summary)
}

func (s *Server) handleReadEvents(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	events, err := s.apiClient.GetEvents(ctx, 50)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return jsonResource(request.Params.URI, events)
}

func (s *Server) handleGetPredictions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	patientID := mcp.ParseString(request, "patient_id", "")
	if patientID == "" {
		return mcp.NewToolResultError("patient_id is required"), nil
	}

	predictions, err := s.apiClient.GetPredictions(ctx, patientID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return jsonToolResult(predictions)
}

func (s *Server) handleTriggerCheck(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	patientID := mcp.ParseString(request, "patient_id", "")
	if patientID == "" {
		return mcp.NewToolResultError("patient_id is required"), nil
	}

	result, err := s.apiClient.TriggerCheck(ctx, patientID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	msg := fmt.Sprintf("Checked %d medications: %d alerts generated, %d updated, %d resolved",
		result.MedicationsChecked, result.AlertsGenerated, result.AlertsUpdated, result.AlertsResolved)
	if len(result.Failures) > 0 {
		msg += fmt.Sprintf(" (%d medications failed)", len(result.Failures))
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleGetAlerts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	patientID := mcp.ParseString(request, "patient_id", "")
	if patientID == "" {
		return mcp.NewToolResultError("patient_id is required"), nil
	}

	alerts, err := s.apiClient.GetAlerts(ctx, patientID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return jsonToolResult(alerts)
}

func (s *Server) handleAcknowledgeAlert(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	alertID := mcp.ParseString(request, "alert_id", "")
	if alertID == "" {
		return mcp.NewToolResultError("alert_id is required"), nil
	}

	alert, err := s.apiClient.AcknowledgeAlert(ctx, alertID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	msg := fmt.Sprintf("Alert %s acknowledged (level: %s, %d days remaining)",
		alert.AlertID, alert.Level, alert.DaysRemaining)
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleUpdateQuantity(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	medicationID := mcp.ParseString(request, "medication_id", "")
	if medicationID == "" {
		return mcp.NewToolResultError("medication_id is required"), nil
	}
	quantity := mcp.ParseFloat64(request, "quantity", -1)
	if quantity < 0 {
		return mcp.NewToolResultError("quantity must be a non-negative number"), nil
	}
	action := mcp.ParseString(request, "action", "adjusted")

	resp, err := s.apiClient.UpdateQuantity(ctx, medicationID, quantity, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	msg := fmt.Sprintf("Quantity for %s set to %g", medicationID, resp.Medication.QuantityRemaining)
	if resp.AutoResolvedAlerts > 0 {
		msg += fmt.Sprintf(", %d alert(s) auto-resolved", resp.AutoResolvedAlerts)
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "medwatch-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with medwatch, a chronic-medication supply tracker.

Concepts:
- Medication: A tracked supply with a remaining quantity. PRN (as-needed) medications are never forecast.
- Forecast: A depletion estimate derived from consumption history. Methods: insufficient_history, simple_average, weighted_regression.
- Alert: A refill warning (critical/warning/info) with at most one open alert per medication.
- Acknowledge: Marks an alert as seen; the alert keeps updating until the supply recovers.
- Trigger check: A full idempotent re-evaluation of one patient's medications.

Use 'get_predictions' to see depletion dates, 'trigger_check' to refresh alerts,
and 'update_quantity' with action 'refilled' after a pharmacy pickup.
`

	return mcp.NewGetPromptResult(
		"medwatch-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}

func jsonResource(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func jsonToolResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
