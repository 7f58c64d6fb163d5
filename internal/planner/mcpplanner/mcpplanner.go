// Package mcpplanner is the reference Planner adapter: it reaches a planner
// over the Model Context Protocol instead of embedding one in-process. It is
// a thin client — connect, list tools once, call "plan"/"plan_correction",
// decode the structured result — shaped directly on the teacher's MCP
// client integration (connect-once, namespaced tool bridge, text-content
// extraction).
package mcpplanner

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/andrewbusc/legatorkernel/internal/kernelerr"
	"github.com/andrewbusc/legatorkernel/internal/planner"
)

const (
	toolPlan           = "plan"
	toolPlanCorrection = "plan_correction"
)

// Client is a Planner implementation backed by a single MCP server
// connection. It is not safe for concurrent Connect/Close calls, but Plan
// and PlanCorrection may be called concurrently once connected, matching
// the single shared session the MCP SDK client hands back.
type Client struct {
	log         *zap.Logger
	sdkClient   *mcpsdk.Client
	session     *mcpsdk.ClientSession
	endpoint    string
	httpTimeout time.Duration
}

var _ planner.Planner = (*Client)(nil)

// New constructs a disconnected Client. Call Connect before Plan/PlanCorrection.
func New(log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log: log.Named("mcpplanner"),
		sdkClient: mcpsdk.NewClient(
			&mcpsdk.Implementation{
				Name:    "legatorkernel",
				Version: "0.1.0",
			},
			nil,
		),
		httpTimeout: 30 * time.Second,
	}
}

// Connect establishes the streamable-HTTP session to the external MCP
// planner server at endpoint.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	transport := &mcpsdk.StreamableClientTransport{
		Endpoint:             endpoint,
		HTTPClient:           &http.Client{Timeout: c.httpTimeout},
		DisableStandaloneSSE: true,
	}
	session, err := c.sdkClient.Connect(ctx, transport, nil)
	if err != nil {
		return kernelerr.Wrap(kernelerr.PlannerFailed, err, "connect to planner %s", endpoint)
	}
	c.endpoint = endpoint
	c.session = session
	c.log.Info("connected to planner", zap.String("endpoint", endpoint))
	return nil
}

// Close closes the underlying MCP session.
func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

// Plan calls the "plan" tool and decodes its result into the initial step list.
func (c *Client) Plan(ctx context.Context, req planner.PlanRequest) ([]planner.Step, error) {
	args := map[string]any{
		"runId":   req.RunID,
		"goal":    req.Goal,
		"context": req.Context,
	}
	var steps []planner.Step
	if err := c.callTool(ctx, toolPlan, args, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// PlanCorrection calls the "plan_correction" tool and decodes its result
// into corrective steps. Every returned step's DeepCorrection envelope is
// stamped with the request's phase/attempt/failedStepId, mirroring the
// inputs exactly per §4.7, regardless of what the remote planner echoed.
func (c *Client) PlanCorrection(ctx context.Context, req planner.CorrectionRequest) ([]planner.Step, error) {
	args := map[string]any{
		"runId":        req.RunID,
		"failedStepId": req.FailedStepID,
		"profile":      req.Profile,
		"constraint":   req.Constraint,
		"attempt":      req.Attempt,
	}
	var steps []planner.Step
	if err := c.callTool(ctx, toolPlanCorrection, args, &steps); err != nil {
		return nil, err
	}

	envelope := &planner.DeepCorrectionEnvelope{
		Phase:        "correction",
		Attempt:      req.Attempt,
		FailedStepID: req.FailedStepID,
		Profile:      req.Profile,
		Constraint:   req.Constraint,
	}
	for i := range steps {
		stamped := *envelope
		steps[i].DeepCorrection = &stamped
	}
	return steps, nil
}

// callTool invokes a named tool on the connected session and unmarshals its
// extracted text content as JSON into out.
func (c *Client) callTool(ctx context.Context, name string, args map[string]any, out any) error {
	if c.session == nil {
		return kernelerr.New(kernelerr.PlannerFailed, "mcpplanner: not connected")
	}

	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return kernelerr.Wrap(kernelerr.PlannerFailed, err, "call planner tool %s", name)
	}

	text := extractTextContent(result)
	if result.IsError {
		return kernelerr.New(kernelerr.PlannerFailed, "planner tool %s: %s", name, text)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return kernelerr.Wrap(kernelerr.PlannerFailed, err, "decode planner tool %s result", name)
	}
	return nil
}

// extractTextContent joins every text content block in an MCP tool result.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
