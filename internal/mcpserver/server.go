// Package mcpserver exposes the promise queue as Model Context Protocol tools
// so a conversational agent can defer work and later check on it.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/phrazzld/promised/internal/domain"
	"github.com/phrazzld/promised/internal/service"
)

// Tool names.
const (
	ToolEnqueue = "enqueue_promise"
	ToolStatus  = "get_promise_status"
	ToolCancel  = "cancel_promise"
	ToolList    = "list_promises"
)

// EnqueueArgs is the input for the enqueue_promise tool.
type EnqueueArgs struct {
	TaskDescription string `json:"task_description"           jsonschema:"Instruction payload handed to the executor"`
	Priority        string `json:"priority"                   jsonschema:"One of critical, high, medium, low"`
	Origin          string `json:"origin"                     jsonschema:"Conversation or producer that will receive the result"`
	Executor        string `json:"executor,omitempty"         jsonschema:"Registered executor name. Empty selects the default."`
	MaxRetries      *int   `json:"max_retries,omitempty"      jsonschema:"Retry attempts after the first failure"`
	ResourceEstMB   *int   `json:"resource_estimate_mb,omitempty" jsonschema:"Advisory memory estimate in MB"`
}

// EnqueueOutput reports the new promise.
type EnqueueOutput struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// PromiseRef identifies a promise.
type PromiseRef struct {
	ID string `json:"id" jsonschema:"Promise ID returned by enqueue_promise"`
}

// StatusOutput is the observable state of a promise.
type StatusOutput struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	Priority        string     `json:"priority"`
	Origin          string     `json:"origin"`
	RetryCount      int        `json:"retry_count"`
	MaxRetries      int        `json:"max_retries"`
	ResultSummary   string     `json:"result_summary,omitempty"`
	ErrorDetail     string     `json:"error_detail,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// CancelOutput reports the effect of cancel_promise.
type CancelOutput struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
}

// ListArgs is the input for the list_promises tool.
type ListArgs struct {
	Status string `json:"status,omitempty" jsonschema:"Lifecycle state to list. Defaults to pending."`
	Limit  int    `json:"limit,omitempty"  jsonschema:"Maximum number of promises to return. Defaults to 20."`
}

// ListOutput wraps listed promises.
type ListOutput struct {
	Promises []StatusOutput `json:"promises"`
}

// Server adapts PromiseService to MCP tools.
type Server struct {
	promises service.PromiseService
	logger   *slog.Logger
	mcp      *mcp.Server
}

// New builds the MCP server and registers the promise tools.
func New(promises service.PromiseService, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		promises: promises,
		logger:   logger.With("component", "mcp"),
		mcp:      mcp.NewServer(&mcp.Implementation{Name: "promised", Version: version}, nil),
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolEnqueue,
		Description: "Defer a task for asynchronous execution. Returns immediately with a promise ID.",
	}, s.enqueue)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolStatus,
		Description: "Get the current status and, once finished, the outcome of a promise.",
	}, s.status)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolCancel,
		Description: "Cancel a pending promise or request cancellation of a running one.",
	}, s.cancel)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        ToolList,
		Description: "List promises in a lifecycle state. Pending promises are listed in dispatch order.",
	}, s.list)

	return s
}

// MCP returns the underlying server, e.g. to connect custom transports.
func (s *Server) MCP() *mcp.Server {
	return s.mcp
}

// RunStdio serves the tools over stdin/stdout until ctx is done or the client disconnects.
func (s *Server) RunStdio(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) enqueue(ctx context.Context, _ *mcp.CallToolRequest, args EnqueueArgs) (*mcp.CallToolResult, EnqueueOutput, error) {
	id, err := s.promises.Enqueue(ctx, service.EnqueueRequest{
		TaskDescription:    args.TaskDescription,
		Priority:           args.Priority,
		Origin:             args.Origin,
		Executor:           args.Executor,
		MaxRetries:         args.MaxRetries,
		ResourceEstimateMB: args.ResourceEstMB,
	})
	if err != nil {
		return nil, EnqueueOutput{}, err
	}
	return nil, EnqueueOutput{ID: id.String(), Status: string(domain.StatusPending)}, nil
}

func (s *Server) status(ctx context.Context, _ *mcp.CallToolRequest, args PromiseRef) (*mcp.CallToolResult, StatusOutput, error) {
	id, err := parseID(args.ID)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	p, err := s.promises.GetStatus(ctx, id)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, toStatus(p), nil
}

func (s *Server) cancel(ctx context.Context, _ *mcp.CallToolRequest, args PromiseRef) (*mcp.CallToolResult, CancelOutput, error) {
	id, err := parseID(args.ID)
	if err != nil {
		return nil, CancelOutput{}, err
	}
	accepted, err := s.promises.Cancel(ctx, id)
	if err != nil {
		return nil, CancelOutput{}, err
	}
	return nil, CancelOutput{ID: id.String(), Accepted: accepted}, nil
}

func (s *Server) list(ctx context.Context, _ *mcp.CallToolRequest, args ListArgs) (*mcp.CallToolResult, ListOutput, error) {
	status := domain.StatusPending
	if args.Status != "" {
		parsed, err := domain.ParseStatus(args.Status)
		if err != nil {
			return nil, ListOutput{}, err
		}
		status = parsed
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}

	promises, err := s.promises.List(ctx, status, limit)
	if err != nil {
		return nil, ListOutput{}, err
	}
	out := ListOutput{Promises: make([]StatusOutput, 0, len(promises))}
	for _, p := range promises {
		out.Promises = append(out.Promises, toStatus(p))
	}
	return nil, out, nil
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid promise id %q", raw)
	}
	return id, nil
}

func toStatus(p *domain.Promise) StatusOutput {
	return StatusOutput{
		ID:              p.ID.String(),
		Status:          string(p.Status),
		Priority:        string(p.Priority),
		Origin:          p.Origin,
		RetryCount:      p.RetryCount,
		MaxRetries:      p.MaxRetries,
		ResultSummary:   p.ResultSummary,
		ErrorDetail:     p.ErrorDetail,
		CancelRequested: p.CancelRequested,
		CreatedAt:       p.CreatedAt,
		CompletedAt:     p.CompletedAt,
	}
}
