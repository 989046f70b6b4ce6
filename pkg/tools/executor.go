package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"callguard/pkg/audit"
	"callguard/pkg/gateway"
	"callguard/pkg/models"
	"callguard/pkg/secctx"
)

// ErrUnknownTool marks an invocation outside the fixed tool table; the table
// is known at build time, so this is a configuration bug, not a caller input.
var ErrUnknownTool = errors.New("unknown tool")

// DeniedMessage is the structured denial body returned to the conversational
// layer. Denial is expected and frequent, so it is data, not an error.
const DeniedMessage = "Unauthorized tool execution"

// ExpiredMessage is the caller-facing expiry text, distinct from both the
// not-found and the unauthorized messages.
const ExpiredMessage = "Security context expired"

// Result is the outcome of one secure tool execution.
type Result struct {
	Authorized bool              `json:"authorized"`
	Output     any               `json:"result,omitempty"`
	Err        string            `json:"error,omitempty"`
	AuditEntry models.AuditEntry `json:"audit_log"`
}

// Executor authorizes and runs named tools under a call's security context.
type Executor struct {
	Store    gateway.Store
	Contexts *secctx.Manager
	Tools    *Registry
	Audit    *audit.Logger
}

func NewExecutor(store gateway.Store, contexts *secctx.Manager, registry *Registry, logger *audit.Logger) *Executor {
	return &Executor{Store: store, Contexts: contexts, Tools: registry, Audit: logger}
}

// Execute checks the call's context and permission set, audits the decision,
// and dispatches the tool if authorized. Every attempt against an existing
// context appends exactly one trail entry before returning. Missing contexts
// fail hard with nothing to audit against. Expiry is checked only here, at
// the start; a tool that begins just before the TTL runs to completion.
func (e *Executor) Execute(ctx context.Context, toolName string, params map[string]any, callID string) (Result, error) {
	sc, ok := e.Contexts.Context(ctx, callID)
	if !ok {
		return Result{}, secctx.ErrNoContext
	}

	if sc.Expired(time.Now().UTC()) {
		entry := e.appendEntry(ctx, sc, toolName, false, "security context expired; tool execution refused")
		e.Audit.Record(ctx, sc, audit.EventToolDenied, entry)
		return Result{Authorized: false, Err: ExpiredMessage, AuditEntry: entry}, secctx.ErrContextExpired
	}

	tool, known := e.Tools.Lookup(toolName)
	if !known {
		entry := e.appendEntry(ctx, sc, toolName, false, fmt.Sprintf("tool %q is not in the tool table", toolName))
		e.Audit.Record(ctx, sc, audit.EventToolDenied, entry)
		return Result{Authorized: false, Err: "Unknown tool", AuditEntry: entry}, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}

	authorized := sc.Permissions.Has(tool.RequiredPermission) || sc.Permissions.Has(models.PermExecuteAll)
	reasoning := fmt.Sprintf("requires %s; level %s grants %v", tool.RequiredPermission, sc.SecurityLevel, sc.Permissions.Sorted())
	entry := e.appendEntry(ctx, sc, toolName, authorized, reasoning)

	if !authorized {
		e.Audit.Record(ctx, sc, audit.EventToolDenied, entry)
		return Result{
			Authorized: false,
			Output:     map[string]string{"error": DeniedMessage},
			Err:        DeniedMessage,
			AuditEntry: entry,
		}, nil
	}

	e.Audit.Record(ctx, sc, audit.EventToolExecuted, entry)
	output, err := tool.Handler(ctx, e.Store, sc, params)
	if err != nil {
		return Result{Authorized: true, Err: err.Error(), AuditEntry: entry}, fmt.Errorf("tool %s: %w", toolName, err)
	}
	return Result{Authorized: true, Output: output, AuditEntry: entry}, nil
}

func (e *Executor) appendEntry(ctx context.Context, sc models.SecurityContext, toolName string, authorized bool, reasoning string) models.AuditEntry {
	entry := models.AuditEntry{
		Timestamp:  time.Now().UTC(),
		Action:     "execute_tool:" + toolName,
		Resource:   toolName,
		Authorized: authorized,
		Reasoning:  reasoning,
	}
	if _, err := e.Contexts.AppendTrail(ctx, sc.CallID, entry); err != nil {
		// The decision still reaches the audit sinks via Record even if the
		// context was destroyed mid-flight.
		log.Printf("trail append failed for %s: %v", sc.CallID, err)
	}
	return entry
}
