package override

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/efm-runtime/efm/pkg/audit"
	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/registry"
	"github.com/efm-runtime/efm/pkg/vault"
)

// CommandType names one operator command.
type CommandType string

const (
	CmdView       CommandType = "View"
	CmdAdvisory   CommandType = "Advisory"
	CmdQuarantine CommandType = "Quarantine"
	CmdTerminate  CommandType = "Terminate"
	CmdHalt       CommandType = "Halt"
	CmdShutdown   CommandType = "Shutdown"
	CmdReset      CommandType = "Reset"
)

// requiredLevel is the minimum OperatorLevel each command needs.
var requiredLevel = map[CommandType]OperatorLevel{
	CmdView:       LevelObserver,
	CmdAdvisory:   LevelAdvisor,
	CmdQuarantine: LevelQuarantiner,
	CmdTerminate:  LevelQuarantiner,
	CmdHalt:       LevelHaltAuthority,
	CmdShutdown:   LevelRoot,
	CmdReset:      LevelRoot,
}

// highSeverity commands require Confirmation to be set, on top of level
// gating.
var highSeverity = map[CommandType]bool{
	CmdTerminate: true,
	CmdHalt:      true,
	CmdShutdown:  true,
	CmdReset:     true,
}

// Command is one operator request submitted over the override channel.
type Command struct {
	Type          CommandType
	Target        string
	Payload       []byte
	Reason        string
	OperatorToken string
	Confirmation  bool
	CorrelationID string
}

// Status is a response status code from the fixed set the override
// channel defines.
type Status string

const (
	StatusOk                        Status = "Ok"
	StatusAuthFailed                Status = "AuthFailed"
	StatusInsufficientAuthorization Status = "InsufficientAuthorization"
	StatusConfirmationRequired      Status = "ConfirmationRequired"
	StatusNotFound                  Status = "NotFound"
	StatusConflict                  Status = "Conflict"
	StatusOverloaded                Status = "Overloaded"
)

// Response is what the override channel returns for a submitted Command.
type Response struct {
	Status        Status
	CorrelationID string
	AuditEntryIDs []string
	Detail        string
}

// overrideLatencyBudget is the end-to-end bound from authenticated
// receipt to observable effect.
const overrideLatencyBudget = 100 * time.Millisecond

// Handler dispatches authenticated operator commands. It is deliberately
// the only channel in the runtime with no circuit breaker or sandbox
// gate in front of it — every internal subsystem defers to Handle.
type Handler struct {
	validator *Validator
	audit     *audit.Log
	registry  *registry.Registry
	vault     *vault.Vault
	halted    atomic.Bool
}

// NewHandler constructs a Handler.
func NewHandler(validator *Validator, log *audit.Log, reg *registry.Registry, v *vault.Vault) *Handler {
	return &Handler{validator: validator, audit: log, registry: reg, vault: v}
}

// Halted reports whether a Halt or Shutdown command has set the halted
// flag since the last Reset. Only the flag is kept here; nothing in the
// runtime checks it before evaluating pipeline work.
func (h *Handler) Halted() bool { return h.halted.Load() }

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

type receivedPayload struct {
	Command       CommandType `json:"command"`
	Target        string      `json:"target,omitempty"`
	OperatorID    string      `json:"operator_id"`
	CorrelationID string      `json:"correlation_id"`
}

// Handle authenticates, authorizes, records, and executes one Command.
// The pre-execution audit entry is appended before any state mutation —
// every override has a pre-execution audit entry, and a command that
// fails to record is never executed.
func (h *Handler) Handle(ctx context.Context, cmd Command, tick clock.Tick) (Response, error) {
	deadline, cancel := context.WithTimeout(ctx, overrideLatencyBudget)
	defer cancel()

	claims, err := h.validator.Validate(cmd.OperatorToken)
	if err != nil {
		return Response{Status: StatusAuthFailed, CorrelationID: cmd.CorrelationID, Detail: err.Error()}, nil
	}

	if claims.Level < requiredLevel[cmd.Type] {
		return Response{Status: StatusInsufficientAuthorization, CorrelationID: cmd.CorrelationID}, nil
	}
	if highSeverity[cmd.Type] && !cmd.Confirmation {
		return Response{Status: StatusConfirmationRequired, CorrelationID: cmd.CorrelationID}, nil
	}

	entry, err := h.audit.Append(deadline, "override.Handler", audit.EventOverrideReceived, tick, cmd.Target,
		mustJSON(receivedPayload{Command: cmd.Type, Target: cmd.Target, OperatorID: claims.OperatorID, CorrelationID: cmd.CorrelationID}))
	if err != nil {
		return Response{Status: StatusOverloaded, CorrelationID: cmd.CorrelationID, Detail: err.Error()}, nil
	}
	auditIDs := []string{entry.ID}

	resp, execErr := h.execute(deadline, cmd, tick)
	resp.CorrelationID = cmd.CorrelationID
	resp.AuditEntryIDs = append(auditIDs, resp.AuditEntryIDs...)
	if execErr != nil {
		return resp, execErr
	}

	select {
	case <-deadline.Done():
		return Response{Status: StatusOverloaded, CorrelationID: cmd.CorrelationID, AuditEntryIDs: auditIDs}, nil
	default:
	}
	return resp, nil
}

func (h *Handler) execute(ctx context.Context, cmd Command, tick clock.Tick) (Response, error) {
	switch cmd.Type {
	case CmdView:
		if _, err := h.registry.Get(cmd.Target); err != nil {
			return Response{Status: StatusNotFound}, nil
		}
		return Response{Status: StatusOk}, nil

	case CmdAdvisory:
		if _, err := h.registry.Get(cmd.Target); err != nil {
			return Response{Status: StatusNotFound}, nil
		}
		return Response{Status: StatusOk}, nil

	case CmdQuarantine:
		if err := h.registry.SetStatus(cmd.Target, registry.StatusQuarantined, false); err != nil {
			return Response{Status: StatusConflict, Detail: err.Error()}, nil
		}
		return Response{Status: StatusOk}, nil

	case CmdTerminate:
		if err := h.vault.MarkTerminated(cmd.Target, cmd.Reason, tick); err != nil {
			return Response{Status: StatusConflict, Detail: err.Error()}, nil
		}
		if err := h.registry.SetStatus(cmd.Target, registry.StatusTerminated, false); err != nil {
			return Response{Status: StatusConflict, Detail: err.Error()}, nil
		}
		return Response{Status: StatusOk}, nil

	case CmdHalt, CmdShutdown:
		h.halted.Store(true)
		entry, err := h.audit.Append(ctx, "override.Handler", audit.EventSystemHalt, tick, "", mustJSON(struct {
			Command CommandType `json:"command"`
		}{cmd.Type}))
		if err != nil {
			return Response{Status: StatusOverloaded, Detail: err.Error()}, nil
		}
		return Response{Status: StatusOk, AuditEntryIDs: []string{entry.ID}}, nil

	case CmdReset:
		h.halted.Store(false)
		return Response{Status: StatusOk}, nil

	default:
		return Response{Status: StatusNotFound, Detail: "unknown command"}, nil
	}
}
