package decision

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clusterlens/decider/pkg/engine"
	"github.com/clusterlens/decider/pkg/messaging"
)

// AuditRef names one audit in control payloads.
type AuditRef struct {
	AuditUUID string `json:"audit_uuid"`
}

// Register binds the dispatcher's methods on control. Shutdown closes the
// channel afterwards.
func (d *Dispatcher) Register(control *messaging.Control) error {
	handlers := map[string]messaging.Handler{
		messaging.MethodTriggerAudit: d.handleTrigger,
		messaging.MethodCancelAudit:  d.handleCancel,
		messaging.MethodAuditStatus:  d.handleStatus,
	}
	for _, method := range []string{messaging.MethodTriggerAudit, messaging.MethodCancelAudit, messaging.MethodAuditStatus} {
		if err := control.Handle(method, handlers[method]); err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.control = control
	d.mu.Unlock()
	d.logger.Debug().Str("topic", control.Topic()).Strs("methods", control.Methods()).Msg("control handlers registered")
	return nil
}

func (d *Dispatcher) handleTrigger(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var req RunRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	result, err := d.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) handleCancel(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var ref AuditRef
	if err := decodePayload(payload, &ref); err != nil {
		return nil, err
	}
	return d.Cancel(ctx, ref.AuditUUID)
}

func (d *Dispatcher) handleStatus(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var ref AuditRef
	if err := decodePayload(payload, &ref); err != nil {
		return nil, err
	}
	return d.Status(ctx, ref.AuditUUID)
}

func decodePayload(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return engine.NewPermanentError("request payload is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("malformed request payload: %v", err), err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}
