package management

import (
	"fmt"
	"strconv"
	"strings"

	"relayq/internal/constants"
	"relayq/pkg/cel"
	pkgerrors "relayq/pkg/errors"
)

func ValidateEnqueueRequest(req EnqueueRequest) error {
	if req.ID != "" && strings.TrimSpace(req.ID) == "" {
		return pkgerrors.ErrValidation.WithMessage("id cannot be blank").WithDetail("field", "id")
	}
	if req.Payload == nil {
		return pkgerrors.ErrValidation.WithMessage("payload is required").WithDetail("field", "payload")
	}
	if req.MaxRetries < 0 {
		return pkgerrors.ErrValidation.
			WithMessage(fmt.Sprintf("max_retries must be non-negative, got %d", req.MaxRetries)).
			WithDetail("field", "max_retries")
	}
	return nil
}

// ParseLimit reads a list limit query value. Empty means the default.
func ParseLimit(raw string) (int, error) {
	if raw == "" {
		return constants.DefaultDeadLetterLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > constants.MaxDeadLetterLimit {
		return 0, pkgerrors.ErrValidation.
			WithMessage(fmt.Sprintf("limit must be an integer between 1 and %d", constants.MaxDeadLetterLimit)).
			WithDetail("field", "limit")
	}
	return limit, nil
}

// ValidateRule checks that expression compiles to a boolean over a message.
func ValidateRule(evaluator *cel.Evaluator, expression string) error {
	if strings.TrimSpace(expression) == "" {
		return pkgerrors.ErrValidation.WithMessage("expression is required").WithDetail("field", "expression")
	}
	if err := evaluator.ValidateRule(expression); err != nil {
		return pkgerrors.ErrValidation.
			WithMessage(fmt.Sprintf("invalid CEL rule: %v", err)).
			WithDetail("field", "expression").
			WithCause(err)
	}
	return nil
}
