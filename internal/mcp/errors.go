package mcp

import (
	"errors"
	"fmt"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/rpggio/chairside/internal/syncstore"
)

// APIError represents an MCP tool error.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.RecoveryHint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.RecoveryHint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MapError maps gateway and store errors to MCP error codes. Unknown errors
// are returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return &APIError{Code: "RECORD_NOT_FOUND", Message: err.Error(), RecoveryHint: "List the collection to find current ids"}
	case errors.Is(err, record.ErrReservedField):
		return &APIError{Code: "RESERVED_FIELD", Message: err.Error(), RecoveryHint: "id, created_at and updated_at are set by the server"}
	case errors.Is(err, record.ErrInvalidCollection), errors.Is(err, record.ErrInvalidInput):
		return &APIError{Code: "INVALID_INPUT", Message: err.Error()}
	case errors.Is(err, syncstore.ErrClosed):
		return &APIError{Code: "UNAVAILABLE", Message: "collection views are shutting down", RecoveryHint: "Retry after reconnecting"}
	case syncstore.IsKind(err, syncstore.KindMutationFailure):
		return &APIError{Code: "MUTATION_FAILED", Message: err.Error(), RecoveryHint: "The local view is unchanged; retry"}
	case syncstore.IsKind(err, syncstore.KindFetchFailure):
		return &APIError{Code: "FETCH_FAILED", Message: err.Error(), RecoveryHint: "The previous snapshot is kept; retry refetch_collection"}
	default:
		return err
	}
}
