package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rpggio/chairside/internal/domain/record"
	"github.com/rpggio/chairside/internal/domain/session"
	"github.com/rpggio/chairside/internal/gateway"
	"github.com/rpggio/chairside/internal/syncstore"
)

// Error codes carried in error responses.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeUnauthorized            = "unauthorized"
	CodeNotFound                = "not_found"
	CodeSubscriptionUnavailable = "subscription_unavailable"
	CodeFilterUnsupported       = "filter_unsupported"
	CodeInternal                = "internal"
)

// FilterPrefix marks equality predicates in a query string: ?eq.patient_id="p1".
const FilterPrefix = "eq."

const maxBodyBytes = 1 << 20

// Error is the body of a failed response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps Error as {"error": {...}}.
type ErrorResponse struct {
	Error Error `json:"error"`
}

// ListResponse is the body of a collection query.
type ListResponse struct {
	Records []record.Record `json:"records"`
}

// ParseFields decodes a JSON object of record fields.
func ParseFields(body io.Reader) (record.Fields, error) {
	var fields record.Fields
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: parse body: %v", record.ErrInvalidInput, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", record.ErrInvalidInput)
	}
	return fields, nil
}

// ParseQuery extracts the filter and order from a query string. Filter
// values are JSON; a value that is not valid JSON is taken as a string.
func ParseQuery(values url.Values) (record.Filter, record.Order, error) {
	var filter record.Filter
	for key, vals := range values {
		field, ok := strings.CutPrefix(key, FilterPrefix)
		if !ok || len(vals) == 0 {
			continue
		}
		if filter == nil {
			filter = record.Filter{}
		}
		var v any
		if err := json.Unmarshal([]byte(vals[0]), &v); err != nil {
			v = vals[0]
		}
		filter[field] = v
	}
	order, err := record.ParseOrder(values.Get("order"))
	if err != nil {
		return nil, record.Order{}, err
	}
	if err := record.ValidateQuery(filter, order); err != nil {
		return nil, record.Order{}, err
	}
	return filter, order, nil
}

// EncodeQuery renders filter and order in the form ParseQuery reads.
func EncodeQuery(filter record.Filter, order *record.Order) (url.Values, error) {
	values := url.Values{}
	for _, field := range filter.Keys() {
		data, err := json.Marshal(filter[field])
		if err != nil {
			return nil, fmt.Errorf("%w: filter %s: %v", record.ErrInvalidInput, field, err)
		}
		values.Set(FilterPrefix+field, string(data))
	}
	if order != nil {
		values.Set("order", order.String())
	}
	return values, nil
}

// WriteResult writes a JSON success response.
func WriteResult(w http.ResponseWriter, status int, result any) {
	writeJSON(w, status, result)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: Error{Code: code, Message: message}})
}

// WriteGatewayError maps err onto a status code and error response.
func WriteGatewayError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	WriteError(w, status, code, message)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, gateway.ErrFilterUnsupported):
		return http.StatusNotImplemented, CodeFilterUnsupported
	case errors.Is(err, gateway.ErrSubscriptionUnavailable):
		return http.StatusNotImplemented, CodeSubscriptionUnavailable
	case errors.Is(err, ErrUnauthorized), errors.Is(err, session.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, record.ErrInvalidCollection),
		errors.Is(err, record.ErrInvalidInput),
		errors.Is(err, record.ErrReservedField),
		errors.Is(err, syncstore.ErrInvalidOptions):
		return http.StatusBadRequest, CodeInvalidRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
