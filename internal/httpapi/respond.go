package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"posledger/backend/internal/importer"
	"posledger/backend/internal/ledger"
	"posledger/backend/internal/locker"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
)

var (
	errRouteNotFound   = errors.New("route not found")
	errTooManyRequests = errors.New("too many requests")
	errTerminalTooLong = fmt.Errorf("%s header is too long", terminalHeader)
	errIdempotencyLong = fmt.Errorf("%w: %s header is too long", service.ErrInvalidRequest, idempotencyHeader)
)

// statusFor maps ledger, service and store errors to HTTP status codes.
func statusFor(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientStock),
		errors.Is(err, ledger.ErrOverReturn),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, ledger.ErrEmptyCart),
		errors.Is(err, ledger.ErrInvalidLine),
		errors.Is(err, ledger.ErrInvalidPayment),
		errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, importer.ErrInvalidSheet):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrConfiguration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, locker.ErrLockTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Stock and return shortfalls carry
// their quantities so a till can show what is left.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.log.WithError(err).WithFields(logrus.Fields{
			"path":   r.URL.Path,
			"status": status,
		}).Error("request failed")
	}

	body := map[string]any{"error": err.Error()}
	if status >= 500 {
		body["error"] = "internal server error"
		if status == http.StatusServiceUnavailable {
			body["error"] = "stock is busy, try again"
			w.Header().Set("Retry-After", "1")
		}
	}

	var (
		short *ledger.InsufficientStockError
		over  *ledger.OverReturnError
		line  *ledger.LineError
	)
	switch {
	case errors.As(err, &short):
		body["product_id"] = short.ProductID
		body["requested"] = short.Requested
		body["available"] = short.Available
	case errors.As(err, &over):
		body["product_id"] = over.ProductID
		body["requested"] = over.Requested
		body["returnable"] = over.Returnable
	}
	if errors.As(err, &line) {
		body["line"] = line.Line
	}

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		fields := make([]string, 0, len(validationErrs))
		for _, fe := range validationErrs {
			fields = append(fields, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
		}
		body["error"] = "request validation failed"
		body["fields"] = fields
	}

	writeJSON(w, status, body)
}

// decodeAndValidate reads a JSON body into dest and runs struct validation.
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := decodeJSON(r, dest); err != nil {
		return fmt.Errorf("%w: %v", service.ErrInvalidRequest, err)
	}
	return a.validate.Struct(dest)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
