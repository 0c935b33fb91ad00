package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

// StatusFor сопоставляет ошибку сервиса HTTP-статусу.
func StatusFor(err error) int {
	switch domain.ErrorKind(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnavailable,
		domain.KindInsufficientInventory,
		domain.KindConcurrencyConflict,
		domain.KindIdempotencyConflict,
		domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError не раскрывает текст внутренних ошибок клиенту.
func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = http.StatusText(http.StatusInternalServerError)
	}
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var errInvalidJSON = errors.New("invalid json")
