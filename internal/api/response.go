package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response is the JSON envelope of every ops endpoint.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result any) Response {
	return Response{Status: StatusOK, Result: result}
}

// Error builds an error envelope.
func Error(message string) Response {
	return Response{Status: StatusError, Message: message}
}

var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse marshals before writing headers so encoding failures still produce a valid body.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server writeJSONResponse marshal failed", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server writeJSONResponse write failed", "error", writeErr)
	}
}
