// Package response writes the flat JSON shapes used by the kaiwa HTTP API:
// successful bodies are the payload itself, failures are {"error": message}.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ErrorBody is the failure body every endpoint may return.
type ErrorBody struct {
	Error string `json:"error"`
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// OK writes a 200 JSON response.
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// Error writes an error response.
func Error(w http.ResponseWriter, status int, err interface{}) {
	var msg string
	switch e := err.(type) {
	case string:
		msg = e
	case interface{ Error() string }:
		msg = e.Error()
	default:
		msg = "An unknown error occurred"
	}
	JSON(w, status, ErrorBody{Error: msg})
}

// Binary writes raw bytes such as synthesized audio.
func Binary(w http.ResponseWriter, contentType string, data []byte) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// BadRequest writes a 400 Bad Request response.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

// Unauthorized writes a 401 Unauthorized response.
func Unauthorized(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnauthorized, message)
}

// InternalError writes a 500 Internal Server Error response.
func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, message)
}
