// Package httputil provides the small set of HTTP response/request helpers
// shared by FlowLens's API shim handlers. Authentication/RBAC lives in an
// external shell, so this package carries no user-identity helpers.
package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteErrorWithCode writes a JSON error response carrying a stable code.
func WriteErrorWithCode(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

func BadRequest(w http.ResponseWriter, message string)   { WriteError(w, http.StatusBadRequest, message) }
func NotFound(w http.ResponseWriter, message string)      { WriteError(w, http.StatusNotFound, message) }
func InternalError(w http.ResponseWriter, message string) { WriteError(w, http.StatusInternalServerError, message) }
func Conflict(w http.ResponseWriter, message string)      { WriteError(w, http.StatusConflict, message) }

// DecodeJSON decodes the request body into v, writing a 400 on failure and
// reporting whether decoding succeeded.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil {
		BadRequest(w, "request body required")
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// QueryInt reads an integer query parameter, falling back to defaultVal.
func QueryInt(r *http.Request, key string, defaultVal int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return v
}

// QueryString reads a string query parameter, falling back to defaultVal.
func QueryString(r *http.Request, key, defaultVal string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return defaultVal
}

// QueryBool reads a boolean query parameter, falling back to defaultVal.
func QueryBool(r *http.Request, key string, defaultVal bool) bool {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultVal
	}
	return v
}
