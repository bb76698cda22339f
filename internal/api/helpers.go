package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/flowsync/pkg/schema"
)

// maxBody caps request bodies; imports carry whole documents.
const maxBody = 16 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps err to a status code and writes it with its error code.
func writeFailure(w http.ResponseWriter, err error) {
	var se *schema.SyncError
	if !errors.As(err, &se) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body := map[string]any{"error": se.Message, "code": se.Code}
	if se.Details != nil {
		body["details"] = se.Details
	}
	writeJSON(w, statusFor(se.Code), body)
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeMalformedDelta, schema.ErrCodeExpression:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return schema.NewError(schema.ErrCodeValidation, "request body is empty")
		}
		return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
