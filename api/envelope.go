package api

import (
	"encoding/json"
	"net/http"

	"github.com/inkwire/gatehouse/trust"
)

// Every response is a result envelope: {"result":"SUCCESS", ...fields}
// on success, {"result":"FAILURE","error":{...}} otherwise.

type failureBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file"`
	Line    int    `json:"line"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeSuccess writes a success envelope with the given extra fields.
func writeSuccess(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"result": "SUCCESS"}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// writeFailure maps an error onto the envelope and an HTTP status. Non
// taxonomy errors are treated as critical.
func writeFailure(w http.ResponseWriter, err error) {
	f, ok := trust.As(err)
	if !ok {
		f = trust.Failf(trust.Critical, "internal error")
	}
	body := map[string]any{
		"result": "FAILURE",
		"error": failureBody{
			Code:    string(f.Code),
			Message: f.Message,
			File:    f.File,
			Line:    f.Line,
		},
	}
	for k, v := range f.Vars {
		body[k] = v
	}
	writeJSON(w, statusFor(f.Code), body)
}

func statusFor(code trust.Code) int {
	switch code {
	case trust.InvalidArgument:
		return http.StatusBadRequest
	case trust.Misuse, trust.IntegrityViolation:
		return http.StatusForbidden
	case trust.Conflict:
		return http.StatusConflict
	case trust.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
