// Package web serves the REST API and the dashboard aggregate.
package web

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/LupusDei/adjutant/internal/errs"
)

// envelope is the uniform response shape: {success, data?, error?}.
type envelope struct {
	Success bool        `json:"success"`
	Data    any         `json:"data,omitempty"`
	Error   *errs.Error `json:"error,omitempty"`
}

// writeOK writes a success envelope.
func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		log.Printf("web: encoding response: %v", err)
	}
}

// writeErr writes an error envelope with the status mapped from its code.
func writeErr(w http.ResponseWriter, err error) {
	ce := errs.Wrap(errs.CodeInternal, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(ce.Code))
	if encErr := json.NewEncoder(w).Encode(envelope{Success: false, Error: ce}); encErr != nil {
		log.Printf("web: encoding error response: %v", encErr)
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.New(errs.CodeValidation, "invalid request body: %v", err)
	}
	return nil
}
