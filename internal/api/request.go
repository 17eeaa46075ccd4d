package api

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// submitRequest is the POST /v1/runs body.
type submitRequest struct {
	PackType    string          `json:"pack_type" validate:"required,max=64"`
	Inputs      json.RawMessage `json:"inputs" validate:"required"`
	Reservation reservation     `json:"reservation" validate:"required"`
	Meta        *submitMeta     `json:"meta"`
}

type reservation struct {
	MaxCostUSD          string  `json:"max_cost_usd" validate:"required"`
	TimeboxSec          int     `json:"timebox_sec" validate:"required,min=1,max=90"`
	MinReliabilityScore float64 `json:"min_reliability_score" validate:"min=0,max=1"`
}

type submitMeta struct {
	TraceID        string `json:"trace_id" validate:"max=128"`
	ProfileVersion string `json:"profile_version" validate:"max=64"`
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validateSubmit returns a client-facing description of the first
// validation failure, or "" when the request is well formed.
func validateSubmit(v *validator.Validate, req *submitRequest) string {
	if err := v.Struct(req); err != nil {
		var invalid validator.ValidationErrors
		if ok := asValidationErrors(err, &invalid); ok && len(invalid) > 0 {
			f := invalid[0]
			return fmt.Sprintf("field %s failed %s validation", f.Namespace(), f.Tag())
		}
		return "request body is invalid"
	}
	if len(req.Inputs) == 0 || string(req.Inputs) == "null" {
		return "inputs must be a non-empty JSON value"
	}
	return ""
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}

// validIdempotencyKey enforces 8-64 printable ASCII characters.
func validIdempotencyKey(key string) bool {
	if len(key) < 8 || len(key) > 64 {
		return false
	}
	for _, c := range key {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
