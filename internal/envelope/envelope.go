// Package envelope renders the results of the caller facing operations as a
// uniform success or error document, so the outer surfaces never leak raw errors.
package envelope

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/h2a-dev/genq/internal/model"
)

// Envelope is the uniform response of a caller facing operation.
//
// On success it's rendered as `{"success": true, ...payload fields}`, on error as
// `{"success": false, "error_kind", "message", "suggestion", "valid_options"}`.
type Envelope struct {
	Success      bool
	Payload      any
	ErrorKind    model.ErrorKind
	Message      string
	Suggestion   string
	ValidOptions map[string]any
}

// OK returns a success envelope with the payload. The payload must be encoded
// as a JSON object.
func OK(payload any) Envelope {
	return Envelope{Success: true, Payload: payload}
}

// FromError returns the error envelope of err.
func FromError(err error) Envelope {
	kind := model.KindOf(err)
	if kind == "" {
		kind = model.ErrorKindInternal
	}

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}

	return Envelope{
		ErrorKind:  kind,
		Message:    msg,
		Suggestion: suggestion(kind, err),
	}
}

// WithValidOptions returns the envelope with the options the caller can use.
func (e Envelope) WithValidOptions(opts map[string]any) Envelope {
	e.ValidOptions = opts
	return e
}

func suggestion(kind model.ErrorKind, err error) string {
	switch kind {
	case model.ErrorKindValidation:
		return "Check the arguments, `genq kinds` lists the supported kinds and their models."
	case model.ErrorKindAuthentication:
		return "Check the provider key, set it with FAL_KEY or --fal-key."
	case model.ErrorKindRateLimit:
		if d, ok := model.RetryAfter(err); ok {
			return fmt.Sprintf("The provider is throttling requests, try again in %s.", d)
		}
		return "The provider is throttling requests, wait a bit and try again."
	case model.ErrorKindTransientNetwork:
		return "Temporary provider or network problem, try again."
	case model.ErrorKindProviderTerminalFailure:
		return "The provider failed the job, review the prompt and the inputs before submitting it again."
	case model.ErrorKindCircuitOpen:
		return "The provider is failing and calls are paused, try again in a minute."
	case model.ErrorKindNotFound:
		return "Check the task ID, `genq list --all` lists the known tasks."
	}
	return ""
}

// HTTPStatus returns the HTTP status code that matches the envelope.
func (e Envelope) HTTPStatus() int {
	if e.Success {
		return http.StatusOK
	}

	switch e.ErrorKind {
	case model.ErrorKindValidation:
		return http.StatusBadRequest
	case model.ErrorKindAuthentication:
		return http.StatusUnauthorized
	case model.ErrorKindNotFound:
		return http.StatusNotFound
	case model.ErrorKindRateLimit:
		return http.StatusTooManyRequests
	case model.ErrorKindTransientNetwork:
		return http.StatusBadGateway
	case model.ErrorKindCircuitOpen:
		return http.StatusServiceUnavailable
	case model.ErrorKindProviderTerminalFailure:
		return http.StatusUnprocessableEntity
	case model.ErrorKindCancelled:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// MarshalJSON flattens the payload fields next to the success flag.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if !e.Success {
		return json.Marshal(struct {
			Success      bool            `json:"success"`
			ErrorKind    model.ErrorKind `json:"error_kind"`
			Message      string          `json:"message"`
			Suggestion   string          `json:"suggestion,omitempty"`
			ValidOptions map[string]any  `json:"valid_options,omitempty"`
		}{false, e.ErrorKind, e.Message, e.Suggestion, e.ValidOptions})
	}

	fields := map[string]json.RawMessage{}
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("could not encode payload: %w", err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("payload is not an object: %w", err)
		}
	}
	fields["success"] = json.RawMessage("true")

	return json.Marshal(fields)
}
