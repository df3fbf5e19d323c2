package jmap

import (
	"encoding/json"
	"fmt"
)

// MethodCall is one entry of a request's methodCalls array: a method
// name, its arguments, and an opaque client-chosen call tag. On the wire
// it is a 3-element JSON array, not an object.
type MethodCall struct {
	Method  string
	Args    Args
	CallTag string
}

// UnmarshalJSON decodes the [methodName, args, callTag] tuple form.
func (c *MethodCall) UnmarshalJSON(data []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("method call must be a 3-element array: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &c.Method); err != nil {
		return fmt.Errorf("method call name: %w", err)
	}
	var args map[string]any
	if err := json.Unmarshal(tuple[1], &args); err != nil {
		return fmt.Errorf("method call args: %w", err)
	}
	c.Args = Args(args)
	if err := json.Unmarshal(tuple[2], &c.CallTag); err != nil {
		return fmt.Errorf("method call tag: %w", err)
	}
	return nil
}

// MarshalJSON encodes the [methodName, args, callTag] tuple form.
func (c MethodCall) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{c.Method, map[string]any(c.Args), c.CallTag})
}

// MethodResponse is one entry of a response's methodResponses array: a
// response name (the original method name, or "error"), a result
// payload, and the call tag of the originating call.
type MethodResponse struct {
	Name    string
	Result  Args
	CallTag string
}

// UnmarshalJSON decodes the [responseName, result, callTag] tuple form.
func (r *MethodResponse) UnmarshalJSON(data []byte) error {
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("method response must be a 3-element array: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &r.Name); err != nil {
		return fmt.Errorf("method response name: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(tuple[1], &result); err != nil {
		return fmt.Errorf("method response result: %w", err)
	}
	r.Result = Args(result)
	if err := json.Unmarshal(tuple[2], &r.CallTag); err != nil {
		return fmt.Errorf("method response tag: %w", err)
	}
	return nil
}

// MarshalJSON encodes the [responseName, result, callTag] tuple form.
func (r MethodResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{r.Name, map[string]any(r.Result), r.CallTag})
}

// IsError reports whether this response is an error response, i.e. not
// visible to later back-references in the same batch (spec §3 Invariants).
func (r MethodResponse) IsError() bool {
	return r.Name == "error"
}

// Request is one JMAP batch: an ordered sequence of method calls sharing
// an account context.
type Request struct {
	MethodCalls []MethodCall `json:"methodCalls"`
}

// Response is the corresponding ordered sequence of method responses.
type Response struct {
	MethodResponses []MethodResponse `json:"methodResponses"`
}

// NewErrorResponse builds a single-response error MethodResponse for callTag.
func NewErrorResponse(callTag string, errType string, description string) MethodResponse {
	args := Args{"type": errType}
	if description != "" {
		args["description"] = description
	}
	return MethodResponse{Name: "error", Result: args, CallTag: callTag}
}
