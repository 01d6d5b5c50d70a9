package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Payload is the body of every request and response.
//
// On the wire it is the compact array [request_id, method, params, ts].
type Payload struct {
	// RequestID correlates a response with its request. Zero is reserved for
	// server-initiated messages.
	RequestID uint64 `json:"request_id"`
	// Method is the RPC method name, or "error" for error responses.
	Method string `json:"method"`
	// Params holds the method parameters or the result.
	Params Params `json:"params"`
	// Timestamp is the creation time in Unix milliseconds.
	Timestamp uint64 `json:"ts"`
}

// NewPayload stamps a payload with the current time. Nil params become an
// empty object.
func NewPayload(id uint64, method string, params Params) Payload {
	if params == nil {
		params = Params{}
	}

	return Payload{
		RequestID: id,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
}

// UnmarshalJSON reads the array form.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var rawArr []json.RawMessage
	if err := json.Unmarshal(data, &rawArr); err != nil {
		return fmt.Errorf("error reading payload as array: %w", err)
	}
	if len(rawArr) != 4 {
		return errors.New("invalid payload: expected 4 elements in array")
	}

	if err := json.Unmarshal(rawArr[0], &p.RequestID); err != nil {
		return fmt.Errorf("invalid request_id: %w", err)
	}
	if err := json.Unmarshal(rawArr[1], &p.Method); err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	if err := json.Unmarshal(rawArr[2], &p.Params); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	if err := json.Unmarshal(rawArr[3], &p.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	return nil
}

// MarshalJSON writes the array form.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		p.RequestID,
		p.Method,
		p.Params,
		p.Timestamp,
	})
}

// Params maps parameter names to raw JSON values so decoding into a concrete
// type can be deferred to the handler.
type Params map[string]json.RawMessage

// NewParams converts any JSON object-encodable value to Params.
func NewParams(v any) (Params, error) {
	if v == nil {
		return Params{}, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("error marshalling params: %w", err)
	}
	var params Params
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("error unmarshalling params: %w", err)
	}
	return params, nil
}

// Translate decodes the params into v.
func (p Params) Translate(v any) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("error marshalling params: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshalling params: %w", err)
	}
	return nil
}

// Error returns the Error described by error params, or nil.
func (p Params) Error() error {
	errMsgRaw, ok := p[errorParamKey]
	if !ok {
		return nil
	}

	var errMsg string
	if err := json.Unmarshal(errMsgRaw, &errMsg); err != nil {
		return nil
	}

	var codeStr string
	if raw, ok := p[codeParamKey]; ok {
		_ = json.Unmarshal(raw, &codeStr)
	}
	return NewError(parseCode(codeStr), errMsg)
}
