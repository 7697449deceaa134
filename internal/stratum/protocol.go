package stratum

import (
	"encoding/json"
	"fmt"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// StratumError maps a share classification onto the JSON-RPC error tuple
// sent back to the miner. Accept-class statuses map to nil.
func (s ShareStatus) StratumError() *Error {
	switch s {
	case StatusAccepted, StatusSolvedBlock, StatusAcceptedStale:
		return nil
	case StatusErrJobNotFound:
		return &Error{Code: ErrorJobNotFound, Message: "Job not found"}
	case StatusErrDuplicateShare:
		return &Error{Code: ErrorDuplicateShare, Message: "Duplicate share"}
	case StatusErrLowDifficulty:
		return &Error{Code: ErrorLowDifficulty, Message: "Low difficulty share"}
	case StatusErrTimeTooOld:
		return &Error{Code: ErrorOther, Message: "Time too old"}
	case StatusErrTimeTooNew:
		return &Error{Code: ErrorOther, Message: "Time too new"}
	case StatusErrMalformedExtraNonce2:
		return &Error{Code: ErrorInvalidParams, Message: "Malformed extranonce2"}
	default:
		return &Error{Code: ErrorOther, Message: s.String()}
	}
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	WorkerFullName string
	JobID          string
	ExtraNonce2    string
	NTime          string
	Nonce          string
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// ParseSubscribeRequest extracts the user agent from mining.subscribe
// parameters; both parameters are optional.
func ParseSubscribeRequest(params []any) (userAgent string) {
	if len(params) > 0 {
		if ua, ok := params[0].(string); ok {
			userAgent = ua
		}
	}
	return userAgent
}

// ParseAuthorizeRequest parses mining.authorize parameters
func ParseAuthorizeRequest(params []any) (username, password string, err error) {
	if len(params) < 1 {
		return "", "", fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return "", "", fmt.Errorf("username must be string")
	}

	if len(params) > 1 {
		// password is optional and unused
		password, _ = params[1].(string)
	}

	return username, password, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	workerFullName, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("worker name must be string")
	}

	jobID, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("job_id must be string")
	}

	extraNonce2, ok := params[2].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce2 must be string")
	}

	nTime, ok := params[3].(string)
	if !ok {
		return nil, fmt.Errorf("ntime must be string")
	}

	nonce, ok := params[4].(string)
	if !ok {
		return nil, fmt.Errorf("nonce must be string")
	}

	return &SubmitRequest{
		WorkerFullName: workerFullName,
		JobID:          jobID,
		ExtraNonce2:    extraNonce2,
		NTime:          nTime,
		Nonce:          nonce,
	}, nil
}
