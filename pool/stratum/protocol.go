// Package stratum implements the Stratum mining protocol over WebSocket.
// Each text frame carries one JSON-RPC style message: requests from miners
// carry an integer id, server notifications carry none.
package stratum

import (
	"encoding/json"

	"github.com/starkforge/starkpool/pool/shares"
	"github.com/starkforge/starkpool/pool/store"
)

// Stratum method names
const (
	MethodSubscribe = "mining.subscribe"
	MethodAuthorize = "mining.authorize"
	MethodSubmit    = "mining.submit"
	MethodGetStatus = "mining.get_status"

	// Server-to-client notifications
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
)

// Extra nonce fields advertised in the subscribe response. The proof-of-work
// here does not consume them, but stratum clients expect the slots.
const (
	ExtraNonce1     = "00000000"
	ExtraNonce2Size = 4
)

// JSON-RPC error codes
const (
	CodeInvalidRequest = -32600
	CodeUnknownMethod  = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Message is an inbound wire frame. Inbound frames are requests from miners
// or, on the client side, responses and notifications from the pool.
type Message struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Request is an outbound client request
type Request struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Response is an outbound reply to a request, echoing its id.
// A nil ID marshals as null, used when the request carried no usable id.
type Response struct {
	ID     *uint64     `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *Error      `json:"error,omitempty"`
}

// Notification is a server-to-client message with no id to correlate
type Notification struct {
	ID     *uint64     `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// Error is a JSON-RPC error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Protocol-level errors with fixed wire texts
var (
	ErrInvalidRequest = &Error{Code: CodeInvalidRequest, Message: "Invalid request"}
	ErrMissingMethod  = &Error{Code: CodeInvalidRequest, Message: "Invalid request: missing method"}
	ErrMissingID      = &Error{Code: CodeInvalidRequest, Message: "Invalid request: missing id"}
	ErrInvalidParams  = &Error{Code: CodeInvalidParams, Message: "Invalid params"}
	ErrMissingWorker  = &Error{Code: CodeInvalidParams, Message: "Missing worker name"}
	ErrBadSubmission  = &Error{Code: CodeInvalidParams, Message: "Invalid submission format"}
	ErrRateLimited    = &Error{Code: CodeInternal, Message: "Rate limit exceeded"}
)

// UnknownMethod builds the error for an unrecognized method name
func UnknownMethod(method string) *Error {
	return &Error{Code: CodeUnknownMethod, Message: "Unknown method: " + method}
}

// InternalError wraps a domain error for the wire, stringifying its message
func InternalError(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// NewResponse builds a success response for the given request id
func NewResponse(id uint64, result interface{}) *Response {
	return &Response{ID: &id, Result: result}
}

// NewErrorResponse builds an error response. id may be nil when the
// offending request carried none.
func NewErrorResponse(id *uint64, e *Error) *Response {
	return &Response{ID: id, Error: e}
}

// NewNotification builds a server-to-client notification
func NewNotification(method string, params interface{}) *Notification {
	return &Notification{Method: method, Params: params}
}

// NotifyParams is the payload of a mining.notify notification.
// All byte fields encode as lowercase hex strings.
type NotifyParams struct {
	JobID           string         `json:"job_id"`
	BlockCommitment store.HexBytes `json:"block_commitment"`
	Target          store.HexBytes `json:"target"`
	ShareTarget     store.HexBytes `json:"share_target"`
	CleanJobs       bool           `json:"clean_jobs"`
}

// NewJobNotification builds the mining.notify message for a job template
func NewJobNotification(job *store.JobTemplate) *Notification {
	return NewNotification(MethodNotify, NotifyParams{
		JobID:           job.ID,
		BlockCommitment: job.BlockCommitment,
		Target:          job.Target,
		ShareTarget:     job.ShareTarget,
		CleanJobs:       true,
	})
}

// SubscribeResult builds the mining.subscribe response payload:
// the granted subscriptions, extra nonce 1, and extra nonce 2 size.
func SubscribeResult(subscriptionID string) []interface{} {
	return []interface{}{
		[][]string{{MethodNotify, subscriptionID}},
		ExtraNonce1,
		ExtraNonce2Size,
	}
}

// ParseSubscribeParams extracts the optional user agent from subscribe
// params. Anything malformed is simply ignored.
func ParseSubscribeParams(params json.RawMessage) string {
	var arr []interface{}
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) == 0 {
		return ""
	}
	agent, _ := arr[0].(string)
	return agent
}

// ParseAuthorizeParams extracts the worker name and optional password from
// authorize params: ["address" or "address.worker", password?].
func ParseAuthorizeParams(params json.RawMessage) (worker, password string, errObj *Error) {
	if len(params) == 0 {
		return "", "", ErrInvalidParams
	}
	var arr []interface{}
	if err := json.Unmarshal(params, &arr); err != nil {
		return "", "", ErrInvalidParams
	}
	if len(arr) == 0 {
		return "", "", ErrMissingWorker
	}
	worker, ok := arr[0].(string)
	if !ok || worker == "" {
		return "", "", ErrMissingWorker
	}
	if len(arr) > 1 {
		if p, ok := arr[1].(string); ok {
			password = p
		}
	}
	return worker, password, nil
}

// ParseSubmitParams decodes submit params into a share submission. The
// params object is the submission itself, with share_type as a tagged
// object holding either a ComputationProof or a ValidBlock variant.
func ParseSubmitParams(params json.RawMessage) (*shares.Submission, *Error) {
	if len(params) == 0 {
		return nil, ErrInvalidParams
	}
	var sub shares.Submission
	if err := json.Unmarshal(params, &sub); err != nil {
		return nil, ErrBadSubmission
	}
	if sub.JobID == "" || sub.MinerID == "" {
		return nil, ErrBadSubmission
	}
	if _, ok := sub.ShareType.Nonce(); !ok {
		return nil, ErrBadSubmission
	}
	return &sub, nil
}
