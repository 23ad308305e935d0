// Package protocol defines the request/response/notification shapes spoken
// on both sides of the broker: upstream to the analysis host and downstream
// to the plugin worker. The encoding is JSON; requests and responses are
// correlated by id, notifications carry no id.
package protocol

import "encoding/json"

// Request methods answered locally by the broker.
const (
	MethodVersionCheck    = "plugin.versionCheck"
	MethodSetContextRoots = "analysis.setContextRoots"
	MethodShutdown        = "plugin.shutdown"
)

// MethodWorkerHandshake is the first request a freshly spawned worker sends
// to the broker: its version announcement. The broker answers with a
// VersionCheckResult before anything else flows on the channel.
const MethodWorkerHandshake = "customLint.handshake"

// Request methods forwarded to (and answered by) the plugin worker.
const (
	MethodGetFixes          = "edit.getFixes"
	MethodAwaitAnalysisDone = "customLint.awaitAnalysisDone"
	MethodSetConfig         = "customLint.setConfig"
)

// Notification events emitted toward the host.
const (
	EventAnalysisErrors = "analysis.errors"
	EventPluginError    = "plugin.error"
	EventPrint          = "customLint.print"
)

// Stable error codes carried in error responses.
const (
	ErrorCodePluginError    = "PLUGIN_ERROR"
	ErrorCodeUnknownRequest = "UNKNOWN_REQUEST"
)

// RequestError is the error half of a response payload.
type RequestError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// Message is the single envelope carried on every transport. Exactly one of
// the three shapes is populated:
//
//	request:      id + method (+ params)
//	response:     id + result|error, no method
//	notification: event (+ params), no id
type Message struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Event  string          `json:"event,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RequestError   `json:"error,omitempty"`
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool {
	return m.ID != "" && m.Method != ""
}

// IsResponse reports whether m is a response.
func (m *Message) IsResponse() bool {
	return m.ID != "" && m.Method == "" && m.Event == ""
}

// IsNotification reports whether m is a notification.
func (m *Message) IsNotification() bool {
	return m.ID == "" && m.Event != ""
}

// NewRequest builds a request message, marshalling params. A nil params
// produces a request with no params field.
func NewRequest(id, method string, params any) (Message, error) {
	msg := Message{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Message{}, err
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id string, result any) (Message, error) {
	msg := Message{ID: id}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Message{}, err
		}
		msg.Result = raw
	}
	return msg, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id, code, message, stackTrace string) Message {
	return Message{
		ID: id,
		Error: &RequestError{
			Code:       code,
			Message:    message,
			StackTrace: stackTrace,
		},
	}
}

// NewNotification builds a notification message.
func NewNotification(event string, params any) (Message, error) {
	msg := Message{Event: event}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Message{}, err
		}
		msg.Params = raw
	}
	return msg, nil
}
