// Package envelope defines the JSON wire contract exchanged between a
// plutoid kernel and its clients over the message broker (see the kernel
// package's Control Loop for how envelopes are dispatched).
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message types recognised by the kernel's Control Loop (inbound) and
// emitted back to clients (outbound).
const (
	TypePingRequest           = "ping_request"
	TypePingResponse          = "ping_response"
	TypeCodeExecution         = "code_execution"
	TypeCodeExecutionComplete = "code_execution_complete"
	TypeInputRequest          = "input_request"
	TypeInputResponse         = "input_response"
	TypeStdout                = "stdout"
	TypeStderr                = "stderr"
	TypeMatplotlibDrawing     = "matplotlib_drawing"
	TypeShutdown              = "shutdown"
)

// timeLayout is ISO-8601 UTC with no timezone suffix, matching the
// original kernel's datetime.utcnow().isoformat().
const timeLayout = "2006-01-02T15:04:05.999999"

// Header is the envelope's required addressing and routing metadata.
type Header struct {
	KernelID  string `json:"kernel_id"`
	MsgType   string `json:"msg_type"`
	MsgID     string `json:"msg_id"`
	Timestamp string `json:"timestamp"`
}

// Envelope is the JSON object exchanged over the broker. MsgData is left
// untyped since its shape depends on MsgType; callers use the typed
// accessors below to pull out the fields they need.
type Envelope struct {
	Header  Header         `json:"header"`
	MsgData map[string]any `json:"msg_data,omitempty"`
}

// New builds an outbound envelope: a fresh random msg_id and a current UTC
// timestamp, msg_data omitted when nil or empty.
func New(kernelID, msgType string, msgData map[string]any) Envelope {
	return Envelope{
		Header: Header{
			KernelID:  kernelID,
			MsgType:   msgType,
			MsgID:     uuid.NewString(),
			Timestamp: time.Now().UTC().Format(timeLayout),
		},
		MsgData: msgData,
	}
}

// Encode serialises the envelope to its wire JSON form.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire payload into an Envelope. It does not validate the
// result; call Validate separately to check "is this an admissible
// message" once "is this JSON" has already passed.
func Decode(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate reports whether the envelope has every required header field
// (spec §4.4.1). msg_data is intentionally not required here: it may be
// absent for shutdown messages.
func (e Envelope) Validate() bool {
	h := e.Header
	return h.KernelID != "" && h.MsgID != "" && h.MsgType != "" && h.Timestamp != ""
}

// StringField reads a string field out of MsgData, returning ("", false)
// when absent or of the wrong type.
func (e Envelope) StringField(name string) (string, bool) {
	if e.MsgData == nil {
		return "", false
	}
	v, ok := e.MsgData[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
