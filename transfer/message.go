// Package transfer implements a message-channel RPC protocol whose payloads
// may carry values that cannot be copied across the channel: cancellation
// signals, live sequences, remote object references and byte slices.
//
// A Conn multiplexes calls in both directions over a Transport. Every value
// crossing the boundary is wrapped in an Envelope produced by a Registry.
package transfer

// MessageType discriminates wire messages.
type MessageType string

const (
	TypeCall    MessageType = "call"
	TypeResult  MessageType = "result"
	TypeError   MessageType = "error"
	TypePost    MessageType = "post"
	TypeClose   MessageType = "close"
	TypeRelease MessageType = "release"
	// TypeCancel abandons the call with the same ID.
	TypeCancel MessageType = "cancel"
)

// Message is the unit exchanged by transports. Calls and their replies share
// an ID; side port traffic is addressed by Port.
type Message struct {
	Type     MessageType `json:"type"`
	ID       string      `json:"id,omitempty"`
	Port     string      `json:"port,omitempty"`
	Target   string      `json:"target,omitempty"`
	Method   string      `json:"method,omitempty"`
	Args     []Envelope  `json:"args,omitempty"`
	Result   *Envelope   `json:"result,omitempty"`
	Error    *WireError  `json:"error,omitempty"`
	Transfer []string    `json:"transfer,omitempty"`
}

// Kind names the serialization rule that produced an Envelope.
type Kind string

const (
	KindRaw        Kind = "raw"
	KindBytes      Kind = "bytes"
	KindProxy      Kind = "proxy"
	KindCancelable Kind = "cancelable"
	KindSequence   Kind = "sequence"
)

// Envelope is the wire form of a single value.
type Envelope struct {
	Kind  Kind `json:"kind"`
	Value any  `json:"value,omitempty"`
}

// WireError is the wire form of a failed call.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
