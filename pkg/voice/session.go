// Package voice defines the contract with the upstream realtime
// voice-generation service.
//
// A [Session] is a long-lived bidirectional stream: text segments go up,
// synthesised audio chunks and incremental transcriptions come back down.
// The core never sees the wire protocol — it depends only on this
// event/command shape, so test code and alternative backends can supply
// their own implementations.
//
// All implementations must be safe for concurrent use.
package voice

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by Send when the session has been closed or
// its connection has dropped. Sends rejected this way are not queued — the
// caller keeps its segment and retries on the next connected session.
var ErrSessionClosed = errors.New("voice: session closed")

// Identity selects the synthesised voice for a session.
type Identity struct {
	// ID is the provider-specific voice identifier (e.g. "alloy").
	ID string

	// Name is a human-readable label used in logs.
	Name string
}

// ToolDefinition describes a function the upstream model may call
// mid-session. Tool calls are surfaced through the handler registered with
// [Session.OnToolCall].
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCallHandler is invoked by the session whenever the upstream model
// requests a tool call. It receives the tool name and JSON-encoded arguments
// and returns the result string injected back into the session. The handler
// runs on the session's receive goroutine and must not call blocking session
// methods.
type ToolCallHandler func(name, args string) (string, error)

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Voice is the identity used for all synthesised output on this session.
	Voice Identity

	// Instructions is the system-level prompt shaping delivery (tone, pacing).
	Instructions string

	// Tools is the set of tool definitions offered to the model, if any.
	Tools []ToolDefinition
}

// Transcription is an incremental transcription of synthesised output.
type Transcription struct {
	// Text is the transcribed fragment.
	Text string

	// Final marks the last fragment of the current response.
	Final bool
}

// Session is an open stream to the voice service.
//
// Audio, Transcriptions and Interrupted are closed when the session ends;
// check [Session.Err] afterwards to distinguish a clean close from a
// mid-stream failure. Callers must drain Audio promptly — backpressure here
// stalls the provider's receive loop.
type Session interface {
	// Send dispatches a text segment for synthesis. Fire-and-forget: there
	// is no reply correlation token, so callers must serialise sends
	// themselves if they need ordered output. Returns [ErrSessionClosed]
	// when the session is no longer usable.
	Send(text string) error

	// Audio emits raw little-endian PCM16 chunks of synthesised speech.
	Audio() <-chan []byte

	// Transcriptions emits incremental transcriptions of the synthesised
	// output as the service produces them.
	Transcriptions() <-chan Transcription

	// Interrupted signals that the service cut the current response short.
	Interrupted() <-chan struct{}

	// Closed is closed once the session has fully terminated.
	Closed() <-chan struct{}

	// Err returns the error that terminated the session, or nil for a clean
	// close. Valid after Closed is closed.
	Err() error

	// OnToolCall registers the tool-call handler. One handler at a time;
	// nil clears it.
	OnToolCall(handler ToolCallHandler)

	// Interrupt asks the service to stop generating the current response.
	Interrupt() error

	// Close terminates the session and releases its resources. Idempotent.
	Close() error
}

// Provider opens sessions against a concrete voice backend.
//
// Connect performs one bounded retry with a fixed backoff when the backend
// is transiently unavailable; any other failure is returned immediately.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
