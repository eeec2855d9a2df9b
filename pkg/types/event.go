// Package types defines the wire-level types shared between the transport
// client, the execution tracker, and callers observing a generation.
package types

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// EventType categorizes a message received on the execution stream.
type EventType string

const (
	EventStatus       EventType = "status"
	EventProgress     EventType = "progress"
	EventExecuting    EventType = "executing"
	EventExecuted     EventType = "executed"
	EventPreviewImage EventType = "preview_image"
	EventUnknown      EventType = "unknown"
)

// Binary frame event codes (first four bytes, big endian).
const (
	BinaryEventPreviewImage uint32 = 1
)

// Preview image format codes (second four bytes of a preview frame).
const (
	previewFormatJPEG uint32 = 1
)

// Event is the decoded form of one stream frame. Type selects which payload
// field is populated; the others are nil.
type Event struct {
	Type      EventType
	Status    *StatusEvent
	Progress  *ProgressEvent
	Executing *ExecutingEvent
	Executed  *ExecutedEvent
	Preview   *PreviewImageEvent

	// Raw holds the undecoded data payload of a text frame, kept for
	// observers that want fields the typed payloads do not carry.
	Raw json.RawMessage
}

// StatusEvent carries queue state. The server sends one as a handshake when a
// stream is opened, and again whenever the queue changes.
type StatusEvent struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid,omitempty"`
}

// ProgressEvent reports sampling progress for the node currently executing.
type ProgressEvent struct {
	Value int `json:"value"`
	Max   int `json:"max"`
}

// ExecutingEvent announces the node the server moved on to. A nil Node with a
// matching prompt id means the whole submission finished.
type ExecutingEvent struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// ExecutedEvent carries the outputs a node produced, including artifact
// references for image-producing nodes.
type ExecutedEvent struct {
	Node     string         `json:"node"`
	PromptID string         `json:"prompt_id"`
	Output   map[string]any `json:"output"`
}

// PreviewImageEvent is an in-progress render preview from a binary frame.
type PreviewImageEvent struct {
	Format string
	Data   []byte
}

// ArtifactRef identifies a finished artifact on the server, sufficient to
// fetch its bytes over the HTTP API.
type ArtifactRef struct {
	Filename   string `json:"filename"`
	Subfolder  string `json:"subfolder"`
	FolderType string `json:"type"`
}

// envelope is the outer shape of every text frame.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeEvent decodes a UTF-8 JSON text frame into an Event. Frames with an
// unrecognized type string decode to EventUnknown rather than failing; only
// malformed JSON is an error.
func DecodeEvent(frame []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}

	ev := &Event{Raw: env.Data}

	switch EventType(env.Type) {
	case EventStatus:
		ev.Type = EventStatus
		ev.Status = &StatusEvent{}
		if err := json.Unmarshal(env.Data, ev.Status); err != nil {
			return nil, fmt.Errorf("decode status event: %w", err)
		}
	case EventProgress:
		ev.Type = EventProgress
		ev.Progress = &ProgressEvent{}
		if err := json.Unmarshal(env.Data, ev.Progress); err != nil {
			return nil, fmt.Errorf("decode progress event: %w", err)
		}
	case EventExecuting:
		ev.Type = EventExecuting
		ev.Executing = &ExecutingEvent{}
		if err := json.Unmarshal(env.Data, ev.Executing); err != nil {
			return nil, fmt.Errorf("decode executing event: %w", err)
		}
	case EventExecuted:
		ev.Type = EventExecuted
		ev.Executed = &ExecutedEvent{}
		if err := json.Unmarshal(env.Data, ev.Executed); err != nil {
			return nil, fmt.Errorf("decode executed event: %w", err)
		}
	default:
		ev.Type = EventUnknown
	}

	return ev, nil
}

// DecodeBinaryEvent decodes a binary frame. The layout is a 4-byte big-endian
// event code followed by a code-specific payload. Preview frames (code 1)
// carry a 4-byte big-endian format code and then the raw image bytes. Frames
// with an unknown event code decode to EventUnknown.
func DecodeBinaryEvent(frame []byte) (*Event, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("binary frame too short: %d bytes", len(frame))
	}

	eventCode := binary.BigEndian.Uint32(frame[:4])
	if eventCode != BinaryEventPreviewImage {
		return &Event{Type: EventUnknown}, nil
	}

	if len(frame) < 8 {
		return nil, fmt.Errorf("preview frame too short: %d bytes", len(frame))
	}

	format := "PNG"
	if binary.BigEndian.Uint32(frame[4:8]) == previewFormatJPEG {
		format = "JPEG"
	}

	return &Event{
		Type: EventPreviewImage,
		Preview: &PreviewImageEvent{
			Format: format,
			Data:   frame[8:],
		},
	}, nil
}
