package comfy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/knowaveragejoe/discord-comfyui/internal/graph"
	"github.com/knowaveragejoe/discord-comfyui/internal/metrics"
	"github.com/knowaveragejoe/discord-comfyui/pkg/types"
)

// TrackerState is the lifecycle of one tracked submission.
type TrackerState string

const (
	StateIdle     TrackerState = "idle"
	StateTracking TrackerState = "tracking"
	StateDone     TrackerState = "done"
	StateFailed   TrackerState = "failed"
)

// Observer receives every event decoded from the stream, including events
// belonging to other submissions the server is processing.
type Observer func(*types.Event)

// Tracker drains the execution stream for one in-flight submission until its
// terminal event arrives. A tracker instance tracks one submission; run
// independent client/tracker pairs for concurrent submissions.
type Tracker struct {
	logger *slog.Logger

	mu       sync.Mutex
	state    TrackerState
	artifact types.ArtifactRef
}

// NewTracker creates a tracker in the idle state.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger, state: StateIdle}
}

// State returns the tracker's current state.
func (t *Tracker) State() TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Artifact returns the artifact reference recorded from the last executed
// event, by value. Meaningful once Track has returned successfully; an empty
// filename means no artifact was produced.
func (t *Tracker) Artifact() types.ArtifactRef {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.artifact
}

// Track reads frames from the stream until the terminal event for promptID
// arrives, returning the artifact filename recorded so far ("" if no executed
// event carried one). Every decoded event is forwarded to the observer if one
// is supplied — the stream is not filtered per submission by the server, so
// progress and preview events for other prompts arrive here too and the
// observer must disregard what it does not care about.
//
// Cancelling ctx closes the stream, which surfaces as a transport error. Any
// decode or read failure is terminal; the tracker does not retry.
func (t *Tracker) Track(ctx context.Context, promptID string, stream FrameReader, observer Observer) (string, error) {
	t.setState(StateTracking)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	for {
		messageType, data, err := stream.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("tracking aborted: %w", ctx.Err())
			} else {
				err = fmt.Errorf("read stream frame: %w", err)
			}
			t.setState(StateFailed)
			return "", err
		}

		var ev *types.Event
		switch messageType {
		case websocket.TextMessage:
			ev, err = types.DecodeEvent(data)
		case websocket.BinaryMessage:
			ev, err = types.DecodeBinaryEvent(data)
		default:
			continue
		}
		if err != nil {
			t.setState(StateFailed)
			return "", err
		}

		metrics.StreamEventsTotal.WithLabelValues(string(ev.Type)).Inc()
		if observer != nil {
			observer(ev)
		}

		switch ev.Type {
		case types.EventExecuted:
			// Terminal work has happened, but completion is only signalled by
			// the final executing event. Record the artifact for later; the
			// last executed event before termination wins.
			t.recordArtifact(ev.Executed)

		case types.EventExecuting:
			if ev.Executing.Node == nil && ev.Executing.PromptID == promptID {
				t.setState(StateDone)
				artifact := t.Artifact()
				t.logger.Info("execution completed",
					slog.String("prompt_id", promptID),
					slog.String("filename", artifact.Filename),
				)
				return artifact.Filename, nil
			}
		}
	}
}

// recordArtifact extracts the artifact reference from an executed event's
// outputs. This is the one deliberately lenient decode in the client: a
// malformed outputs shape degrades to an empty reference instead of aborting
// an otherwise-successful generation.
func (t *Tracker) recordArtifact(ev *types.ExecutedEvent) {
	value, err := graph.Get(ev.Output, []string{"images", "0"})
	if err != nil {
		t.logger.Warn("could not extract artifact from executed event",
			slog.String("prompt_id", ev.PromptID),
		)
		t.setArtifact(types.ArtifactRef{})
		return
	}

	image, ok := value.(map[string]any)
	if !ok {
		t.setArtifact(types.ArtifactRef{})
		return
	}

	filename, _ := image["filename"].(string)
	subfolder, _ := image["subfolder"].(string)
	folderType, _ := image["type"].(string)
	t.setArtifact(types.ArtifactRef{
		Filename:   filename,
		Subfolder:  subfolder,
		FolderType: folderType,
	})
}

func (t *Tracker) setState(state TrackerState) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

func (t *Tracker) setArtifact(ref types.ArtifactRef) {
	t.mu.Lock()
	t.artifact = ref
	t.mu.Unlock()
}
