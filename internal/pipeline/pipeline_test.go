package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/knowaveragejoe/discord-comfyui/internal/comfy"
	"github.com/knowaveragejoe/discord-comfyui/internal/template"
	"github.com/knowaveragejoe/discord-comfyui/internal/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testTemplate = `{
  "4": {
    "class_type": "CheckpointLoaderSimple",
    "inputs": {"ckpt_name": "{{ model_name }}"},
    "_meta": {"title": "Load Checkpoint"}
  },
  "6": {
    "class_type": "CLIPTextEncode",
    "inputs": {"text": "{{ positive_prompt }}"},
    "_meta": {"title": "CLIP Text Encode (Positive)"}
  },
  "7": {
    "class_type": "CLIPTextEncode",
    "inputs": {"text": "{{ negative_prompt }}"},
    "_meta": {"title": "CLIP Text Encode (Negative)"}
  }
}`

func testDescriptors() map[string]workflow.Descriptor {
	return map[string]workflow.Descriptor{
		"txt2img": {
			Model: workflow.NodeRef{ClassType: "CheckpointLoaderSimple", Path: "inputs.ckpt_name"},
			Prompts: map[string]workflow.NodeRef{
				"positive": {ClassType: "CLIPTextEncode", Path: "inputs.text", TitleContains: "Positive"},
				"negative": {ClassType: "CLIPTextEncode", Path: "inputs.text", TitleContains: "Negative"},
			},
		},
	}
}

// fakeServer emulates the generation server end to end: submission, execution
// stream with handshake and terminal frames, and artifact download.
func fakeServer(t *testing.T, artifact []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	router := mux.NewRouter()

	router.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p1"})
	}).Methods(http.MethodPost)

	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		frames := []string{
			`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":1}}}}`,
			`{"type":"progress","data":{"value":10,"max":20}}`,
			`{"type":"executed","data":{"node":"9","prompt_id":"p1","output":{"images":[{"filename":"out_001.png","subfolder":"","type":"output"}]}}}`,
			`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`,
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	router.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filename") != "out_001.png" {
			http.NotFound(w, r)
			return
		}
		w.Write(artifact)
	}).Methods(http.MethodGet)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func newTestPipeline(t *testing.T, ts *httptest.Server) *Pipeline {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "txt2img.json"), []byte(testTemplate), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	engine := template.NewEngine(dir, testLogger())

	client := comfy.NewClient(&comfy.Config{
		Host:   strings.TrimPrefix(ts.URL, "http://"),
		Logger: testLogger(),
	})
	t.Cleanup(func() { client.Close() })

	p, err := New(engine, testDescriptors(), client, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestGenerate(t *testing.T) {
	artifact := []byte{0x89, 'P', 'N', 'G'}
	p := newTestPipeline(t, fakeServer(t, artifact))

	result, err := p.Generate(context.Background(), NewSession(), Request{
		Workflow:       "txt2img",
		Prompt:         "a cat",
		NegativePrompt: "blurry",
		Context:        map[string]any{"model_name": "sd_xl_base.safetensors"},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.PromptID != "p1" {
		t.Errorf("expected prompt id p1, got %q", result.PromptID)
	}
	if result.ModelName != "sd_xl_base.safetensors" {
		t.Errorf("unexpected model name: %q", result.ModelName)
	}
	if result.Artifact.Filename != "out_001.png" {
		t.Errorf("unexpected artifact ref: %+v", result.Artifact)
	}
	if !bytes.Equal(result.Data, artifact) {
		t.Errorf("unexpected artifact bytes: %v", result.Data)
	}
}

// liveServer emulates a server that only delivers events to streams connected
// at the moment they are emitted: the execution frames are broadcast while the
// submission is being handled and are never replayed. A client that queues the
// graph before its stream is connected never sees the terminal frame.
func liveServer(t *testing.T, artifact []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	router := mux.NewRouter()

	var mu sync.Mutex
	var stream *websocket.Conn

	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Register before the handshake goes out so the connection is known to
		// /prompt by the time the dialler has seen the handshake.
		mu.Lock()
		stream = conn
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":0}}}}`))
		mu.Unlock()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	router.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if stream != nil {
			frames := []string{
				`{"type":"executed","data":{"node":"9","prompt_id":"p1","output":{"images":[{"filename":"out_001.png","subfolder":"","type":"output"}]}}}`,
				`{"type":"executing","data":{"node":null,"prompt_id":"p1"}}`,
			}
			for _, frame := range frames {
				stream.WriteMessage(websocket.TextMessage, []byte(frame))
			}
		}
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p1"})
	}).Methods(http.MethodPost)

	router.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Write(artifact)
	}).Methods(http.MethodGet)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func TestGenerateEventsDuringSubmission(t *testing.T) {
	artifact := []byte{0x89, 'P', 'N', 'G'}
	p := newTestPipeline(t, liveServer(t, artifact))

	result, err := p.Generate(context.Background(), NewSession(), Request{
		Workflow: "txt2img",
		Prompt:   "a cat",
		Context:  map[string]any{"model_name": "sd_xl_base.safetensors"},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.Artifact.Filename != "out_001.png" {
		t.Errorf("unexpected artifact ref: %+v", result.Artifact)
	}
	if !bytes.Equal(result.Data, artifact) {
		t.Errorf("unexpected artifact bytes: %v", result.Data)
	}
}

func TestGenerateUnknownWorkflow(t *testing.T) {
	p := newTestPipeline(t, fakeServer(t, nil))

	_, err := p.Generate(context.Background(), NewSession(), Request{Workflow: "img2img", Prompt: "p"})
	if !errors.Is(err, ErrUnknownWorkflow) {
		t.Fatalf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestGenerateMissingRequiredNode(t *testing.T) {
	ts := fakeServer(t, nil)

	dir := t.TempDir()
	// Template with no checkpoint loader node.
	bad := `{"6": {"class_type": "CLIPTextEncode", "inputs": {"text": "{{ positive_prompt }}"}, "_meta": {"title": "Positive"}}}`
	if err := os.WriteFile(filepath.Join(dir, "txt2img.json"), []byte(bad), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	engine := template.NewEngine(dir, testLogger())
	client := comfy.NewClient(&comfy.Config{
		Host:   strings.TrimPrefix(ts.URL, "http://"),
		Logger: testLogger(),
	})
	t.Cleanup(func() { client.Close() })

	p, err := New(engine, testDescriptors(), client, testLogger())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = p.Generate(context.Background(), NewSession(), Request{Workflow: "txt2img", Prompt: "p"})
	var missing *workflow.MissingNodeError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *MissingNodeError, got %v", err)
	}
}

func TestWorkflows(t *testing.T) {
	p := newTestPipeline(t, fakeServer(t, nil))
	names := p.Workflows()
	if len(names) != 1 || names[0] != "txt2img" {
		t.Errorf("unexpected workflow list: %v", names)
	}
}
