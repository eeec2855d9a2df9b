package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/knowaveragejoe/discord-comfyui/internal/graph"
	"github.com/knowaveragejoe/discord-comfyui/pkg/types"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	client := NewClient(&Config{
		Host:   strings.TrimPrefix(ts.URL, "http://"),
		Logger: testLogger(),
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestSubmit(t *testing.T) {
	t.Run("queues a graph and returns the prompt id", func(t *testing.T) {
		var captured struct {
			Prompt   map[string]any `json:"prompt"`
			ClientID string         `json:"client_id"`
		}
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/prompt" {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
			if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p1"})
		}))

		doc := graph.Document{"1": {"class_type": "KSampler"}}
		promptID, err := client.Submit(context.Background(), doc)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if promptID != "p1" {
			t.Errorf("expected prompt id p1, got %q", promptID)
		}
		if captured.ClientID != client.ClientID() {
			t.Errorf("submission did not carry the client id: %q", captured.ClientID)
		}
		if _, ok := captured.Prompt["1"]; !ok {
			t.Errorf("submission did not carry the graph: %v", captured.Prompt)
		}
	})

	t.Run("server rejection yields a status error", func(t *testing.T) {
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"invalid prompt"}`, http.StatusBadRequest)
		}))

		_, err := client.Submit(context.Background(), graph.Document{})
		var statusErr *StatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("expected *StatusError, got %v", err)
		}
		if statusErr.Status != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", statusErr.Status)
		}
	})
}

func TestFetchArtifact(t *testing.T) {
	want := []byte{0x89, 'P', 'N', 'G'}
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/view" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("filename") != "out_001.png" || q.Get("type") != "output" {
			t.Errorf("unexpected query: %v", q)
		}
		w.Write(want)
	}))

	data, err := client.FetchArtifact(context.Background(), types.ArtifactRef{
		Filename:   "out_001.png",
		Subfolder:  "",
		FolderType: "output",
	})
	if err != nil {
		t.Fatalf("FetchArtifact failed: %v", err)
	}
	if !bytes.Equal(data, want) {
		t.Errorf("unexpected artifact bytes: %v", data)
	}
}

func TestListModels(t *testing.T) {
	t.Run("lists names for a known folder type", func(t *testing.T) {
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/models/checkpoints" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			json.NewEncoder(w).Encode([]string{"sd_xl_base.safetensors"})
		}))

		models, err := client.ListModels(context.Background(), "checkpoints")
		if err != nil {
			t.Fatalf("ListModels failed: %v", err)
		}
		if len(models) != 1 || models[0] != "sd_xl_base.safetensors" {
			t.Errorf("unexpected model list: %v", models)
		}
	})

	t.Run("rejects unknown folder types locally", func(t *testing.T) {
		client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("request should not reach the server")
		}))
		if _, err := client.ListModels(context.Background(), "malware"); err == nil {
			t.Error("expected error for unknown model type")
		}
	})
}

func TestHistory(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/history/p1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"p1": map[string]any{"status": "success"}})
	}))

	history, err := client.History(context.Background(), "p1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if _, ok := history["p1"]; !ok {
		t.Errorf("unexpected history: %v", history)
	}
}

func TestInterrupt(t *testing.T) {
	var called bool
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/interrupt" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		called = true
	}))

	if err := client.Interrupt(context.Background()); err != nil {
		t.Fatalf("Interrupt failed: %v", err)
	}
	if !called {
		t.Error("interrupt never reached the server")
	}
}

func TestOpenStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			return
		}
		if r.URL.Query().Get("clientId") == "" {
			t.Error("stream dialled without a client id")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Handshake frame, then one real event.
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":0}}}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"progress","data":{"value":1,"max":2}}`))
	}))

	stream, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer stream.Close()

	// The handshake status frame is consumed by OpenStream.
	messageType, data, err := stream.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Errorf("unexpected message type: %d", messageType)
	}
	ev, err := types.DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent failed: %v", err)
	}
	if ev.Type != types.EventProgress {
		t.Errorf("expected first frame to be progress, got %s", ev.Type)
	}
}

func TestOpenStreamReplacesPrevious(t *testing.T) {
	upgrader := websocket.Upgrader{}
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":0}}}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))

	first, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	second, err := client.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("second OpenStream failed: %v", err)
	}
	defer second.Close()

	// The replaced stream is closed, not leaked: its read fails immediately.
	if _, _, err := first.ReadFrame(); err == nil {
		t.Error("expected read on replaced stream to fail")
	}
}

func TestClose(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
