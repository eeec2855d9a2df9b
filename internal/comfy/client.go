// Package comfy implements the client side of the generation server protocol:
// request/response calls for submitting graphs and fetching artifacts, plus
// the persistent execution stream and the tracker that drives it.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/knowaveragejoe/discord-comfyui/internal/graph"
	"github.com/knowaveragejoe/discord-comfyui/internal/metrics"
	"github.com/knowaveragejoe/discord-comfyui/pkg/types"
)

// ModelTypes lists the model folder names the server exposes under /models.
var ModelTypes = []string{
	"checkpoints",
	"clip",
	"clip_vision",
	"configs",
	"controlnet",
	"diffusers",
	"diffusion_models",
	"embeddings",
	"gligen",
	"hypernetworks",
	"loras",
	"photomaker",
	"style_models",
	"text_encoders",
	"unet",
	"upscale_models",
	"vae",
	"vae_approx",
}

// Config holds client construction options.
type Config struct {
	// Host is the server address, with an optional ":port" suffix.
	Host string

	// SubmitRPS rate-limits Submit calls; zero disables limiting.
	SubmitRPS   float64
	SubmitBurst int

	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client issues request/response calls against the generation server and owns
// the persistent execution stream. Request/response calls may run
// concurrently; the stream is exclusively owned by one tracker at a time.
type Client struct {
	baseURL  string
	wsURL    string
	clientID string
	httpc    *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu     sync.Mutex
	stream *Stream
}

// NewClient creates a client with a freshly generated correlation identifier.
// The identifier scopes the execution stream: the server associates frames
// with the submissions made under the same client id.
func NewClient(cfg *Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}

	var limiter *rate.Limiter
	if cfg.SubmitRPS > 0 {
		burst := cfg.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRPS), burst)
	}

	clientID := uuid.New().String()
	return &Client{
		baseURL:  "http://" + cfg.Host,
		wsURL:    "ws://" + cfg.Host + "/ws?clientId=" + clientID,
		clientID: clientID,
		httpc:    httpc,
		limiter:  limiter,
		logger:   logger,
	}
}

// ClientID returns the stable correlation identifier generated at
// construction.
func (c *Client) ClientID() string {
	return c.clientID
}

// submitRequest is the payload for queueing a graph.
type submitRequest struct {
	Prompt   graph.Document `json:"prompt"`
	ClientID string         `json:"client_id"`
}

// submitResponse carries the server-assigned prompt id echoed back on the
// stream for correlation.
type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit queues a graph for execution and returns the server-assigned prompt
// id. A non-success response yields a *StatusError.
func (c *Client) Submit(ctx context.Context, doc graph.Document) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	body, err := c.do(ctx, http.MethodPost, "/prompt", nil, submitRequest{Prompt: doc, ClientID: c.clientID})
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		return "", err
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("decode submit response: %w", err)
	}

	metrics.SubmissionsTotal.WithLabelValues("ok").Inc()
	c.logger.Info("graph submitted",
		slog.String("prompt_id", resp.PromptID),
		slog.Int("nodes", len(doc)),
	)
	return resp.PromptID, nil
}

// FetchArtifact retrieves the raw bytes of a finished artifact.
func (c *Client) FetchArtifact(ctx context.Context, ref types.ArtifactRef) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", ref.Filename)
	query.Set("subfolder", ref.Subfolder)
	query.Set("type", ref.FolderType)
	return c.do(ctx, http.MethodGet, "/view", query, nil)
}

// SystemStats fetches server statistics (device info, memory usage).
func (c *Client) SystemStats(ctx context.Context) (map[string]any, error) {
	body, err := c.do(ctx, http.MethodGet, "/system_stats", nil, nil)
	if err != nil {
		return nil, err
	}
	var stats map[string]any
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("decode system stats: %w", err)
	}
	return stats, nil
}

// History fetches execution history, for one prompt id or for all prompts
// when promptID is empty.
func (c *Client) History(ctx context.Context, promptID string) (map[string]any, error) {
	path := "/history"
	if promptID != "" {
		path += "/" + url.PathEscape(promptID)
	}
	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	var history map[string]any
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return history, nil
}

// ListModels lists model names available under the given folder type.
func (c *Client) ListModels(ctx context.Context, modelType string) ([]string, error) {
	if !validModelType(modelType) {
		return nil, fmt.Errorf("unknown model type %q", modelType)
	}
	body, err := c.do(ctx, http.MethodGet, "/models/"+url.PathEscape(modelType), nil, nil)
	if err != nil {
		return nil, err
	}
	var models []string
	if err := json.Unmarshal(body, &models); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return models, nil
}

// Interrupt asks the server to stop the currently executing prompt.
func (c *Client) Interrupt(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/interrupt", nil, nil)
	return err
}

// OpenStream dials the execution stream scoped to this client's correlation
// identifier. The server's status handshake frame is read and discarded
// before the stream is handed over, so the first frame a tracker sees is a
// real execution event.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		metrics.TransportErrorsTotal.WithLabelValues("open_stream").Inc()
		return nil, fmt.Errorf("open stream: %w", err)
	}

	// Handshake: one status frame arrives immediately after connecting.
	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		metrics.TransportErrorsTotal.WithLabelValues("open_stream").Inc()
		return nil, fmt.Errorf("read stream handshake: %w", err)
	}

	stream := &Stream{conn: conn}

	c.mu.Lock()
	prev := c.stream
	c.stream = stream
	c.mu.Unlock()

	// A reopened stream replaces the previous one; whoever is still reading
	// it gets a transport error instead of a silently leaked connection.
	if prev != nil {
		prev.Close()
	}

	c.logger.Debug("execution stream opened", slog.String("client_id", c.clientID))
	return stream, nil
}

// Close releases the execution stream (if open) and the HTTP side. It is
// idempotent and safe to call while a tracker is blocked reading the stream;
// the blocked read fails with a transport error.
func (c *Client) Close() error {
	c.mu.Lock()
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	c.httpc.CloseIdleConnections()
	return nil
}

// do performs one request/response round trip. Non-2xx responses become a
// *StatusError carrying the status code and body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		metrics.TransportErrorsTotal.WithLabelValues(method + " " + path).Inc()
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.TransportErrorsTotal.WithLabelValues(method + " " + path).Inc()
		return nil, &StatusError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func validModelType(modelType string) bool {
	for _, t := range ModelTypes {
		if t == modelType {
			return true
		}
	}
	return false
}
