// Package template renders workflow templates into graph documents. Templates
// are Jinja-syntax JSON files resolved by workflow name inside a fixed
// directory; context values are substituted with JSON-string escaping so that
// arbitrary prompt text cannot break the surrounding document.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nikolalohinski/gonja"

	"github.com/knowaveragejoe/discord-comfyui/internal/graph"
)

// ErrTemplateNotFound reports a workflow name that resolves to no template
// file. This is a configuration failure, not a rendering one.
var ErrTemplateNotFound = errors.New("workflow template not found")

// RenderError reports a substitution failure: bad template syntax or a
// context the template could not be applied to.
type RenderError struct {
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render template %q: %v", e.Template, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Engine renders templates from a directory.
type Engine struct {
	dir    string
	logger *slog.Logger
}

// NewEngine creates an engine reading templates from dir. Template files are
// named <workflow>.json.
func NewEngine(dir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{dir: dir, logger: logger}
}

// Render substitutes context into the named template and parses the result as
// a graph document. A missing template yields ErrTemplateNotFound, a
// substitution failure a *RenderError, and output that is not a valid
// document a *graph.ParseError.
func (e *Engine) Render(name string, context map[string]any) (graph.Document, error) {
	path := filepath.Join(e.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
		}
		return nil, fmt.Errorf("read template %q: %w", name, err)
	}

	tpl, err := gonja.FromString(string(data))
	if err != nil {
		return nil, &RenderError{Template: name, Err: err}
	}

	out, err := tpl.Execute(escapeContext(context))
	if err != nil {
		return nil, &RenderError{Template: name, Err: err}
	}

	doc, err := graph.Parse([]byte(out))
	if err != nil {
		return nil, err
	}

	e.logger.Debug("rendered workflow template",
		slog.String("template", name),
		slog.Int("nodes", len(doc)),
	)
	return doc, nil
}

// escapeContext JSON-escapes every string value so user-supplied text lands
// inside the template's own quotes without breaking document syntax. The
// enclosing quotes added by the marshaller are stripped because the template
// supplies them around the placeholder.
func escapeContext(context map[string]any) gonja.Context {
	escaped := make(gonja.Context, len(context))
	for key, value := range context {
		if s, ok := value.(string); ok {
			quoted, err := json.Marshal(s)
			if err == nil {
				escaped[key] = string(quoted[1 : len(quoted)-1])
				continue
			}
		}
		escaped[key] = value
	}
	return escaped
}
