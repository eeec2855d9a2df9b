// Package graph models the node-graph documents submitted to the generation
// server: a JSON object mapping node identifiers to nodes, each with a
// class_type, an inputs mapping, and optional _meta.
package graph

import (
	"encoding/json"
	"fmt"
)

// Node is one addressable step in a document. It stays a raw mapping because
// descriptor paths and prompt injection address arbitrary nested keys.
type Node map[string]any

// ClassType returns the node's processing-node type, or "" if absent.
func (n Node) ClassType() string {
	s, _ := n["class_type"].(string)
	return s
}

// Inputs returns the node's inputs mapping, or nil if absent.
func (n Node) Inputs() map[string]any {
	m, _ := n["inputs"].(map[string]any)
	return m
}

// Title returns the human-readable title from _meta, or "" if absent.
func (n Node) Title() string {
	meta, _ := n["_meta"].(map[string]any)
	title, _ := meta["title"].(string)
	return title
}

// Document maps node identifiers to nodes. Iteration order is not stable.
type Document map[string]Node

// ParseError reports text that did not parse as a graph document. It is
// distinct from template rendering failures so callers can tell a broken
// template apart from a broken substitution.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid graph document: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes JSON into a Document.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	return doc, nil
}
