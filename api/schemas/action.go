package schemas

import (
	"encoding/json"
	"fmt"
)

// -- Action Results --

// ActionError is the failure payload a host attaches to a reply.
type ActionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ActionError) String() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ActionResult is what a caller receives once an action settles.
// Exactly one of Data or Binary is populated for a successful json or
// binary action; void actions carry neither.
type ActionResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	// Binary holds decoded payload bytes (e.g. a PNG screenshot). It is
	// tagged apart from Data so text and bytes are never confused.
	Binary   []byte       `json:"binary,omitempty"`
	MimeType string       `json:"mimeType,omitempty"`
	Error    *ActionError `json:"error,omitempty"`
}

// IsBinary reports whether the result carries a byte payload.
func (r *ActionResult) IsBinary() bool {
	return r != nil && r.Binary != nil
}

// DecodeData unmarshals the JSON payload into v.
func (r *ActionResult) DecodeData(v interface{}) error {
	if r == nil || len(r.Data) == 0 {
		return fmt.Errorf("action result carries no json data")
	}
	return json.Unmarshal(r.Data, v)
}

// ResultShape tags what a successful reply for an action contains.
type ResultShape string

const (
	ShapeJSON   ResultShape = "json"
	ShapeBinary ResultShape = "binary"
	ShapeVoid   ResultShape = "void"
)

// Valid reports whether s is one of the known shapes.
func (s ResultShape) Valid() bool {
	switch s {
	case ShapeJSON, ShapeBinary, ShapeVoid:
		return true
	}
	return false
}
