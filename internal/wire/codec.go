package wire

import (
	stdjson "encoding/json"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is one outbound action call.
type Request struct {
	ID       string
	Action   string
	Params   map[string]interface{}
	IssuedAt time.Time
	// Deadline is zero when the request may wait indefinitely.
	Deadline time.Time
}

// HasDeadline reports whether the request expires locally.
func (r *Request) HasDeadline() bool {
	return !r.Deadline.IsZero()
}

// Response is a decoded reply frame. Result is the raw result payload;
// Error is set when the host reported a failure.
type Response struct {
	ID     string
	Result jsoniter.RawMessage
	Error  *schemas.ActionError
}

type requestFrame struct {
	ID     string                 `json:"id"`
	Action string                 `json:"action"`
	Params map[string]interface{} `json:"params"`
}

type responseFrame struct {
	ID     jsoniter.RawMessage  `json:"id"`
	Result jsoniter.RawMessage  `json:"result,omitempty"`
	Error  *schemas.ActionError `json:"error,omitempty"`
}

// -- Client side --

// Encode validates req.Params against d and renders the request frame.
// Nothing is written anywhere if this fails.
func Encode(req *Request, d ActionDescriptor) ([]byte, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: request has no id", schemas.ErrProtocol)
	}
	if req.Action != d.Name {
		return nil, fmt.Errorf("%w: request action %q does not match descriptor %q", schemas.ErrUnknownAction, req.Action, d.Name)
	}
	if err := ValidateParams(d, req.Params); err != nil {
		return nil, err
	}
	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	frame, err := json.Marshal(requestFrame{ID: req.ID, Action: req.Action, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%w: params for %q cannot be encoded: %v", schemas.ErrInvalidParams, req.Action, err)
	}
	return frame, nil
}

// DecodeFrame parses a reply frame. A malformed frame yields an error
// wrapping schemas.ErrProtocol; when the id can still be read from it, the
// returned Response is non-nil and carries that id so the waiting call can be
// failed instead of left pending.
func DecodeFrame(raw []byte) (*Response, error) {
	var frame responseFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		if id, ok := recoverID(raw); ok {
			return &Response{ID: id}, fmt.Errorf("%w: malformed frame for id %s: %v", schemas.ErrProtocol, id, err)
		}
		return nil, fmt.Errorf("%w: malformed frame: %v", schemas.ErrProtocol, err)
	}

	id, err := normalizeID(frame.ID)
	if err != nil {
		return nil, err
	}
	resp := &Response{ID: id, Result: frame.Result, Error: frame.Error}
	if isNull(resp.Result) {
		resp.Result = nil
	}
	return resp, nil
}

// DecodeResult interprets resp for action d. A host failure is returned both
// as a populated result and as a *schemas.RemoteActionError.
func DecodeResult(d ActionDescriptor, resp *Response) (*schemas.ActionResult, error) {
	if resp.Error != nil {
		result := &schemas.ActionResult{Success: false, Error: resp.Error}
		return result, schemas.NewRemoteActionError(d.Name, resp.Error)
	}

	switch d.Result {
	case schemas.ShapeVoid:
		return &schemas.ActionResult{Success: true}, nil

	case schemas.ShapeJSON:
		result := &schemas.ActionResult{Success: true}
		if len(resp.Result) > 0 {
			if !json.Valid(resp.Result) {
				return nil, fmt.Errorf("%w: %q returned invalid json", schemas.ErrProtocol, d.Name)
			}
			result.Data = append(stdjson.RawMessage(nil), resp.Result...)
		}
		return result, nil

	case schemas.ShapeBinary:
		data, mime, err := decodeBinaryResult(resp.Result)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", d.Name, err)
		}
		return &schemas.ActionResult{Success: true, Binary: data, MimeType: mime}, nil
	}
	return nil, fmt.Errorf("%w: action %q has unknown result shape %q", schemas.ErrProtocol, d.Name, d.Result)
}

func decodeBinaryResult(raw jsoniter.RawMessage) ([]byte, string, error) {
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("%w: binary result is missing", schemas.ErrProtocol)
	}
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		return DecodeBinary(encoded)
	}
	var payload BinaryPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, "", fmt.Errorf("%w: binary result must be a base64 string or {data, mimeType}", schemas.ErrProtocol)
	}
	data, mime, err := DecodeBinary(payload.Data)
	if err != nil {
		return nil, "", err
	}
	if payload.MimeType != "" {
		mime = payload.MimeType
	}
	return data, mime, nil
}

// -- Host side --

// DecodeRequest parses an inbound request frame.
func DecodeRequest(raw []byte) (*Request, error) {
	var frame requestFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		if id, ok := recoverID(raw); ok {
			return &Request{ID: id}, fmt.Errorf("%w: malformed request %s: %v", schemas.ErrProtocol, id, err)
		}
		return nil, fmt.Errorf("%w: malformed request: %v", schemas.ErrProtocol, err)
	}
	if frame.ID == "" {
		return nil, fmt.Errorf("%w: request has no id", schemas.ErrProtocol)
	}
	if frame.Action == "" {
		return &Request{ID: frame.ID}, fmt.Errorf("%w: request %s has no action", schemas.ErrProtocol, frame.ID)
	}
	if frame.Params == nil {
		frame.Params = map[string]interface{}{}
	}
	return &Request{ID: frame.ID, Action: frame.Action, Params: frame.Params, IssuedAt: time.Now()}, nil
}

// EncodeResult renders a success reply. result may be nil for void actions.
func EncodeResult(id string, result interface{}) ([]byte, error) {
	frame := responseFrame{ID: quoteID(id)}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("encoding result for %s: %w", id, err)
		}
		frame.Result = raw
	}
	return json.Marshal(frame)
}

// EncodeError renders a failure reply.
func EncodeError(id string, code, message string) ([]byte, error) {
	return json.Marshal(responseFrame{
		ID:    quoteID(id),
		Error: &schemas.ActionError{Code: code, Message: message},
	})
}

// -- id handling --

// recoverID pulls "id" out of a frame that failed to decode as a whole.
// Fields are walked in order, so an id that precedes the damage is still
// readable.
func recoverID(raw []byte) (string, bool) {
	iter := jsoniter.ParseBytes(json, raw)
	for field := iter.ReadObject(); field != "" && iter.Error == nil; field = iter.ReadObject() {
		if field != "id" {
			iter.Skip()
			continue
		}
		switch iter.WhatIsNext() {
		case jsoniter.StringValue:
			if id := iter.ReadString(); iter.Error == nil && id != "" {
				return id, true
			}
		case jsoniter.NumberValue:
			if n := iter.ReadNumber(); iter.Error == nil {
				return n.String(), true
			}
		}
		return "", false
	}
	return "", false
}

// normalizeID accepts string and numeric ids and returns the string form.
func normalizeID(raw jsoniter.RawMessage) (string, error) {
	if isNull(raw) {
		return "", fmt.Errorf("%w: frame has no id", schemas.ErrProtocol)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("%w: frame has an empty id", schemas.ErrProtocol)
		}
		return s, nil
	}
	var n stdjson.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%w: frame id must be a string or number", schemas.ErrProtocol)
}

func quoteID(id string) jsoniter.RawMessage {
	raw, _ := json.Marshal(id)
	return raw
}

func isNull(raw jsoniter.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
