package wire

import (
	stdjson "encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
)

func lookup(t *testing.T, name string) ActionDescriptor {
	t.Helper()
	d, ok := DefaultRegistry().Lookup(name)
	require.True(t, ok, "action %s not registered", name)
	return d
}

func TestEncode(t *testing.T) {
	t.Run("renders the request envelope", func(t *testing.T) {
		req := &Request{ID: "17", Action: ActionPageGoto, Params: map[string]interface{}{
			"url":   "https://example.com",
			"extra": 3,
		}}
		frame, err := Encode(req, lookup(t, ActionPageGoto))
		require.NoError(t, err)

		var got map[string]interface{}
		require.NoError(t, stdjson.Unmarshal(frame, &got))
		want := map[string]interface{}{
			"id":     "17",
			"action": "pageGoto",
			"params": map[string]interface{}{"url": "https://example.com", "extra": float64(3)},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("encoded frame mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("nil params become an empty object", func(t *testing.T) {
		req := &Request{ID: "1", Action: ActionPageTitle}
		frame, err := Encode(req, lookup(t, ActionPageTitle))
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"1","action":"pageTitle","params":{}}`, string(frame))
	})

	t.Run("missing required param", func(t *testing.T) {
		req := &Request{ID: "2", Action: ActionPageGoto, Params: map[string]interface{}{}}
		frame, err := Encode(req, lookup(t, ActionPageGoto))
		assert.ErrorIs(t, err, schemas.ErrInvalidParams)
		assert.Nil(t, frame)
	})

	t.Run("wrong param kind", func(t *testing.T) {
		req := &Request{ID: "3", Action: ActionPageClick, Params: map[string]interface{}{"selector": 12}}
		_, err := Encode(req, lookup(t, ActionPageClick))
		assert.ErrorIs(t, err, schemas.ErrInvalidParams)
	})

	t.Run("descriptor mismatch", func(t *testing.T) {
		req := &Request{ID: "4", Action: ActionPageClick}
		_, err := Encode(req, lookup(t, ActionPageTitle))
		assert.ErrorIs(t, err, schemas.ErrUnknownAction)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := Encode(&Request{Action: ActionPageTitle}, lookup(t, ActionPageTitle))
		assert.ErrorIs(t, err, schemas.ErrProtocol)
	})

	t.Run("unencodable extra param", func(t *testing.T) {
		req := &Request{ID: "5", Action: ActionPageTitle, Params: map[string]interface{}{"bad": make(chan int)}}
		_, err := Encode(req, lookup(t, ActionPageTitle))
		assert.ErrorIs(t, err, schemas.ErrInvalidParams)
	})
}

func TestRequestHasDeadline(t *testing.T) {
	assert.False(t, (&Request{}).HasDeadline())
	assert.True(t, (&Request{Deadline: time.Now()}).HasDeadline())
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *Response
		wantErr bool
	}{
		{
			name: "success with result",
			raw:  `{"id":"9","result":{"url":"https://example.com"}}`,
			want: &Response{ID: "9", Result: []byte(`{"url":"https://example.com"}`)},
		},
		{
			name: "void reply without result",
			raw:  `{"id":"10"}`,
			want: &Response{ID: "10"},
		},
		{
			name: "null result",
			raw:  `{"id":"11","result":null}`,
			want: &Response{ID: "11"},
		},
		{
			name: "numeric id",
			raw:  `{"id":12,"result":true}`,
			want: &Response{ID: "12", Result: []byte(`true`)},
		},
		{
			name: "error wins over result",
			raw:  `{"id":"13","result":1,"error":{"code":"timeout","message":"page did not load"}}`,
			want: &Response{ID: "13", Result: []byte(`1`), Error: &schemas.ActionError{Code: "timeout", Message: "page did not load"}},
		},
		{name: "missing id", raw: `{"result":1}`, wantErr: true},
		{name: "empty id", raw: `{"id":"","result":1}`, wantErr: true},
		{name: "object id", raw: `{"id":{},"result":1}`, wantErr: true},
		{name: "not json", raw: `<<<`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, schemas.ErrProtocol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.ID, got.ID)
			assert.Equal(t, string(tt.want.Result), string(got.Result))
			assert.Equal(t, tt.want.Error, got.Error)
		})
	}
}

func TestDecodeFrame_RecoversIDFromMalformedFrame(t *testing.T) {
	resp, err := DecodeFrame([]byte(`{"id":"21","result":{"broken":`))
	require.ErrorIs(t, err, schemas.ErrProtocol)
	require.NotNil(t, resp)
	assert.Equal(t, "21", resp.ID)

	resp, err = DecodeFrame([]byte(`{"id":"22","error":"should be an object"}`))
	require.ErrorIs(t, err, schemas.ErrProtocol)
	require.NotNil(t, resp)
	assert.Equal(t, "22", resp.ID)

	resp, err = DecodeFrame([]byte(`garbage`))
	require.ErrorIs(t, err, schemas.ErrProtocol)
	assert.Nil(t, resp)
}

func TestDecodeResult(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}

	tests := []struct {
		name    string
		action  string
		resp    *Response
		want    *schemas.ActionResult
		wantErr error
	}{
		{
			name:   "json result kept structural",
			action: ActionPageEvaluate,
			resp:   &Response{ID: "1", Result: []byte(`{"a":[1,2]}`)},
			want:   &schemas.ActionResult{Success: true, Data: stdjson.RawMessage(`{"a":[1,2]}`)},
		},
		{
			name:   "json action with no result",
			action: ActionBrowserNewContext,
			resp:   &Response{ID: "1"},
			want:   &schemas.ActionResult{Success: true},
		},
		{
			name:   "void ignores result",
			action: ActionPageClick,
			resp:   &Response{ID: "1", Result: []byte(`"ignored"`)},
			want:   &schemas.ActionResult{Success: true},
		},
		{
			name:   "binary as base64 string",
			action: ActionPageScreenshot,
			resp:   &Response{ID: "1", Result: mustJSON(t, EncodeBinary(png))},
			want:   &schemas.ActionResult{Success: true, Binary: png},
		},
		{
			name:   "binary as data url",
			action: ActionPageScreenshot,
			resp:   &Response{ID: "1", Result: mustJSON(t, "data:image/png;base64,"+EncodeBinary(png))},
			want:   &schemas.ActionResult{Success: true, Binary: png, MimeType: "image/png"},
		},
		{
			name:   "binary as object",
			action: ActionPageScreenshot,
			resp:   &Response{ID: "1", Result: mustJSON(t, NewBinaryPayload(png, "image/jpeg"))},
			want:   &schemas.ActionResult{Success: true, Binary: png, MimeType: "image/jpeg"},
		},
		{
			name:    "binary missing",
			action:  ActionPageScreenshot,
			resp:    &Response{ID: "1"},
			wantErr: schemas.ErrProtocol,
		},
		{
			name:    "binary of the wrong shape",
			action:  ActionPageScreenshot,
			resp:    &Response{ID: "1", Result: []byte(`42`)},
			wantErr: schemas.ErrProtocol,
		},
		{
			name:    "binary not base64",
			action:  ActionPageScreenshot,
			resp:    &Response{ID: "1", Result: []byte(`"%%%"`)},
			wantErr: schemas.ErrProtocol,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeResult(lookup(t, tt.action), tt.resp)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeResult_RemoteError(t *testing.T) {
	resp := &Response{ID: "5", Error: &schemas.ActionError{Code: "not_found", Message: "no element matches #go"}}
	result, err := DecodeResult(lookup(t, ActionPageClick), resp)

	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrRemoteAction)
	var remote *schemas.RemoteActionError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "not_found", remote.Code)
	assert.Equal(t, "no element matches #go", remote.Message)
	assert.Equal(t, ActionPageClick, remote.Action)

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, resp.Error, result.Error)
}

func TestDecodeRequest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		req, err := DecodeRequest([]byte(`{"id":"3","action":"pageGoto","params":{"url":"https://example.com"}}`))
		require.NoError(t, err)
		assert.Equal(t, "3", req.ID)
		assert.Equal(t, ActionPageGoto, req.Action)
		assert.Equal(t, "https://example.com", req.Params["url"])
		assert.False(t, req.IssuedAt.IsZero())
	})

	t.Run("missing params", func(t *testing.T) {
		req, err := DecodeRequest([]byte(`{"id":"4","action":"pageTitle"}`))
		require.NoError(t, err)
		assert.NotNil(t, req.Params)
	})

	t.Run("missing action keeps the id", func(t *testing.T) {
		req, err := DecodeRequest([]byte(`{"id":"5","params":{}}`))
		assert.ErrorIs(t, err, schemas.ErrProtocol)
		require.NotNil(t, req)
		assert.Equal(t, "5", req.ID)
	})

	t.Run("missing id", func(t *testing.T) {
		req, err := DecodeRequest([]byte(`{"action":"pageTitle"}`))
		assert.ErrorIs(t, err, schemas.ErrProtocol)
		assert.Nil(t, req)
	})

	t.Run("malformed params keep the id", func(t *testing.T) {
		req, err := DecodeRequest([]byte(`{"id":"6","action":"pageGoto","params":[1]}`))
		assert.ErrorIs(t, err, schemas.ErrProtocol)
		require.NotNil(t, req)
		assert.Equal(t, "6", req.ID)
	})
}

func TestEncodeReplies(t *testing.T) {
	frame, err := EncodeResult("8", map[string]string{"title": "Example"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"8","result":{"title":"Example"}}`, string(frame))

	frame, err = EncodeResult("9", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"9"}`, string(frame))

	frame, err = EncodeError("10", "unknown_action", `action "nope" is not supported`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"10","error":{"code":"unknown_action","message":"action \"nope\" is not supported"}}`, string(frame))

	_, err = EncodeResult("11", make(chan int))
	assert.Error(t, err)
}

func TestClientHostFrameCompatibility(t *testing.T) {
	desc := lookup(t, ActionPageGoto)
	out, err := Encode(&Request{ID: "30", Action: desc.Name, Params: map[string]interface{}{"url": "about:blank"}}, desc)
	require.NoError(t, err)

	req, err := DecodeRequest(out)
	require.NoError(t, err)
	reply, err := EncodeResult(req.ID, map[string]string{"url": req.Params["url"].(string)})
	require.NoError(t, err)

	resp, err := DecodeFrame(reply)
	require.NoError(t, err)
	assert.Equal(t, "30", resp.ID)
	result, err := DecodeResult(desc, resp)
	require.NoError(t, err)

	var data struct {
		URL string `json:"url"`
	}
	require.NoError(t, result.DecodeData(&data))
	assert.Equal(t, "about:blank", data.URL)
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := stdjson.Marshal(v)
	require.NoError(t, err)
	return b
}
