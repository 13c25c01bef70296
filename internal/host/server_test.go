package host_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/host"
	"github.com/xkilldash9x/mcpdriver/internal/metrics"
	"github.com/xkilldash9x/mcpdriver/internal/mocks"
	"github.com/xkilldash9x/mcpdriver/internal/transport"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
	"github.com/xkilldash9x/mcpdriver/pkg/mcpclient"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func hostConfig(maxConcurrency int) config.HostConfig {
	cfg := config.NewDefaultConfig().Host()
	cfg.MaxConcurrency = maxConcurrency
	return cfg
}

// backendFunc adapts a function to host.Backend.
type backendFunc func(ctx context.Context, action string, params map[string]interface{}) (interface{}, error)

func (f backendFunc) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	return f(ctx, action, params)
}

func (f backendFunc) Close() error { return nil }

// pipeClient connects a client to srv through an in-memory pipe.
func pipeClient(t *testing.T, srv *host.Server) *mcpclient.Client {
	t.Helper()
	var served sync.WaitGroup
	dialer := transport.DialerFunc(func(ctx context.Context) (transport.Conn, error) {
		clientSide, hostSide := transport.Pipe()
		served.Add(1)
		go func() {
			defer served.Done()
			_ = srv.ServeConn(context.Background(), hostSide)
		}()
		return clientSide, nil
	})
	client := mcpclient.New(dialer, mcpclient.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
		served.Wait()
	})
	return client
}

// rawSession serves one pipe and collects replies by id.
type rawSession struct {
	conn transport.Conn
	done chan struct{}
}

func newRawSession(t *testing.T, srv *host.Server) *rawSession {
	t.Helper()
	clientSide, hostSide := transport.Pipe()
	s := &rawSession{conn: clientSide, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		_ = srv.ServeConn(context.Background(), hostSide)
	}()
	t.Cleanup(func() {
		_ = s.conn.Close()
		<-s.done
	})
	return s
}

func (s *rawSession) send(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, s.conn.WriteFrame([]byte(frame)))
}

func (s *rawSession) replies(t *testing.T, n int) map[string]*wire.Response {
	t.Helper()
	out := make(map[string]*wire.Response, n)
	for len(out) < n {
		raw, err := s.conn.ReadFrame()
		require.NoError(t, err)
		resp, err := wire.DecodeFrame(raw)
		require.NoError(t, err)
		out[resp.ID] = resp
	}
	return out
}

func TestServer_EndToEndOverWebSocket(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

	backend := new(mocks.MockBackend)
	backend.On("Execute", mock.Anything, wire.ActionPageGoto, mock.MatchedBy(func(p map[string]interface{}) bool {
		return p["url"] == "https://example.com/"
	})).Return(map[string]string{"url": "https://example.com/", "title": "Example Domain"}, nil).Once()
	backend.On("Execute", mock.Anything, wire.ActionPageScreenshot, mock.Anything).
		Return(&host.BinaryResult{Data: png, MimeType: "image/png"}, nil).Once()
	backend.On("Execute", mock.Anything, wire.ActionPageClick, mock.Anything).
		Return(nil, host.Errorf(host.CodeNotFound, "no element matches %q", "#missing")).Once()

	srv := host.New(hostConfig(4), backend, zaptest.NewLogger(t), nil)
	httpSrv := httptest.NewServer(srv.Handler(false))
	defer httpSrv.Close()

	cfg := config.NewDefaultConfig().Client()
	cfg.URL = "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	client := mcpclient.New(transport.NewWebSocketDialer(cfg, zaptest.NewLogger(t)),
		mcpclient.WithLogger(zaptest.NewLogger(t)))

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	defer func() { require.NoError(t, client.Disconnect(ctx)) }()

	res, err := client.ExecuteAction(ctx, wire.ActionPageGoto, map[string]interface{}{"url": "https://example.com/"})
	require.NoError(t, err)
	var nav struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	require.NoError(t, res.DecodeData(&nav))
	assert.Equal(t, "Example Domain", nav.Title)

	res, err = client.ExecuteAction(ctx, wire.ActionPageScreenshot, nil)
	require.NoError(t, err)
	assert.Equal(t, png, res.Binary)
	assert.Equal(t, "image/png", res.MimeType)

	res, err = client.ExecuteAction(ctx, wire.ActionPageClick, map[string]interface{}{"selector": "#missing"})
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrRemoteAction)
	var remote *schemas.RemoteActionError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, host.CodeNotFound, remote.Code)
	require.NotNil(t, res)
	assert.False(t, res.Success)

	backend.AssertExpectations(t)
}

func TestServer_RejectsBadRequests(t *testing.T) {
	backend := new(mocks.MockBackend)
	srv := host.New(hostConfig(1), backend, zaptest.NewLogger(t), nil)
	s := newRawSession(t, srv)

	s.send(t, `not json at all`)
	s.send(t, `{"id":"1","action":"pageFly","params":{}}`)
	s.send(t, `{"id":"2","action":"pageGoto","params":{}}`)
	s.send(t, `{"id":"3","params":{}}`)
	s.send(t, `{"id":"4","action":"pageClick","params":{"selector":7}}`)
	s.send(t, `{"id":"5","action":"pageClick","params":{"selector":"#a","timeout":1e20}}`)

	got := s.replies(t, 5)
	tests := map[string]string{
		"1": host.CodeUnknownAction,
		"2": host.CodeInvalidParams,
		"3": host.CodeBadRequest,
		"4": host.CodeInvalidParams,
		"5": host.CodeInvalidParams,
	}
	for id, code := range tests {
		require.Contains(t, got, id)
		require.NotNil(t, got[id].Error, "reply %s should be an error", id)
		assert.Equal(t, code, got[id].Error.Code, "reply %s", id)
	}
	backend.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}

func TestServer_TimeoutParamBoundsExecution(t *testing.T) {
	backend := backendFunc(func(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	srv := host.New(hostConfig(1), backend, zaptest.NewLogger(t), nil)
	s := newRawSession(t, srv)

	start := time.Now()
	s.send(t, `{"id":"9","action":"pageClick","params":{"selector":"#slow","timeout":50}}`)
	got := s.replies(t, 1)
	require.NotNil(t, got["9"].Error)
	assert.Equal(t, host.CodeTimeout, got["9"].Error.Code)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestServer_VoidAndBinaryShapes(t *testing.T) {
	backend := backendFunc(func(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
		switch action {
		case wire.ActionPageScreenshot:
			return []byte("raw"), nil
		case wire.ActionPageClick:
			return "ignored for void actions", nil
		}
		return nil, nil
	})
	srv := host.New(hostConfig(2), backend, zaptest.NewLogger(t), nil)
	s := newRawSession(t, srv)

	s.send(t, `{"id":"1","action":"pageScreenshot","params":{}}`)
	s.send(t, `{"id":"2","action":"pageClick","params":{"selector":"a"}}`)
	got := s.replies(t, 2)

	shot, err := wire.DecodeResult(mustLookup(t, wire.ActionPageScreenshot), got["1"])
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), shot.Binary)

	assert.Nil(t, got["2"].Error)
	assert.Nil(t, got["2"].Result)
}

func TestServer_BinaryActionRejectsNonBytes(t *testing.T) {
	backend := backendFunc(func(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
		return map[string]string{"not": "bytes"}, nil
	})
	srv := host.New(hostConfig(1), backend, zaptest.NewLogger(t), nil)
	s := newRawSession(t, srv)

	s.send(t, `{"id":"1","action":"pageScreenshot","params":{}}`)
	got := s.replies(t, 1)
	require.NotNil(t, got["1"].Error)
	assert.Equal(t, host.CodeActionFailed, got["1"].Error.Code)
}

func TestServer_ConcurrencyLimit(t *testing.T) {
	const limit = 2
	var running, peak atomic.Int32
	backend := backendFunc(func(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return params["expression"], nil
	})
	srv := host.New(hostConfig(limit), backend, zaptest.NewLogger(t), nil)
	client := pipeClient(t, srv)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			res, err := client.ExecuteAction(ctx, wire.ActionPageEvaluate, map[string]interface{}{"expression": "1+1"})
			if err != nil {
				return err
			}
			var out string
			if err := res.DecodeData(&out); err != nil {
				return err
			}
			if out != "1+1" {
				return errors.New("unexpected result " + out)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Positive(t, peak.Load())
}

func TestServer_HealthAndMetrics(t *testing.T) {
	m := metrics.NewMetrics("")
	srv := host.New(hostConfig(1), backendFunc(func(context.Context, string, map[string]interface{}) (interface{}, error) {
		return "ok", nil
	}), zaptest.NewLogger(t), m)
	httpSrv := httptest.NewServer(srv.Handler(true))
	defer httpSrv.Close()

	client := pipeClient(t, srv)
	_, err := client.ExecuteAction(context.Background(), wire.ActionPageTitle, nil)
	require.NoError(t, err)

	body := get(t, httpSrv.URL+"/healthz")
	assert.JSONEq(t, `{"status":"ok","connections":1}`, body)

	body = get(t, httpSrv.URL+"/metrics")
	assert.Contains(t, body, `host_actions_total{action="pageTitle",outcome="success"} 1`)
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	backend := new(mocks.MockBackend)
	backend.On("Close").Return(nil).Once()

	cfg := hostConfig(1)
	cfg.ListenAddr = "127.0.0.1:0"
	srv := host.New(cfg, backend, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx, false) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop")
	}
	backend.AssertExpectations(t)
}

func get(t *testing.T, url string) string {
	t.Helper()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func mustLookup(t *testing.T, action string) wire.ActionDescriptor {
	t.Helper()
	d, ok := wire.DefaultRegistry().Lookup(action)
	require.True(t, ok)
	return d
}

func TestServer_ListsItsActions(t *testing.T) {
	var calls atomic.Int32
	srv := host.New(hostConfig(1), backendFunc(func(context.Context, string, map[string]interface{}) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	}), zaptest.NewLogger(t), nil)
	client := pipeClient(t, srv)

	names, err := client.HostActions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wire.DefaultRegistry().Names(), names)
	assert.Contains(t, names, wire.ActionHostListActions)
	assert.Zero(t, calls.Load(), "the server answers without the backend")
}
