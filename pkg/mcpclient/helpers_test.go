package mcpclient_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/mcpdriver/internal/transport"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
	"github.com/xkilldash9x/mcpdriver/pkg/mcpclient"
)

// handlerFunc answers one request. Returning nil sends nothing.
type handlerFunc func(req *wire.Request) []byte

// fakeHost serves one in-memory connection.
type fakeHost struct {
	conn     transport.Conn
	handler  handlerFunc
	requests chan *wire.Request
	done     chan struct{}

	mu  sync.Mutex
	seq []string
}

func startHost(conn transport.Conn, handler handlerFunc) *fakeHost {
	h := &fakeHost{
		conn:     conn,
		handler:  handler,
		requests: make(chan *wire.Request, 1024),
		done:     make(chan struct{}),
	}
	go h.serve()
	return h
}

func (h *fakeHost) serve() {
	defer close(h.done)
	defer h.conn.Close()
	for {
		raw, err := h.conn.ReadFrame()
		if err != nil {
			return
		}
		req, err := wire.DecodeRequest(raw)
		if err != nil {
			continue
		}
		h.mu.Lock()
		h.seq = append(h.seq, req.ID)
		h.mu.Unlock()

		if h.handler == nil {
			h.requests <- req
			continue
		}
		if reply := h.handler(req); reply != nil {
			if err := h.conn.WriteFrame(reply); err != nil {
				return
			}
		}
	}
}

// next returns the next request received by a host without a handler.
func (h *fakeHost) next(t *testing.T) *wire.Request {
	t.Helper()
	select {
	case req := <-h.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("host received no request")
		return nil
	}
}

func (h *fakeHost) send(t *testing.T, frame []byte) {
	t.Helper()
	require.NoError(t, h.conn.WriteFrame(frame))
}

func (h *fakeHost) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seq...)
}

// hostDialer hands out a fresh fakeHost per dial.
type hostDialer struct {
	handler handlerFunc

	mu    sync.Mutex
	hosts []*fakeHost
}

func (d *hostDialer) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := transport.Pipe()
	h := startHost(server, d.handler)
	d.mu.Lock()
	d.hosts = append(d.hosts, h)
	d.mu.Unlock()
	return client, nil
}

func (d *hostDialer) host(t *testing.T, i int) *fakeHost {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Greater(t, len(d.hosts), i, "dial %d never happened", i)
	return d.hosts[i]
}

func (d *hostDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hosts)
}

func (d *hostDialer) waitHosts(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	hosts := append([]*fakeHost(nil), d.hosts...)
	d.mu.Unlock()
	for _, h := range hosts {
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Fatal("fake host did not stop")
		}
	}
}

// connected returns a connected client plus its dialer. Both are torn down
// when the test ends.
func connected(t *testing.T, handler handlerFunc, opts ...mcpclient.Option) (*mcpclient.Client, *hostDialer) {
	t.Helper()
	d := &hostDialer{handler: handler}
	opts = append([]mcpclient.Option{mcpclient.WithLogger(zaptest.NewLogger(t))}, opts...)
	c := mcpclient.New(d, opts...)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() {
		_ = c.Disconnect(context.Background())
		d.waitHosts(t)
	})
	return c, d
}

func reply(id string, result interface{}) []byte {
	frame, err := wire.EncodeResult(id, result)
	if err != nil {
		panic(err)
	}
	return frame
}

func replyError(id, code, message string) []byte {
	frame, err := wire.EncodeError(id, code, message)
	if err != nil {
		panic(err)
	}
	return frame
}
