package host

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/accessibility"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
)

const (
	// Time allowed for the browser process to come up.
	launchTimeout = 30 * time.Second
	// Quiet period used to approximate the "networkidle" load state.
	networkIdleQuiet = 500 * time.Millisecond
)

type browserContext struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	pages  map[string]struct{}
}

type pageHandle struct {
	id        string
	contextID string
	ctx       context.Context
	cancel    context.CancelFunc
	dialogs   *dialogTracker
}

// ChromeBackend runs actions in a Chrome instance driven over CDP.
// Contexts are isolated browser contexts; pages are tabs within them. Both
// are addressed by the ids returned from browserNewContext and
// contextNewPage. Page actions without a page id use the newest page, and
// one is created on demand if none exists.
type ChromeBackend struct {
	cfg    config.HostConfig
	logger *zap.Logger

	mu             sync.Mutex
	allocCancel    context.CancelFunc
	browserCtx     context.Context
	browserCancel  context.CancelFunc
	slowMo         time.Duration
	contexts       map[string]*browserContext
	pages          map[string]*pageHandle
	pageOrder      []string
	defaultContext string
}

// NewChromeBackend creates a backend. The browser starts on browserLaunch or
// on the first page action.
func NewChromeBackend(cfg config.HostConfig, logger *zap.Logger) *ChromeBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeBackend{
		cfg:      cfg,
		logger:   logger.Named("chrome"),
		contexts: make(map[string]*browserContext),
		pages:    make(map[string]*pageHandle),
	}
}

// Execute implements Backend.
func (b *ChromeBackend) Execute(ctx context.Context, action string, params map[string]interface{}) (interface{}, error) {
	switch action {
	case wire.ActionBrowserLaunch:
		return nil, b.launch(params)
	case wire.ActionBrowserNewContext:
		id, err := b.newContext()
		if err != nil {
			return nil, err
		}
		return map[string]string{"contextId": id}, nil
	case wire.ActionBrowserClose:
		return nil, b.Close()
	case wire.ActionContextNewPage:
		id, err := b.newPage(stringParam(params, "context"))
		if err != nil {
			return nil, err
		}
		return map[string]string{"pageId": id}, nil
	case wire.ActionContextClose:
		return nil, b.closeContext(stringParam(params, "context"))
	case wire.ActionPageClose:
		return nil, b.closePage(stringParam(params, "page"))
	}

	page, err := b.resolvePage(stringParam(params, "page"))
	if err != nil {
		return nil, err
	}

	switch action {
	case wire.ActionPageGoto:
		return b.gotoURL(ctx, page, stringParam(params, "url"))
	case wire.ActionPageWaitForLoadState:
		return nil, b.waitForLoadState(ctx, page, stringParam(params, "state"))
	case wire.ActionPageClick:
		return nil, b.run(ctx, page, chromedp.Click(stringParam(params, "selector"), chromedp.ByQuery, chromedp.NodeVisible))
	case wire.ActionPageFill:
		sel := stringParam(params, "selector")
		return nil, b.run(ctx, page,
			chromedp.Clear(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, stringParam(params, "value"), chromedp.ByQuery))
	case wire.ActionPagePress:
		return nil, b.run(ctx, page, chromedp.KeyEvent(keyFor(stringParam(params, "key"))))
	case wire.ActionPageEvaluate:
		return b.evaluate(ctx, page, stringParam(params, "expression"), params["arg"])
	case wire.ActionPageURL:
		var url string
		err := b.run(ctx, page, chromedp.Location(&url))
		return url, err
	case wire.ActionPageTitle:
		var title string
		err := b.run(ctx, page, chromedp.Title(&title))
		return title, err
	case wire.ActionPageSnapshot:
		return b.snapshot(ctx, page)
	case wire.ActionPageScreenshot:
		fullPage, _ := params["fullPage"].(bool)
		return b.screenshot(ctx, page, fullPage)
	case wire.ActionPageHandleDialog:
		accept, _ := params["accept"].(bool)
		return nil, b.handleDialog(ctx, page, accept, stringParam(params, "promptText"))
	case wire.ActionPageModalState:
		return page.dialogs.current(), nil
	}
	return nil, fmt.Errorf("%w: %q", schemas.ErrUnknownAction, action)
}

// -- Browser lifecycle --

func (b *ChromeBackend) launch(params map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launchLocked(params)
}

func (b *ChromeBackend) launchLocked(params map[string]interface{}) error {
	if b.browserCtx != nil {
		return nil
	}

	headless := b.cfg.Headless
	if v, ok := params["headless"].(bool); ok {
		headless = v
	}
	args := append([]string(nil), b.cfg.Args...)
	if extra, ok := params["args"].([]interface{}); ok {
		for _, a := range extra {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}
	if ms, ok := params["slowMo"].(float64); ok && ms > 0 {
		b.slowMo = time.Duration(ms * float64(time.Millisecond))
	}

	b.logger.Info("Launching browser...", zap.Bool("headless", headless), zap.Strings("args", args))
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(headless, args)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run allocates the browser and binds it to browserCtx, so it
	// must not run under a derived timeout context.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return fmt.Errorf("browser failed to start: %w", err)
		}
	case <-time.After(launchTimeout):
		browserCancel()
		allocCancel()
		return &Error{Code: CodeTimeout, Message: "browser did not start", Err: context.DeadlineExceeded}
	}

	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	b.logger.Info("Browser launched.")
	return nil
}

// allocatorOptions assembles the exec allocator flags.
func allocatorOptions(headless bool, args []string) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", headless),
		chromedp.Flag("disable-extensions", true),
	)

	// Custom arguments take the form --name or --name=value.
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if name == "" {
			continue
		}
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	// Flags required for running inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	return opts
}

// Close shuts the browser down and forgets every context and page.
func (b *ChromeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.pages {
		p.cancel()
	}
	for _, c := range b.contexts {
		c.cancel()
	}
	b.pages = make(map[string]*pageHandle)
	b.contexts = make(map[string]*browserContext)
	b.pageOrder = nil
	b.defaultContext = ""

	if b.browserCancel != nil {
		b.browserCancel()
		b.allocCancel()
		b.logger.Info("Browser closed.")
	}
	b.browserCtx, b.browserCancel, b.allocCancel = nil, nil, nil
	return nil
}

// -- Contexts and pages --

func (b *ChromeBackend) newContext() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.newContextLocked()
}

func (b *ChromeBackend) newContextLocked() (string, error) {
	if err := b.launchLocked(nil); err != nil {
		return "", err
	}
	cctx, cancel := chromedp.NewContext(b.browserCtx, chromedp.WithNewBrowserContext())
	if err := chromedp.Run(cctx); err != nil {
		cancel()
		return "", fmt.Errorf("creating browser context: %w", err)
	}
	id := uuid.NewString()
	b.contexts[id] = &browserContext{id: id, ctx: cctx, cancel: cancel, pages: make(map[string]struct{})}
	b.logger.Debug("Browser context created.", zap.String("context", id))
	return id, nil
}

func (b *ChromeBackend) newPage(contextID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.newPageLocked(contextID)
}

func (b *ChromeBackend) newPageLocked(contextID string) (string, error) {
	if contextID == "" {
		if _, ok := b.contexts[b.defaultContext]; !ok {
			id, err := b.newContextLocked()
			if err != nil {
				return "", err
			}
			b.defaultContext = id
		}
		contextID = b.defaultContext
	}
	bc, ok := b.contexts[contextID]
	if !ok {
		return "", Errorf(CodeNotFound, "context %q does not exist", contextID)
	}

	// A child of the context's tab opens a new tab in the same browser context.
	pctx, cancel := chromedp.NewContext(bc.ctx)
	dialogs := &dialogTracker{}
	chromedp.ListenTarget(pctx, dialogs.observe)
	if err := chromedp.Run(pctx); err != nil {
		cancel()
		return "", fmt.Errorf("opening page: %w", err)
	}
	id := uuid.NewString()
	b.pages[id] = &pageHandle{id: id, contextID: contextID, ctx: pctx, cancel: cancel, dialogs: dialogs}
	bc.pages[id] = struct{}{}
	b.pageOrder = append(b.pageOrder, id)
	b.logger.Debug("Page opened.", zap.String("page", id), zap.String("context", contextID))
	return id, nil
}

// resolvePage finds the page an action targets.
func (b *ChromeBackend) resolvePage(id string) (*pageHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id != "" {
		p, ok := b.pages[id]
		if !ok {
			return nil, Errorf(CodeNotFound, "page %q does not exist", id)
		}
		return p, nil
	}
	if n := len(b.pageOrder); n > 0 {
		return b.pages[b.pageOrder[n-1]], nil
	}
	newID, err := b.newPageLocked("")
	if err != nil {
		return nil, err
	}
	return b.pages[newID], nil
}

func (b *ChromeBackend) closePage(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id == "" {
		n := len(b.pageOrder)
		if n == 0 {
			return nil
		}
		id = b.pageOrder[n-1]
	}
	p, ok := b.pages[id]
	if !ok {
		return Errorf(CodeNotFound, "page %q does not exist", id)
	}
	b.forgetPageLocked(p)
	p.cancel()
	return nil
}

func (b *ChromeBackend) closeContext(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id == "" {
		id = b.defaultContext
	}
	bc, ok := b.contexts[id]
	if !ok {
		return Errorf(CodeNotFound, "context %q does not exist", id)
	}
	for pageID := range bc.pages {
		if p, ok := b.pages[pageID]; ok {
			b.forgetPageLocked(p)
			p.cancel()
		}
	}
	delete(b.contexts, id)
	if b.defaultContext == id {
		b.defaultContext = ""
	}
	// Cancelling the context's own tab disposes the browser context.
	bc.cancel()
	return nil
}

func (b *ChromeBackend) forgetPageLocked(p *pageHandle) {
	delete(b.pages, p.id)
	if bc, ok := b.contexts[p.contextID]; ok {
		delete(bc.pages, p.id)
	}
	for i, id := range b.pageOrder {
		if id == p.id {
			b.pageOrder = append(b.pageOrder[:i], b.pageOrder[i+1:]...)
			break
		}
	}
}

// -- Page actions --

// run executes actions on page, bounded by the request context. The page's
// own context is never cancelled here, so the tab survives a timed out action.
func (b *ChromeBackend) run(reqCtx context.Context, page *pageHandle, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(page.ctx)
	defer cancel()
	stop := context.AfterFunc(reqCtx, cancel)
	defer stop()
	if deadline, ok := reqCtx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	b.mu.Lock()
	slowMo := b.slowMo
	b.mu.Unlock()
	if slowMo > 0 {
		actions = append([]chromedp.Action{chromedp.Sleep(slowMo)}, actions...)
	}

	err := chromedp.Run(runCtx, actions...)
	if err != nil && reqCtx.Err() != nil {
		return fmt.Errorf("%v: %w", err, reqCtx.Err())
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: "action timed out", Err: err}
	}
	return err
}

func (b *ChromeBackend) gotoURL(ctx context.Context, page *pageHandle, url string) (interface{}, error) {
	if _, ok := ctx.Deadline(); !ok && b.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.NavigationTimeout)
		defer cancel()
	}
	var location, title string
	if err := b.run(ctx, page,
		chromedp.Navigate(url),
		chromedp.Location(&location),
		chromedp.Title(&title),
	); err != nil {
		return nil, err
	}
	return map[string]string{"url": location, "title": title}, nil
}

func (b *ChromeBackend) waitForLoadState(ctx context.Context, page *pageHandle, state string) error {
	var ready bool
	switch state {
	case "", "load":
		return b.run(ctx, page, chromedp.Poll(`document.readyState === "complete"`, &ready))
	case "domcontentloaded":
		return b.run(ctx, page, chromedp.Poll(`document.readyState !== "loading"`, &ready))
	case "networkidle":
		return b.run(ctx, page,
			chromedp.Poll(`document.readyState === "complete"`, &ready),
			chromedp.Sleep(networkIdleQuiet))
	}
	return Errorf(CodeInvalidParams, "unknown load state %q", state)
}

func (b *ChromeBackend) evaluate(ctx context.Context, page *pageHandle, expression string, arg interface{}) (interface{}, error) {
	script := expression
	if arg != nil || looksLikeFunction(expression) {
		argJSON := "undefined"
		if arg != nil {
			raw, err := jsoniter.Marshal(arg)
			if err != nil {
				return nil, Errorf(CodeInvalidParams, "arg cannot be encoded: %v", err)
			}
			argJSON = string(raw)
		}
		script = fmt.Sprintf("(%s)(%s)", expression, argJSON)
	}

	var raw []byte
	err := b.run(ctx, page, chromedp.Evaluate(script, &raw, func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if errors.Is(err, chromedp.ErrJSUndefined) || errors.Is(err, chromedp.ErrJSNull) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return jsoniter.RawMessage(raw), nil
}

// looksLikeFunction reports whether expression is a function literal that
// should be invoked rather than evaluated as is.
func looksLikeFunction(expression string) bool {
	e := strings.TrimSpace(expression)
	if strings.HasPrefix(e, "function") || strings.HasPrefix(e, "async ") {
		return true
	}
	arrow := strings.Index(e, "=>")
	if arrow <= 0 {
		return false
	}
	head := strings.TrimSpace(e[:arrow])
	if strings.HasPrefix(head, "(") && strings.HasSuffix(head, ")") {
		return true
	}
	for _, r := range head {
		if !(r == '_' || r == '$' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func (b *ChromeBackend) snapshot(ctx context.Context, page *pageHandle) (interface{}, error) {
	var (
		url, title string
		nodes      []*accessibility.Node
	)
	err := b.run(ctx, page,
		chromedp.Location(&url),
		chromedp.Title(&title),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			nodes, err = accessibility.GetFullAXTree().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Snapshot{URL: url, Title: title, Tree: BuildSnapshotTree(nodes)}, nil
}

func (b *ChromeBackend) screenshot(ctx context.Context, page *pageHandle, fullPage bool) (interface{}, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// Quality 100 keeps the capture lossless PNG.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := b.run(ctx, page, action); err != nil {
		return nil, err
	}
	return &BinaryResult{Data: buf, MimeType: "image/png"}, nil
}

var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
	"Space":      " ",
}

// keyFor translates key names such as "Enter" into the runes chromedp sends.
func keyFor(key string) string {
	if k, ok := namedKeys[key]; ok {
		return k
	}
	return key
}

func stringParam(params map[string]interface{}, name string) string {
	s, _ := params[name].(string)
	return s
}
