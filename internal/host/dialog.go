package host

import (
	"context"
	"sync"

	cdppage "github.com/chromedp/cdproto/page"
	"go.uber.org/zap"
)

// ModalState describes the JavaScript dialog blocking a page, if any.
type ModalState struct {
	Open          bool   `json:"open"`
	Type          string `json:"type,omitempty"`
	Message       string `json:"message,omitempty"`
	DefaultPrompt string `json:"defaultPrompt,omitempty"`
	URL           string `json:"url,omitempty"`
}

// dialogTracker follows dialog events of one page. observe runs on the CDP
// event loop and must not block.
type dialogTracker struct {
	mu    sync.Mutex
	state ModalState
}

func (d *dialogTracker) observe(ev interface{}) {
	switch e := ev.(type) {
	case *cdppage.EventJavascriptDialogOpening:
		d.mu.Lock()
		d.state = ModalState{
			Open:          true,
			Type:          string(e.Type),
			Message:       e.Message,
			DefaultPrompt: e.DefaultPrompt,
			URL:           e.URL,
		}
		d.mu.Unlock()
	case *cdppage.EventJavascriptDialogClosed:
		d.clear()
	}
}

func (d *dialogTracker) current() ModalState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *dialogTracker) clear() {
	d.mu.Lock()
	d.state = ModalState{}
	d.mu.Unlock()
}

// handleDialog accepts or dismisses the dialog open on page. A dialog blocks
// other actions on the page, so this is usually sent while one of them waits.
func (b *ChromeBackend) handleDialog(ctx context.Context, page *pageHandle, accept bool, promptText string) error {
	state := page.dialogs.current()
	if !state.Open {
		return Errorf(CodeNotFound, "no dialog is open on page %q", page.id)
	}
	action := cdppage.HandleJavaScriptDialog(accept)
	if promptText != "" {
		action = action.WithPromptText(promptText)
	}
	if err := b.run(ctx, page, action); err != nil {
		return err
	}
	page.dialogs.clear()
	b.logger.Debug("Dialog handled.",
		zap.String("page", page.id),
		zap.String("type", state.Type),
		zap.Bool("accept", accept))
	return nil
}
