package wire

import (
	"fmt"
	"sort"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
)

// TimeoutParam may accompany any action. Its value is milliseconds; it is
// forwarded to the host and also bounds how long the client waits locally.
const TimeoutParam = "timeout"

// ParamKind is the JSON shape a parameter value must have.
type ParamKind string

const (
	KindString ParamKind = "string"
	KindNumber ParamKind = "number"
	KindBool   ParamKind = "bool"
	KindObject ParamKind = "object"
	KindArray  ParamKind = "array"
	KindAny    ParamKind = "any"
)

// ParamSpec declares one parameter of an action.
type ParamSpec struct {
	Name     string
	Kind     ParamKind
	Required bool
}

// ActionDescriptor is the static contract of one action.
type ActionDescriptor struct {
	Name   string
	Params []ParamSpec
	Result schemas.ResultShape
}

// Required lists the names of the mandatory parameters.
func (d ActionDescriptor) Required() []string {
	var names []string
	for _, p := range d.Params {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// Registry is an immutable set of known actions.
type Registry struct {
	actions map[string]ActionDescriptor
}

// NewRegistry validates and indexes the descriptors.
func NewRegistry(descs ...ActionDescriptor) (*Registry, error) {
	r := &Registry{actions: make(map[string]ActionDescriptor, len(descs))}
	for _, d := range descs {
		if err := r.add(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is NewRegistry for static tables; it panics on a bad table.
func MustRegistry(descs ...ActionDescriptor) *Registry {
	r, err := NewRegistry(descs...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) add(d ActionDescriptor) error {
	if d.Name == "" {
		return fmt.Errorf("action descriptor has no name")
	}
	if _, exists := r.actions[d.Name]; exists {
		return fmt.Errorf("action %q registered twice", d.Name)
	}
	if !d.Result.Valid() {
		return fmt.Errorf("action %q has unknown result shape %q", d.Name, d.Result)
	}
	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" || seen[p.Name] {
			return fmt.Errorf("action %q has an empty or duplicate param name %q", d.Name, p.Name)
		}
		seen[p.Name] = true
	}
	// Copy so later mutation of the caller's slice cannot leak in.
	d.Params = append([]ParamSpec(nil), d.Params...)
	r.actions[d.Name] = d
	return nil
}

// With returns a new registry holding r's actions plus descs.
func (r *Registry) With(descs ...ActionDescriptor) (*Registry, error) {
	next := &Registry{actions: make(map[string]ActionDescriptor, len(r.actions)+len(descs))}
	for name, d := range r.actions {
		next.actions[name] = d
	}
	for _, d := range descs {
		if err := next.add(d); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (ActionDescriptor, bool) {
	d, ok := r.actions[name]
	return d, ok
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in action names.
const (
	ActionBrowserLaunch        = "browserLaunch"
	ActionBrowserNewContext    = "browserNewContext"
	ActionBrowserClose         = "browserClose"
	ActionContextNewPage       = "contextNewPage"
	ActionContextClose         = "contextClose"
	ActionPageGoto             = "pageGoto"
	ActionPageWaitForLoadState = "pageWaitForLoadState"
	ActionPageClick            = "pageClick"
	ActionPageFill             = "pageFill"
	ActionPagePress            = "pagePress"
	ActionPageEvaluate         = "pageEvaluate"
	ActionPageURL              = "pageUrl"
	ActionPageTitle            = "pageTitle"
	ActionPageSnapshot         = "pageSnapshot"
	ActionPageScreenshot       = "pageScreenshot"
	ActionPageClose            = "pageClose"
	ActionPageHandleDialog     = "pageHandleDialog"
	ActionPageModalState       = "pageModalState"
	// ActionHostListActions is answered by the host itself with the sorted
	// names of the actions it serves.
	ActionHostListActions = "hostListActions"
)

var (
	pageParam    = ParamSpec{Name: "page", Kind: KindString}
	contextParam = ParamSpec{Name: "context", Kind: KindString}
)

var defaultRegistry = MustRegistry(
	ActionDescriptor{Name: ActionBrowserLaunch, Result: schemas.ShapeVoid, Params: []ParamSpec{
		{Name: "headless", Kind: KindBool},
		{Name: "args", Kind: KindArray},
		{Name: "slowMo", Kind: KindNumber},
	}},
	ActionDescriptor{Name: ActionBrowserNewContext, Result: schemas.ShapeJSON},
	ActionDescriptor{Name: ActionBrowserClose, Result: schemas.ShapeVoid},
	ActionDescriptor{Name: ActionContextNewPage, Result: schemas.ShapeJSON, Params: []ParamSpec{contextParam}},
	ActionDescriptor{Name: ActionContextClose, Result: schemas.ShapeVoid, Params: []ParamSpec{contextParam}},
	ActionDescriptor{Name: ActionPageGoto, Result: schemas.ShapeJSON, Params: []ParamSpec{
		{Name: "url", Kind: KindString, Required: true},
		pageParam,
	}},
	ActionDescriptor{Name: ActionPageWaitForLoadState, Result: schemas.ShapeVoid, Params: []ParamSpec{
		{Name: "state", Kind: KindString},
		pageParam,
	}},
	ActionDescriptor{Name: ActionPageClick, Result: schemas.ShapeVoid, Params: []ParamSpec{
		{Name: "selector", Kind: KindString, Required: true},
		pageParam,
	}},
	ActionDescriptor{Name: ActionPageFill, Result: schemas.ShapeVoid, Params: []ParamSpec{
		{Name: "selector", Kind: KindString, Required: true},
		{Name: "value", Kind: KindString, Required: true},
		pageParam,
	}},
	ActionDescriptor{Name: ActionPagePress, Result: schemas.ShapeVoid, Params: []ParamSpec{
		{Name: "key", Kind: KindString, Required: true},
		pageParam,
	}},
	ActionDescriptor{Name: ActionPageEvaluate, Result: schemas.ShapeJSON, Params: []ParamSpec{
		{Name: "expression", Kind: KindString, Required: true},
		{Name: "arg", Kind: KindAny},
		pageParam,
	}},
	ActionDescriptor{Name: ActionPageURL, Result: schemas.ShapeJSON, Params: []ParamSpec{pageParam}},
	ActionDescriptor{Name: ActionPageTitle, Result: schemas.ShapeJSON, Params: []ParamSpec{pageParam}},
	ActionDescriptor{Name: ActionPageSnapshot, Result: schemas.ShapeJSON, Params: []ParamSpec{pageParam}},
	ActionDescriptor{Name: ActionPageScreenshot, Result: schemas.ShapeBinary, Params: []ParamSpec{
		pageParam,
		{Name: "fullPage", Kind: KindBool},
	}},
	ActionDescriptor{Name: ActionPageClose, Result: schemas.ShapeVoid, Params: []ParamSpec{pageParam}},
	ActionDescriptor{Name: ActionPageHandleDialog, Result: schemas.ShapeVoid, Params: []ParamSpec{
		{Name: "accept", Kind: KindBool, Required: true},
		{Name: "promptText", Kind: KindString},
		pageParam,
	}},
	ActionDescriptor{Name: ActionPageModalState, Result: schemas.ShapeJSON, Params: []ParamSpec{pageParam}},
	ActionDescriptor{Name: ActionHostListActions, Result: schemas.ShapeJSON},
)

// DefaultRegistry returns the built-in browser action set.
func DefaultRegistry() *Registry {
	return defaultRegistry
}
