package protocol

import (
	"encoding/json"

	"github.com/livemorph/livemorph/pkg/xjson"
)

// Version is the protocol version string carried by every envelope.
const Version = "livemorph-1"

// MessageType identifies the kind of envelope.
type MessageType string

// Client-originated message types.
const (
	TypeCall        MessageType = "call"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypeNotify      MessageType = "notify"
)

// Server-originated message types.
const (
	TypeSubscriptionResponse MessageType = "subscription.response"
	TypeDataChanged          MessageType = "component.data_changed"
	TypeRemoved              MessageType = "component.removed"
	TypeCreated              MessageType = "component.created"
)

// Legacy aliases accepted on decode and normalized to the canonical type.
const (
	typeUpdateDataAlias MessageType = "component.update_data"
	typeRemoveAlias     MessageType = "component.remove"
)

// normalizeType maps legacy aliases to canonical types.
func normalizeType(t MessageType) MessageType {
	switch t {
	case typeUpdateDataAlias:
		return TypeDataChanged
	case typeRemoveAlias:
		return TypeRemoved
	}
	return t
}

// ChildState carries a nested child component's state inside a call.
type ChildState struct {
	Component string         `json:"component"`
	Key       string         `json:"key,omitempty"`
	State     map[string]any `json:"state"`
	Encrypted string         `json:"encrypted,omitempty"`
}

// CallPayload is the payload of a method-call request.
type CallPayload struct {
	// Component is the target component identity.
	Component string `json:"component"`

	// Key is the optional author-supplied logical identifier.
	Key string `json:"key,omitempty"`

	// Method is the server method to invoke.
	Method string `json:"method"`

	// Args are the positional arguments (extended-JSON values).
	Args []any `json:"args"`

	// State is the public-state snapshot at call time.
	State map[string]any `json:"state"`

	// Encrypted is the opaque server-state token, echoed back unchanged.
	Encrypted string `json:"encrypted,omitempty"`

	// Children are the nested children's state snapshots.
	Children []ChildState `json:"children,omitempty"`
}

// Request is the envelope for a client method call.
//
// The request id is client generated, unique per in-flight call, and used
// to correlate asynchronous completion and suppress self-originated echo
// updates.
type Request struct {
	Protocol string      `json:"protocol"`
	ID       string      `json:"id"`
	Type     MessageType `json:"type"`
	Call     CallPayload `json:"payload"`
}

// AssetKind distinguishes scripts from stylesheets.
type AssetKind string

// Asset kinds.
const (
	AssetScript AssetKind = "script"
	AssetStyle  AssetKind = "style"
)

// Asset references an external script or stylesheet the client must load
// before applying the response.
type Asset struct {
	Kind AssetKind `json:"kind"`
	URL  string    `json:"url"`
}

// CommandKind discriminates server-specified command variants.
type CommandKind string

// Command kinds.
const (
	CommandInvoke   CommandKind = "invoke"
	CommandRedirect CommandKind = "redirect"
	CommandDispatch CommandKind = "dispatch"
	CommandDownload CommandKind = "download"
)

// Command is a typed server-specified side effect. Exactly the fields for
// its Kind are populated; methods are resolved through an explicit
// name-to-function lookup table on the component, never via dynamic
// property walking.
type Command struct {
	Kind CommandKind `json:"kind"`

	// Invoke
	Path []string `json:"path,omitempty"`
	Args []any    `json:"args,omitempty"`

	// Redirect
	URL string `json:"url,omitempty"`

	// Dispatch
	Event  string `json:"event,omitempty"`
	Detail any    `json:"detail,omitempty"`

	// Download
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Content     []byte `json:"content,omitempty"`
}

// ResponsePayload is the payload of a call response.
type ResponsePayload struct {
	// Result is the method's return value (extended-JSON value).
	Result any `json:"result,omitempty"`

	// HTML, when non-empty, is the re-rendered component markup to morph in.
	HTML string `json:"html,omitempty"`

	// State, when non-nil, replaces the component's public state wholesale.
	State map[string]any `json:"state,omitempty"`

	// Encrypted is the updated opaque server-state token.
	Encrypted string `json:"encrypted,omitempty"`
}

// ResponseMeta carries response side-channel metadata.
type ResponseMeta struct {
	// Assets are external scripts/styles to load before applying effects.
	Assets []Asset `json:"assets,omitempty"`

	// Messages are user-facing messages.
	Messages []string `json:"messages,omitempty"`

	// Commands are server-specified side effects, invoked in order.
	Commands []Command `json:"commands,omitempty"`

	// Error is set when Success is false.
	Error *Error `json:"error,omitempty"`
}

// Response is the envelope for a call result. Exactly one response exists
// per request id. A response with Success=false carries an error object
// and no HTML or commands.
type Response struct {
	Protocol string          `json:"protocol"`
	ID       string          `json:"id"`
	Success  bool            `json:"success"`
	Payload  ResponsePayload `json:"payload"`
	Meta     ResponseMeta    `json:"metadata"`
}

// NewRequest builds a call request envelope with the protocol version set.
func NewRequest(id string, call CallPayload) *Request {
	return &Request{
		Protocol: Version,
		ID:       id,
		Type:     TypeCall,
		Call:     call,
	}
}

// EncodeRequest serializes a request, tagging extended-JSON values in the
// args and state snapshots.
func EncodeRequest(r *Request) ([]byte, error) {
	if r.Protocol == "" {
		return nil, ErrBadProtocol
	}
	clone := *r
	var err error
	if clone.Call.Args, err = tagSlice(r.Call.Args); err != nil {
		return nil, err
	}
	if clone.Call.State, err = tagMap(r.Call.State); err != nil {
		return nil, err
	}
	if len(r.Call.Children) > 0 {
		children := make([]ChildState, len(r.Call.Children))
		copy(children, r.Call.Children)
		for i := range children {
			if children[i].State, err = tagMap(children[i].State); err != nil {
				return nil, err
			}
		}
		clone.Call.Children = children
	}
	return json.Marshal(&clone)
}

// DecodeRequest parses and validates a request envelope.
func DecodeRequest(data []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Protocol != Version {
		return nil, ErrBadProtocol
	}
	if r.ID == "" {
		return nil, &FieldError{Envelope: "request", Field: "id"}
	}
	if r.Type != TypeCall {
		return nil, ErrUnknownType
	}
	if r.Call.Component == "" {
		return nil, &FieldError{Envelope: "request", Field: "payload.component"}
	}
	if r.Call.Method == "" {
		return nil, &FieldError{Envelope: "request", Field: "payload.method"}
	}
	r.Call.Args = untagSlice(r.Call.Args)
	r.Call.State = untagMap(r.Call.State)
	for i := range r.Call.Children {
		r.Call.Children[i].State = untagMap(r.Call.Children[i].State)
	}
	return &r, nil
}

// NewResponse builds a successful response envelope for the given request id.
func NewResponse(id string, payload ResponsePayload) *Response {
	return &Response{
		Protocol: Version,
		ID:       id,
		Success:  true,
		Payload:  payload,
	}
}

// NewErrorResponse builds a failed response envelope.
func NewErrorResponse(id string, code, message string) *Response {
	return &Response{
		Protocol: Version,
		ID:       id,
		Success:  false,
		Meta: ResponseMeta{
			Error: &Error{Code: code, Message: message},
		},
	}
}

// EncodeResponse serializes a response, tagging extended-JSON values.
func EncodeResponse(r *Response) ([]byte, error) {
	if r.Protocol == "" {
		return nil, ErrBadProtocol
	}
	clone := *r
	var err error
	if r.Payload.Result != nil {
		if clone.Payload.Result, err = xjson.Tag(r.Payload.Result); err != nil {
			return nil, err
		}
	}
	if clone.Payload.State, err = tagMap(r.Payload.State); err != nil {
		return nil, err
	}
	return json.Marshal(&clone)
}

// DecodeResponse parses and validates a response envelope.
func DecodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.Protocol != Version {
		return nil, ErrBadProtocol
	}
	if r.ID == "" {
		return nil, &FieldError{Envelope: "response", Field: "id"}
	}
	if !r.Success && r.Meta.Error == nil {
		return nil, &FieldError{Envelope: "response", Field: "metadata.error"}
	}
	r.Payload.Result = xjson.Untag(r.Payload.Result)
	r.Payload.State = untagMap(r.Payload.State)
	return &r, nil
}

// tagMap tags every value of a state map. Nil maps pass through.
func tagMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		tagged, err := xjson.Tag(v)
		if err != nil {
			return nil, err
		}
		out[k] = tagged
	}
	return out, nil
}

// untagMap reconstructs extended values in a state map.
func untagMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = xjson.Untag(v)
	}
	return out
}

// tagSlice tags every element of an args slice. Nil slices pass through.
func tagSlice(s []any) ([]any, error) {
	if s == nil {
		return nil, nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		tagged, err := xjson.Tag(v)
		if err != nil {
			return nil, err
		}
		out[i] = tagged
	}
	return out, nil
}

// untagSlice reconstructs extended values in an args slice.
func untagSlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = xjson.Untag(v)
	}
	return out
}
