package protocol

import (
	"encoding/json"

	"github.com/livemorph/livemorph/pkg/xjson"
)

// NotifyPayload carries the type-specific content of a notification.
type NotifyPayload struct {
	// Component is the affected component identity, when known.
	Component string `json:"component,omitempty"`

	// Key is the component's logical key, when known.
	Key string `json:"key,omitempty"`

	// Data carries concrete field values for data-changed notifications.
	// When empty, the receiver should re-fetch the component instead.
	Data map[string]any `json:"data,omitempty"`

	// Event is the application-level event name for generic notify.
	Event string `json:"event,omitempty"`

	// Detail is the application-level event detail for generic notify.
	Detail any `json:"detail,omitempty"`

	// Success and Error report the outcome for subscription responses.
	Success bool   `json:"success,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Notification is the WebSocket envelope family. Client to server it
// carries subscribe/unsubscribe/notify; server to client it carries
// subscription responses, generic notify, and component lifecycle
// notifications. Notifications have no request id.
type Notification struct {
	Protocol string        `json:"protocol"`
	Type     MessageType   `json:"type"`
	Group    string        `json:"group,omitempty"`
	Sender   string        `json:"sender,omitempty"`
	Payload  NotifyPayload `json:"payload"`
}

// NewSubscribe builds a wire-level subscribe message for a group.
func NewSubscribe(group string) *Notification {
	return &Notification{Protocol: Version, Type: TypeSubscribe, Group: group}
}

// NewUnsubscribe builds a wire-level unsubscribe message for a group.
func NewUnsubscribe(group string) *Notification {
	return &Notification{Protocol: Version, Type: TypeUnsubscribe, Group: group}
}

// NewNotify builds a peer broadcast message for a group.
func NewNotify(group, sender, event string, detail any) *Notification {
	return &Notification{
		Protocol: Version,
		Type:     TypeNotify,
		Group:    group,
		Sender:   sender,
		Payload:  NotifyPayload{Event: event, Detail: detail},
	}
}

// EncodeNotification serializes a notification, tagging extended-JSON
// values in the data payload.
func EncodeNotification(n *Notification) ([]byte, error) {
	if n.Protocol == "" {
		return nil, ErrBadProtocol
	}
	clone := *n
	var err error
	if clone.Payload.Data, err = tagMap(n.Payload.Data); err != nil {
		return nil, err
	}
	if n.Payload.Detail != nil {
		if clone.Payload.Detail, err = xjson.Tag(n.Payload.Detail); err != nil {
			return nil, err
		}
	}
	return json.Marshal(&clone)
}

// DecodeNotification parses and validates a notification envelope,
// normalizing legacy type aliases.
func DecodeNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	if n.Protocol != Version {
		return nil, ErrBadProtocol
	}
	n.Type = normalizeType(n.Type)
	switch n.Type {
	case TypeSubscribe, TypeUnsubscribe, TypeNotify,
		TypeSubscriptionResponse, TypeDataChanged, TypeRemoved, TypeCreated:
	default:
		return nil, ErrUnknownType
	}
	if n.Group == "" && n.Type != TypeSubscriptionResponse {
		return nil, &FieldError{Envelope: "notification", Field: "group"}
	}
	n.Payload.Data = untagMap(n.Payload.Data)
	n.Payload.Detail = xjson.Untag(n.Payload.Detail)
	return &n, nil
}
