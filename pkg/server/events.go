package server

import (
	"encoding/json"
	"fmt"
)

// Inbound event names.
const (
	EventLogin            = "login"
	EventJoinGroup        = "join_group"
	EventSendMessage      = "send_message"
	EventSendGroupMessage = "send_group_message"
	EventEditMessage      = "edit_message"
	EventDeleteMessage    = "delete_message"
	EventTyping           = "typing" // also outbound, relayed to everyone else
)

// Outbound event names.
const (
	EventOnlineUsers         = "online_users"
	EventMessageHistory      = "receive_message_history"
	EventGroupHistory        = "receive_group_history"
	EventReceiveMessage      = "receive_message"
	EventReceiveGroupMessage = "receive_group_message"
	EventMessageEdited       = "message_edited"
	EventMessageDeleted      = "message_deleted"
)

// DefaultGroups is the group namespace advertised to UI clients. The relay
// itself accepts any group name.
var DefaultGroups = []string{"General", "Study", "Chill"}

// Envelope is the wire frame: an event name plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EditPayload is the edit_message payload; Requester is whoever the client
// claims issued the edit and is carried through untouched.
type EditPayload struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	Requester string `json:"requester,omitempty"`
}

// encodeEvent marshals an outbound event into a single wire frame.
func encodeEvent(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
