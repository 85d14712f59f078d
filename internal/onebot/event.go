// ABOUTME: OneBot 11 wire types: event envelope, message segments, action request/response frames.

package onebot

import (
	"bytes"
	"encoding/json"
)

// Event post types and message types the bridge recognizes.
const (
	PostMessage   = "message"
	PostMetaEvent = "meta_event"

	MessagePrivate = "private"
	MessageGroup   = "group"
)

// ID decodes OneBot ids that arrive as either JSON numbers or strings
// (NapCat uses both, e.g. the qq field of at segments).
type ID string

// UnmarshalJSON accepts `123` and `"123"` alike.
func (i *ID) UnmarshalJSON(b []byte) error {
	*i = ID(bytes.Trim(b, `"`))
	return nil
}

// Sender describes the message author.
type Sender struct {
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"` // group display name, wins over nickname
}

// SegmentData is the payload of one message segment. Fields are sparse;
// which ones are set depends on the segment type.
type SegmentData struct {
	Text string `json:"text,omitempty"` // type "text"
	QQ   ID     `json:"qq,omitempty"`   // type "at": mentioned user id or "all"
	File string `json:"file,omitempty"` // type "image": file name or base64:// payload
	URL  string `json:"url,omitempty"`  // type "image": download url
}

// Segment is one piece of an array-format OneBot message.
type Segment struct {
	Type string      `json:"type"`
	Data SegmentData `json:"data"`
}

// TextSegment builds an outbound text segment.
func TextSegment(text string) Segment {
	return Segment{Type: "text", Data: SegmentData{Text: text}}
}

// ImageSegment builds an outbound image segment from base64 data.
func ImageSegment(base64Data string) Segment {
	return Segment{Type: "image", Data: SegmentData{File: "base64://" + base64Data}}
}

// Event is the inbound event envelope. Only the fields the bridge uses
// are mapped.
type Event struct {
	PostType      string    `json:"post_type"`
	MetaEventType string    `json:"meta_event_type,omitempty"`
	MessageType   string    `json:"message_type,omitempty"`
	MessageID     int64     `json:"message_id,omitempty"`
	UserID        int64     `json:"user_id,omitempty"`
	GroupID       int64     `json:"group_id,omitempty"`
	SelfID        int64     `json:"self_id,omitempty"`
	Sender        Sender    `json:"sender,omitempty"`
	Message       []Segment `json:"message,omitempty"`
}

// actionRequest is an outbound API call to the gateway, correlated with
// its response by echo.
type actionRequest struct {
	Action string `json:"action"`
	Params any    `json:"params"`
	Echo   string `json:"echo"`
}

// actionResponse is the gateway's answer to an action request.
type actionResponse struct {
	Status  string          `json:"status"`
	Retcode int             `json:"retcode"`
	Echo    string          `json:"echo"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// sendMessageParams covers send_private_msg and send_group_msg.
type sendMessageParams struct {
	UserID  int64     `json:"user_id,omitempty"`
	GroupID int64     `json:"group_id,omitempty"`
	Message []Segment `json:"message"`
}
