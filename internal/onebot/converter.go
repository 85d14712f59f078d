// ABOUTME: Converts between OneBot message segments and the bridge's normalized message form.
// ABOUTME: Inbound: chat id derivation, @bot detection, placeholders. Outbound: text and base64 image segments.

package onebot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nekobridge/nekobridge/internal/message"
)

// ToIncoming normalizes an event. ok is false for events that are not
// chat messages the bridge can act on.
func ToIncoming(ev Event) (message.Incoming, bool) {
	if ev.PostType != PostMessage {
		return message.Incoming{}, false
	}

	msg := message.Incoming{
		SenderID:   ev.UserID,
		SenderName: senderName(ev),
		MessageID:  ev.MessageID,
	}

	switch ev.MessageType {
	case MessagePrivate:
		msg.Kind = message.ChatPrivate
		msg.ChatID = fmt.Sprintf("private:%d", ev.UserID)
	case MessageGroup:
		msg.Kind = message.ChatGroup
		msg.ChatID = fmt.Sprintf("group:%d", ev.GroupID)
	default:
		return message.Incoming{}, false
	}

	selfID := strconv.FormatInt(ev.SelfID, 10)
	var sb strings.Builder
	for _, seg := range ev.Message {
		switch seg.Type {
		case "text":
			sb.WriteString(seg.Data.Text)
		case "at":
			if string(seg.Data.QQ) == selfID {
				msg.IsAtBot = true
				continue
			}
			sb.WriteString("@" + string(seg.Data.QQ))
		case "image":
			sb.WriteString("[图片]")
			if url := imageURL(seg.Data); url != "" {
				msg.Images = append(msg.Images, message.ImageRef{URL: url})
			}
		case "face":
			sb.WriteString("[表情]")
		case "record":
			sb.WriteString("[语音]")
		}
	}
	msg.Text = strings.TrimSpace(sb.String())
	return msg, true
}

func senderName(ev Event) string {
	if ev.MessageType == MessageGroup && ev.Sender.Card != "" {
		return ev.Sender.Card
	}
	if ev.Sender.Nickname != "" {
		return ev.Sender.Nickname
	}
	return strconv.FormatInt(ev.UserID, 10)
}

func imageURL(data SegmentData) string {
	if data.URL != "" {
		return data.URL
	}
	if strings.HasPrefix(data.File, "http://") || strings.HasPrefix(data.File, "https://") {
		return data.File
	}
	return ""
}

// ToSegments renders turn content as OneBot segments.
func ToSegments(parts []message.Part) []Segment {
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		switch part.Kind {
		case message.PartText:
			segments = append(segments, TextSegment(part.Text))
		case message.PartImage:
			segments = append(segments, ImageSegment(part.ImageBase64))
		}
	}
	return segments
}

// ParseChatID splits a chat id back into its message type and peer id.
func ParseChatID(chatID string) (kind string, id int64, err error) {
	prefix, rest, found := strings.Cut(chatID, ":")
	if !found {
		return "", 0, fmt.Errorf("malformed chat id %q", chatID)
	}
	id, err = strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed chat id %q: %w", chatID, err)
	}
	switch prefix {
	case "private", "group":
		return prefix, id, nil
	default:
		return "", 0, fmt.Errorf("unknown chat kind %q", prefix)
	}
}
