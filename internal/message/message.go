// ABOUTME: Shared data types for messages flowing between the transport and the agent layers.
// ABOUTME: Normalized inbound messages and ordered reply content parts (text and images).

package message

// ChatKind distinguishes private and group conversations.
type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
)

// PartKind identifies the type of a reply content part.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// Part is one ordered piece of an agent reply: either text or an image.
type Part struct {
	Kind PartKind

	// Text content, set when Kind == PartText.
	Text string

	// Base64-encoded image bytes (no data-URI prefix) and its MIME type,
	// set when Kind == PartImage.
	ImageBase64 string
	ImageMIME   string
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ImagePart builds an image part from base64 data and a MIME type.
func ImagePart(data, mime string) Part {
	return Part{Kind: PartImage, ImageBase64: data, ImageMIME: mime}
}

// ImageRef is a raw image reference extracted from inbound message segments.
type ImageRef struct {
	// Download URL provided by the transport (may be empty if the
	// segment carried no usable URL; the slot still preserves ordering).
	URL string
}

// Incoming is the normalized form of an inbound chat message.
type Incoming struct {
	// ChatID is the stable correlation key for the conversation:
	// "private:<user_id>" or "group:<group_id>".
	ChatID string

	// Kind is the conversation type the message arrived on.
	Kind ChatKind

	// Text is the plain text extracted from the message segments, with
	// the @bot mention stripped and images replaced by placeholders.
	Text string

	// IsAtBot reports whether the bot was @-mentioned (always false for
	// private chats).
	IsAtBot bool

	// SenderName is the display name of the sender (group card preferred).
	SenderName string

	// SenderID is the numeric QQ id of the sender.
	SenderID int64

	// GroupName is the group display name, empty for private chats.
	GroupName string

	// MessageID is the transport-assigned message id, used for dedupe.
	MessageID int64

	// Images are the raw image attachments in segment order.
	Images []ImageRef
}
