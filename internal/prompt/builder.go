// ABOUTME: Builds the content blocks for one agent turn: context header, message text, image attachments.
// ABOUTME: Images are downloaded and inlined as base64 when the agent accepts them, otherwise linked by URL.

package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nekobridge/nekobridge/internal/acp"
	"github.com/nekobridge/nekobridge/internal/message"
)

// Fetcher downloads an image and returns its base64 payload and MIME type.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (data, mimeType string, err error)
}

// Capabilities exposes what the connected agent accepts.
type Capabilities interface {
	SupportsImage() bool
}

// Builder turns a normalized inbound message into prompt content blocks.
type Builder struct {
	fetch  Fetcher
	caps   Capabilities
	logger *slog.Logger
}

// NewBuilder creates a builder. fetch may be nil when image inlining is
// disabled; attachments then fall back to URL references.
func NewBuilder(fetch Fetcher, caps Capabilities, logger *slog.Logger) *Builder {
	return &Builder{fetch: fetch, caps: caps, logger: logger.With("component", "prompt")}
}

// Build produces the blocks for one turn. The first block is always the
// text with its chat-context header; image attachments follow in arrival
// order.
func (b *Builder) Build(ctx context.Context, msg message.Incoming) []acp.ContentBlock {
	blocks := []acp.ContentBlock{acp.TextBlock(contextHeader(msg) + "\n" + msg.Text)}

	inline := b.fetch != nil && b.caps.SupportsImage()
	for _, img := range msg.Images {
		if inline {
			data, mimeType, err := b.fetch.Fetch(ctx, img.URL)
			if err == nil {
				blocks = append(blocks, acp.ImageBlock(data, mimeType))
				continue
			}
			b.logger.Warn("image download failed, falling back to url", "url", img.URL, "error", err)
		}
		blocks = append(blocks, acp.TextBlock(fmt.Sprintf("[图片: %s]", img.URL)))
	}
	return blocks
}

// contextHeader tells the agent who is talking and where.
func contextHeader(msg message.Incoming) string {
	var sb strings.Builder
	if msg.Kind == message.ChatGroup {
		if msg.GroupName != "" {
			fmt.Fprintf(&sb, "[Group chat %s(%s), ", msg.GroupName, groupID(msg.ChatID))
		} else {
			fmt.Fprintf(&sb, "[Group chat %s, ", groupID(msg.ChatID))
		}
	} else {
		sb.WriteString("[Private chat, ")
	}
	fmt.Fprintf(&sb, "user %s(%d)]", msg.SenderName, msg.SenderID)
	return sb.String()
}

func groupID(chatID string) string {
	if id, ok := strings.CutPrefix(chatID, "group:"); ok {
		return id
	}
	return chatID
}
