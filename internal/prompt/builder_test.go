// ABOUTME: Tests for the prompt builder: context headers, image inlining, URL fallback.

package prompt

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nekobridge/nekobridge/internal/acp"
	"github.com/nekobridge/nekobridge/internal/message"
)

type staticCaps bool

func (s staticCaps) SupportsImage() bool { return bool(s) }

type staticFetcher struct {
	data string
	mime string
	err  error
	urls []string
}

func (f *staticFetcher) Fetch(_ context.Context, url string) (string, string, error) {
	f.urls = append(f.urls, url)
	return f.data, f.mime, f.err
}

func TestBuildPrivateChatHeader(t *testing.T) {
	b := NewBuilder(nil, staticCaps(false), slog.Default())

	blocks := b.Build(context.Background(), message.Incoming{
		ChatID:     "private:42",
		Kind:       message.ChatPrivate,
		Text:       "hello",
		SenderName: "Nya",
		SenderID:   42,
	})

	require.Len(t, blocks, 1)
	assert.Equal(t, "[Private chat, user Nya(42)]\nhello", blocks[0].Text)
}

func TestBuildGroupChatHeader(t *testing.T) {
	b := NewBuilder(nil, staticCaps(false), slog.Default())

	blocks := b.Build(context.Background(), message.Incoming{
		ChatID:     "group:900",
		Kind:       message.ChatGroup,
		Text:       "ping",
		SenderName: "Nya",
		SenderID:   42,
		GroupName:  "dev",
	})

	require.Len(t, blocks, 1)
	assert.Equal(t, "[Group chat dev(900), user Nya(42)]\nping", blocks[0].Text)
}

func TestBuildInlinesImagesWhenSupported(t *testing.T) {
	fetch := &staticFetcher{data: "aGk=", mime: "image/jpeg"}
	b := NewBuilder(fetch, staticCaps(true), slog.Default())

	msg := message.Incoming{
		ChatID:     "private:1",
		Kind:       message.ChatPrivate,
		Text:       "看这个 [图片]",
		SenderName: "u",
		SenderID:   1,
		Images:     []message.ImageRef{{URL: "http://img/a.jpg"}, {URL: "http://img/b.jpg"}},
	}
	blocks := b.Build(context.Background(), msg)

	require.Len(t, blocks, 3)
	assert.Equal(t, acp.BlockText, blocks[0].Type)
	assert.Equal(t, acp.BlockImage, blocks[1].Type)
	assert.Equal(t, "aGk=", blocks[1].Data)
	assert.Equal(t, "image/jpeg", blocks[1].MimeType)
	assert.Equal(t, []string{"http://img/a.jpg", "http://img/b.jpg"}, fetch.urls)
}

func TestBuildFallsBackToURLWithoutImageSupport(t *testing.T) {
	fetch := &staticFetcher{data: "aGk=", mime: "image/jpeg"}
	b := NewBuilder(fetch, staticCaps(false), slog.Default())

	msg := message.Incoming{
		ChatID:   "private:1",
		Kind:     message.ChatPrivate,
		Text:     "x",
		SenderID: 1,
		Images:   []message.ImageRef{{URL: "http://img/a.jpg"}},
	}
	blocks := b.Build(context.Background(), msg)

	require.Len(t, blocks, 2)
	assert.Equal(t, acp.BlockText, blocks[1].Type)
	assert.Equal(t, "[图片: http://img/a.jpg]", blocks[1].Text)
	assert.Empty(t, fetch.urls, "no download without agent image support")
}

func TestBuildFallsBackToURLOnDownloadError(t *testing.T) {
	fetch := &staticFetcher{err: errors.New("404")}
	b := NewBuilder(fetch, staticCaps(true), slog.Default())

	msg := message.Incoming{
		ChatID:   "private:1",
		Kind:     message.ChatPrivate,
		Text:     "x",
		SenderID: 1,
		Images:   []message.ImageRef{{URL: "http://img/gone.jpg"}},
	}
	blocks := b.Build(context.Background(), msg)

	require.Len(t, blocks, 2)
	assert.Equal(t, "[图片: http://img/gone.jpg]", blocks[1].Text)
}
