// ABOUTME: Downloads image attachments and returns them as base64 with a resolved MIME type.

package onebot

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"
)

// maxImageBytes caps a single attachment download.
const maxImageBytes = 10 * 1024 * 1024

var extMIMEs = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// ImageFetcher downloads images over HTTP for prompt inlining.
type ImageFetcher struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewImageFetcher creates a fetcher. timeout bounds each download; zero
// means no per-download deadline.
func NewImageFetcher(timeout time.Duration, logger *slog.Logger) *ImageFetcher {
	return &ImageFetcher{
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger.With("component", "images"),
	}
}

// Fetch downloads url and returns the base64 payload with its MIME type.
func (f *ImageFetcher) Fetch(ctx context.Context, url string) (string, string, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("building image request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("downloading image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("downloading image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("reading image body: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	return base64.StdEncoding.EncodeToString(data), resolveMIME(resp, url, data), nil
}

// resolveMIME prefers the response Content-Type, then the URL extension,
// then content sniffing.
func resolveMIME(resp *http.Response, url string, data []byte) string {
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "image/") {
		if mime, _, found := strings.Cut(ct, ";"); found {
			return strings.TrimSpace(mime)
		}
		return ct
	}
	if mime, ok := extMIMEs[strings.ToLower(path.Ext(stripQuery(url)))]; ok {
		return mime
	}
	return http.DetectContentType(data)
}

func stripQuery(url string) string {
	if base, _, found := strings.Cut(url, "?"); found {
		return base
	}
	return url
}
