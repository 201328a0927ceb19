package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ReplyWriter composes the body of an automatic response to an inbound
// reply. Content quality is the writing service's concern, not ours.
type ReplyWriter interface {
	ComposeReply(ctx context.Context, originalBody, incomingBody string) (string, error)
}

// HTTPReplyWriter calls the AI writing service over HTTP.
type HTTPReplyWriter struct {
	client   *resty.Client
	endpoint string
}

func NewHTTPReplyWriter(endpoint, apiKey string) *HTTPReplyWriter {
	client := resty.New().SetTimeout(60 * time.Second)
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPReplyWriter{client: client, endpoint: endpoint}
}

func (w *HTTPReplyWriter) ComposeReply(ctx context.Context, originalBody, incomingBody string) (string, error) {
	var out struct {
		Reply string `json:"reply"`
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"original_email":  originalBody,
			"recipient_reply": incomingBody,
		}).
		SetResult(&out).
		Post(w.endpoint)
	if err != nil {
		return "", fmt.Errorf("compose reply: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return "", fmt.Errorf("compose reply: writer returned %d: %s", resp.StatusCode(), resp.Body())
	}
	if out.Reply == "" {
		return "", fmt.Errorf("compose reply: writer returned empty body")
	}
	return out.Reply, nil
}
