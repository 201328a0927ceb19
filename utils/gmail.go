package utils

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mailpulse/store"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gopkg.in/gomail.v2"
)

const (
	gmailAPIBase = "https://gmail.googleapis.com/gmail/v1"

	// Refresh tokens this far ahead of expiry so an in-flight send never
	// races the provider's clock.
	tokenRefreshSkew = 5 * time.Minute
)

// Sentinel errors the workers branch on.
var (
	// ErrNoCredential means the user never connected a Gmail account.
	ErrNoCredential = errors.New("no gmail credential on file")

	// ErrHistoryGone means the provider no longer retains changes back to the
	// requested watermark and the caller must resynchronize.
	ErrHistoryGone = errors.New("history watermark no longer available")
)

// TokenExpiredError signals a credential that is expired and could not be
// refreshed. Distinct from APIError because it implies every other pending
// send for this user will also fail until they re-authenticate.
type TokenExpiredError struct {
	UserID uint
	Reason string
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("gmail token expired for user %d: %s", e.UserID, e.Reason)
}

// APIError is any non-auth error returned by the Gmail API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gmail %s failed (%d): %s", e.Op, e.StatusCode, e.Body)
}

// SendResult carries the provider identifiers of a delivered message.
type SendResult struct {
	MessageID string
	ThreadID  string
}

// AddedMessage is one message-added history event.
type AddedMessage struct {
	ID       string
	ThreadID string
	Labels   []string
}

// Inbox reports whether the message landed in the inbox, i.e. is a reply to
// something we sent rather than our own outbound copy.
func (m AddedMessage) Inbox() bool {
	for _, l := range m.Labels {
		if l == "INBOX" {
			return true
		}
	}
	return false
}

// Message is a fetched Gmail message reduced to what the engine needs.
type Message struct {
	ID       string
	ThreadID string
	From     string
	Subject  string
	BodyText string
	Labels   []string
}

// WatchResult is the outcome of registering push notifications.
type WatchResult struct {
	HistoryID  uint64     `json:"history_id"`
	Expiration *time.Time `json:"expiration,omitempty"`
}

// GmailClient talks to the Gmail REST API on behalf of stored user
// credentials, refreshing access tokens as needed.
type GmailClient struct {
	creds *store.CredentialStore
	oauth *oauth2.Config
	http  *resty.Client
}

func NewGmailClient(creds *store.CredentialStore, clientID, clientSecret string) *GmailClient {
	return &GmailClient{
		creds: creds,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
		},
		http: resty.New().
			SetBaseURL(gmailAPIBase).
			SetTimeout(30 * time.Second),
	}
}

// accessToken returns a valid access token for the user, refreshing and
// persisting it when it is within the skew of expiry.
func (g *GmailClient) accessToken(ctx context.Context, userID uint) (string, error) {
	cred, err := g.creds.GetByUser(userID)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", fmt.Errorf("user %d: %w", userID, ErrNoCredential)
	}

	if !cred.TokenExpiringSoon(tokenRefreshSkew) {
		return cred.AccessToken, nil
	}

	if cred.RefreshToken == "" || g.oauth.ClientID == "" {
		return "", &TokenExpiredError{UserID: userID, Reason: "expired and cannot be refreshed"}
	}

	// An expired source token forces TokenSource to hit the refresh endpoint.
	src := g.oauth.TokenSource(ctx, &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		return "", &TokenExpiredError{UserID: userID, Reason: err.Error()}
	}

	if err := g.creds.SaveToken(userID, tok.AccessToken, tok.Expiry, tok.RefreshToken); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// SendEmail sends a plain-text email as the user, threading it into threadID
// when given.
func (g *GmailClient) SendEmail(ctx context.Context, userID uint, to, subject, body, threadID string) (*SendResult, error) {
	token, err := g.accessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	m := gomail.NewMessage()
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("build mime message: %w", err)
	}

	payload := map[string]string{
		"raw": base64.URLEncoding.EncodeToString(buf.Bytes()),
	}
	if threadID != "" {
		payload["threadId"] = threadID
	}

	var out struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	}
	resp, err := g.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(payload).
		SetResult(&out).
		Post("/users/me/messages/send")
	if err != nil {
		return nil, fmt.Errorf("gmail send: %w", err)
	}
	if err := g.checkStatus(resp, userID, "send"); err != nil {
		return nil, err
	}

	return &SendResult{MessageID: out.ID, ThreadID: out.ThreadID}, nil
}

// GetHistory returns message-added events since the given watermark,
// flattened. Returns ErrHistoryGone when the provider reports the watermark
// as too old to diff from.
func (g *GmailClient) GetHistory(ctx context.Context, userID uint, sinceHistoryID uint64) ([]AddedMessage, error) {
	token, err := g.accessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out struct {
		History []struct {
			MessagesAdded []struct {
				Message struct {
					ID       string   `json:"id"`
					ThreadID string   `json:"threadId"`
					LabelIDs []string `json:"labelIds"`
				} `json:"message"`
			} `json:"messagesAdded"`
		} `json:"history"`
	}
	resp, err := g.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(map[string]string{
			"startHistoryId": strconv.FormatUint(sinceHistoryID, 10),
			"historyTypes":   "messageAdded",
		}).
		SetResult(&out).
		Get("/users/me/history")
	if err != nil {
		return nil, fmt.Errorf("gmail history: %w", err)
	}
	// The history endpoint reports an expired startHistoryId as 404.
	if resp.StatusCode() == 404 {
		return nil, ErrHistoryGone
	}
	if err := g.checkStatus(resp, userID, "history"); err != nil {
		return nil, err
	}

	var added []AddedMessage
	for _, h := range out.History {
		for _, ma := range h.MessagesAdded {
			added = append(added, AddedMessage{
				ID:       ma.Message.ID,
				ThreadID: ma.Message.ThreadID,
				Labels:   ma.Message.LabelIDs,
			})
		}
	}
	return added, nil
}

// GetMessage fetches a message and extracts sender, subject and plain-text
// body. Returns nil when the message no longer exists.
func (g *GmailClient) GetMessage(ctx context.Context, userID uint, messageID string) (*Message, error) {
	token, err := g.accessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out gmailMessage
	resp, err := g.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParam("format", "full").
		SetResult(&out).
		Get("/users/me/messages/" + messageID)
	if err != nil {
		return nil, fmt.Errorf("gmail get message: %w", err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if err := g.checkStatus(resp, userID, "get message"); err != nil {
		return nil, err
	}

	return &Message{
		ID:       out.ID,
		ThreadID: out.ThreadID,
		From:     extractAddress(out.header("From")),
		Subject:  out.header("Subject"),
		BodyText: out.bodyText(),
		Labels:   out.LabelIDs,
	}, nil
}

// Watch registers push notifications for the user's inbox and records the
// returned watermark and expiration.
func (g *GmailClient) Watch(ctx context.Context, userID uint, topicName string) (*WatchResult, error) {
	token, err := g.accessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out struct {
		HistoryID  string `json:"historyId"`
		Expiration string `json:"expiration"`
	}
	resp, err := g.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(map[string]interface{}{
			"topicName":           topicName,
			"labelIds":            []string{"INBOX"},
			"labelFilterBehavior": "INCLUDE",
		}).
		SetResult(&out).
		Post("/users/me/watch")
	if err != nil {
		return nil, fmt.Errorf("gmail watch: %w", err)
	}
	if err := g.checkStatus(resp, userID, "watch"); err != nil {
		return nil, err
	}

	result := &WatchResult{}
	result.HistoryID, _ = strconv.ParseUint(out.HistoryID, 10, 64)
	if ms, err := strconv.ParseInt(out.Expiration, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		result.Expiration = &t
	}

	if err := g.creds.SaveWatch(userID, result.HistoryID, result.Expiration); err != nil {
		return nil, err
	}
	return result, nil
}

func (g *GmailClient) checkStatus(resp *resty.Response, userID uint, op string) error {
	code := resp.StatusCode()
	if code < 400 {
		return nil
	}
	if code == 401 {
		return &TokenExpiredError{UserID: userID, Reason: "provider rejected access token"}
	}
	return &APIError{Op: op, StatusCode: code, Body: string(resp.Body())}
}

// gmailMessage mirrors the provider's message resource shape.
type gmailMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	LabelIDs []string `json:"labelIds"`
	Payload  struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		MimeType string `json:"mimeType"`
		Body     struct {
			Data string `json:"data"`
		} `json:"body"`
		Parts []struct {
			MimeType string `json:"mimeType"`
			Body     struct {
				Data string `json:"data"`
			} `json:"body"`
		} `json:"parts"`
	} `json:"payload"`
}

func (m *gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (m *gmailMessage) bodyText() string {
	for _, part := range m.Payload.Parts {
		if part.MimeType == "text/plain" && part.Body.Data != "" {
			return decodeBody(part.Body.Data)
		}
	}
	return decodeBody(m.Payload.Body.Data)
}

func decodeBody(data string) string {
	if data == "" {
		return ""
	}
	raw, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(raw)
}

// extractAddress pulls the bare address out of a "Name <addr>" header value.
func extractAddress(from string) string {
	if i := strings.Index(from, "<"); i != -1 {
		if j := strings.Index(from[i:], ">"); j != -1 {
			return from[i+1 : i+j]
		}
	}
	return strings.TrimSpace(from)
}
