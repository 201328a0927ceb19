package utils

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractAddress(t *testing.T) {
	cases := map[string]string{
		"Jane Lead <jane@example.com>": "jane@example.com",
		"<jane@example.com>":           "jane@example.com",
		"jane@example.com":             "jane@example.com",
		"  jane@example.com  ":         "jane@example.com",
		`"Lead, Jane" <jane@example.com>`: "jane@example.com",
	}
	for from, want := range cases {
		assert.Equal(t, want, extractAddress(from), "from=%q", from)
	}
}

func TestDecodeBody(t *testing.T) {
	body := "Sounds interesting, tell me more."

	padded := base64.URLEncoding.EncodeToString([]byte(body))
	assert.Equal(t, body, decodeBody(padded))

	unpadded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(body))
	assert.Equal(t, body, decodeBody(unpadded))

	assert.Empty(t, decodeBody(""))
	assert.Empty(t, decodeBody("!!not base64!!"))
}

func TestGmailMessageParsing(t *testing.T) {
	bodyData := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte("plain text reply"))
	raw := `{
		"id": "inbound-1",
		"threadId": "thread-1",
		"labelIds": ["INBOX", "UNREAD"],
		"payload": {
			"mimeType": "multipart/alternative",
			"headers": [
				{"name": "From", "value": "Jane Lead <jane@example.com>"},
				{"name": "subject", "value": "Re: Quick question"}
			],
			"parts": [
				{"mimeType": "text/html", "body": {"data": "aHRtbA"}},
				{"mimeType": "text/plain", "body": {"data": "` + bodyData + `"}}
			]
		}
	}`

	var msg gmailMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	assert.Equal(t, "Jane Lead <jane@example.com>", msg.header("From"))
	assert.Equal(t, "Re: Quick question", msg.header("Subject"), "header lookup is case-insensitive")
	assert.Equal(t, "plain text reply", msg.bodyText(), "text/plain part wins over html")
	assert.Empty(t, msg.header("Cc"))
}

func TestGmailMessageBodyFallback(t *testing.T) {
	bodyData := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte("single part body"))
	raw := `{"id": "m1", "payload": {"mimeType": "text/plain", "body": {"data": "` + bodyData + `"}}}`

	var msg gmailMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, "single part body", msg.bodyText())
}
