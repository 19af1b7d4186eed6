// Package gmail reads report deliveries from a Gmail mailbox.
package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"pos-report-service/internal/config"
	"pos-report-service/internal/models"
)

const user = "me"

type Client struct {
	srv             *gmail.Service
	forwardPrefixes []string
	pageSize        int64
	log             *zap.Logger
}

// NewClient authenticates with a service account key. When DelegatedUser is
// set the account impersonates that mailbox through domain-wide delegation.
func NewClient(ctx context.Context, cfg config.MailConfig, log *zap.Logger) (*Client, error) {
	b, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read service account file: %w", err)
	}
	jwtConfig, err := google.JWTConfigFromJSON(b, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse service account file: %w", err)
	}
	jwtConfig.Subject = cfg.DelegatedUser

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(jwtConfig.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return NewClientWithService(srv, cfg, log), nil
}

// NewClientWithService wraps an already configured service.
func NewClientWithService(srv *gmail.Service, cfg config.MailConfig, log *zap.Logger) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Client{srv: srv, forwardPrefixes: cfg.ForwardPrefixes, pageSize: pageSize, log: log}
}

// ListMessageIDs returns the ids of every message carrying label, following
// result pages until the listing is exhausted.
func (c *Client) ListMessageIDs(ctx context.Context, label string) ([]string, error) {
	var ids []string
	call := c.srv.Users.Messages.List(user).
		Q(fmt.Sprintf("label:%q", label)).
		MaxResults(c.pageSize)

	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list messages for label %q: %w", label, err)
	}
	c.log.Debug("Listed messages", zap.String("label", label), zap.Int("count", len(ids)))
	return ids, nil
}

// GetMessage fetches one message with its decoded HTML body.
func (c *Client) GetMessage(ctx context.Context, id string) (*models.RawMessage, error) {
	msg, err := c.srv.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve message %s: %w", id, err)
	}
	return c.toRawMessage(msg), nil
}

func (c *Client) toRawMessage(msg *gmail.Message) *models.RawMessage {
	raw := &models.RawMessage{
		ID:         msg.Id,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload == nil {
		return raw
	}
	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			raw.Subject = header.Value
		case "Date":
			raw.DateHeader = header.Value
		}
	}
	raw.Forwarded = IsForwarded(raw.Subject, c.forwardPrefixes)

	body, err := htmlBody(msg.Payload)
	if err != nil {
		c.log.Warn("Could not decode HTML body", zap.String("message_id", msg.Id), zap.Error(err))
	}
	raw.HTMLBody = body
	return raw
}

// IsForwarded reports whether subject starts with one of prefixes, ignoring
// case and leading blanks.
func IsForwarded(subject string, prefixes []string) bool {
	s := strings.ToLower(strings.TrimSpace(subject))
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// htmlBody returns the first text/html part found depth first.
func htmlBody(part *gmail.MessagePart) (string, error) {
	if strings.EqualFold(part.MimeType, "text/html") && part.Body != nil && part.Body.Data != "" {
		return decodeBody(part.Body.Data)
	}
	for _, p := range part.Parts {
		if p == nil {
			continue
		}
		if body, err := htmlBody(p); body != "" || err != nil {
			return body, err
		}
	}
	return "", nil
}

// decodeBody accepts both padded and unpadded base64url payloads.
func decodeBody(data string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", fmt.Errorf("error decoding base64 body: %w", err)
		}
	}
	return string(b), nil
}
