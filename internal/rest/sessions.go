package rest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/user/pineai/internal/types"
)

// ListSessions returns a page of the account's sessions. state filters by
// session state when non-empty. limit defaults to 30 server-side.
func (c *Client) ListSessions(ctx context.Context, state string, limit, offset int) (*types.SessionListing, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	if state != "" {
		q.Set("state", state)
	}
	var out types.SessionListing
	if err := c.get(ctx, "/v2/sessions?"+q.Encode(), &out); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return &out, nil
}

// GetSession fetches one session's metadata.
func (c *Client) GetSession(ctx context.Context, id types.SessionID) (*types.SessionInfo, error) {
	var out types.SessionInfo
	if err := c.get(ctx, "/v2/sessions/"+url.PathEscape(string(id)), &out); err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &out, nil
}

// CreateSession opens a fresh session.
func (c *Client) CreateSession(ctx context.Context) (*types.SessionInfo, error) {
	var out types.SessionInfo
	if err := c.post(ctx, "/v2/sessions", nil, &out); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &out, nil
}

// DeleteSession removes a session. force also removes one with a running
// task.
func (c *Client) DeleteSession(ctx context.Context, id types.SessionID, force bool) error {
	path := "/v2/sessions/" + url.PathEscape(string(id))
	if force {
		path += "?force_delete=true"
	}
	if err := c.delete(ctx, path, nil); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// StartTask confirms and launches the session's prepared task.
func (c *Client) StartTask(ctx context.Context, id types.SessionID) error {
	if err := c.post(ctx, "/v2/sessions/"+url.PathEscape(string(id))+"/start", nil, nil); err != nil {
		return fmt.Errorf("starting task: %w", err)
	}
	return nil
}

// StopTask halts the session's running task.
func (c *Client) StopTask(ctx context.Context, id types.SessionID) error {
	if err := c.post(ctx, "/v2/sessions/"+url.PathEscape(string(id))+"/stop", nil, nil); err != nil {
		return fmt.Errorf("stopping task: %w", err)
	}
	return nil
}

// UpdateCallReminder toggles the scheduled-call reminder attached to a
// message.
func (c *Client) UpdateCallReminder(ctx context.Context, id types.SessionID, messageID types.MessageID, scheduledTime string, enabled bool) error {
	body := map[string]any{
		"message_id":              string(messageID),
		"scheduled_time":          scheduledTime,
		"scheduled_call_reminder": enabled,
	}
	if err := c.put(ctx, "/v2/sessions/"+url.PathEscape(string(id))+"/scheduled-call-reminder", body, nil); err != nil {
		return fmt.Errorf("updating call reminder: %w", err)
	}
	return nil
}

// UploadAttachment uploads one local file and returns the server records for
// it. The endpoint accepts multiple files per request and so responds with a
// list.
func (c *Client) UploadAttachment(ctx context.Context, filePath string) ([]types.Attachment, error) {
	var out []types.Attachment
	if err := c.upload(ctx, "/v2/attachments", filePath, &out); err != nil {
		return nil, fmt.Errorf("uploading attachment: %w", err)
	}
	return out, nil
}

// DeleteAttachment removes an uploaded file.
func (c *Client) DeleteAttachment(ctx context.Context, attachmentID string) error {
	if err := c.delete(ctx, "/v2/attachments/"+url.PathEscape(attachmentID), nil); err != nil {
		return fmt.Errorf("deleting attachment: %w", err)
	}
	return nil
}
