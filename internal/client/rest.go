package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/capitalize-ai/marketplace-messaging/internal/model"
)

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// LoadConversations fetches a page of conversations. Page 1 replaces the
// local list; later pages are appended.
func (s *Session) LoadConversations(ctx context.Context, page, limit int) (*model.ListConversationsResponse, error) {
	var resp model.ListConversationsResponse
	if err := s.do(ctx, http.MethodGet, "/api/v1/conversations"+pageQuery(page, limit), nil, &resp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if page <= 1 {
		s.conversations = nil
	}
	for _, c := range resp.Conversations {
		if s.indexLocked(c.ID) >= 0 {
			continue
		}
		s.conversations = append(s.conversations, c)
		s.knownUnread[c.ID] = c.UnreadCount
	}
	s.mu.Unlock()

	return &resp, nil
}

// LoadMessages fetches a page of history. Page 1 replaces the loaded history
// and later pages are older messages placed in front of it. The server marks
// the fetched conversation as read, so its unread count is cleared locally.
func (s *Session) LoadMessages(ctx context.Context, conversationID string, page, limit int) (*model.ListMessagesResponse, error) {
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages" + pageQuery(page, limit)
	var resp model.ListMessagesResponse
	if err := s.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if page <= 1 {
		s.messages[conversationID] = nil
		s.messageIDs[conversationID] = make(map[string]struct{})
		s.appendMessagesLocked(conversationID, resp.Messages...)
	} else {
		ids := s.messageIDs[conversationID]
		if ids == nil {
			ids = make(map[string]struct{})
			s.messageIDs[conversationID] = ids
		}
		older := make([]model.MessageView, 0, len(resp.Messages))
		for _, m := range resp.Messages {
			if _, dup := ids[m.ID]; !dup {
				ids[m.ID] = struct{}{}
				older = append(older, m)
			}
		}
		s.messages[conversationID] = append(older, s.messages[conversationID]...)
	}
	s.clearUnreadLocked(conversationID)
	s.mu.Unlock()

	return &resp, nil
}

// RefreshUnreadCount replaces the badge with the server's total.
func (s *Session) RefreshUnreadCount(ctx context.Context) (int, error) {
	var resp model.UnreadCountResponse
	if err := s.do(ctx, http.MethodGet, "/api/v1/messages/unread-count", nil, &resp); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.unread = resp.UnreadCount
	s.mu.Unlock()
	return resp.UnreadCount, nil
}

// CreateConversation finds or creates the conversation with participantID.
func (s *Session) CreateConversation(ctx context.Context, req model.CreateConversationRequest) (*model.ConversationView, error) {
	var conv model.ConversationView
	if err := s.do(ctx, http.MethodPost, "/api/v1/conversations", req, &conv); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.indexLocked(conv.ID) < 0 {
		s.conversations = append([]model.ConversationView{conv}, s.conversations...)
		s.knownUnread[conv.ID] = conv.UnreadCount
	}
	s.mu.Unlock()
	return &conv, nil
}

// SendMessage sends over REST. The live echo of the same message is
// de-duplicated against the returned copy.
func (s *Session) SendMessage(ctx context.Context, conversationID string, req model.SendMessageRequest) (*model.MessageView, error) {
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	var msg model.MessageView
	if err := s.do(ctx, http.MethodPost, path, req, &msg); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.appendMessagesLocked(conversationID, msg)
	s.mu.Unlock()
	return &msg, nil
}

// MarkRead marks the conversation read for this user.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/v1/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := s.do(ctx, http.MethodPatch, path, nil, nil); err != nil {
		return err
	}
	s.mu.Lock()
	s.clearUnreadLocked(conversationID)
	s.mu.Unlock()
	return nil
}

func (s *Session) clearUnreadLocked(conversationID string) {
	s.adjustUnreadLocked(-s.knownUnread[conversationID])
	s.knownUnread[conversationID] = 0
	if i := s.indexLocked(conversationID); i >= 0 {
		s.conversations[i].UnreadCount = 0
	}
}

func (s *Session) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func pageQuery(page, limit int) string {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
