package chatapi

import (
	"encoding/json"
)

// RawPayload is the content part of a message record. Records written by
// older clients don't always follow the schema, so decoding is lenient: any
// field with an unexpected JSON type is left at its zero value.
type RawPayload struct {
	Type    string `json:"type,omitempty"`
	Payload string `json:"payload,omitempty"`
	Name    string `json:"name,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

func (p *RawPayload) UnmarshalJSON(data []byte) error {
	*p = RawPayload{}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	p.Type, _ = raw["type"].(string)
	p.Payload, _ = raw["payload"].(string)
	p.Name, _ = raw["name"].(string)
	if size, ok := raw["size"].(float64); ok && size > 0 {
		p.Size = int64(size)
	}
	return nil
}

type RawMessage struct {
	ID             string      `json:"_id"`
	ConversationID string      `json:"groupId,omitempty"`
	SenderID       string      `json:"senderId"`
	Text           string      `json:"text,omitempty"`
	Payload        *RawPayload `json:"payload,omitempty"`
	CreatedAt      string      `json:"createdAt"`
}

// SendRequest is the body of POST /conversations/{id}/messages.
type SendRequest struct {
	Type    string  `json:"type"`
	Payload string  `json:"payload"`
	Name    *string `json:"name,omitempty"`
	Size    *int64  `json:"size,omitempty"`
}

type RawProfile struct {
	ID          string `json:"_id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

type RawMember struct {
	UserID   string `json:"userId"`
	Role     string `json:"role,omitempty"`
	JoinedAt string `json:"joinedAt,omitempty"`
}

type RawConversation struct {
	ID          string `json:"_id"`
	Name        string `json:"name"`
	LastMessage string `json:"lastMessage,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	JoinedAt    string `json:"joinedAt,omitempty"`
}

type RawNotificationPayload struct {
	RequesterID string `json:"requesterId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	RoleID      string `json:"roleId,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	Content     string `json:"content,omitempty"`
}

type RawNotification struct {
	ID        string                 `json:"_id"`
	UserID    string                 `json:"userId"`
	Type      string                 `json:"type"`
	Payload   RawNotificationPayload `json:"payload"`
	Read      bool                   `json:"read"`
	CreatedAt string                 `json:"createdAt"`
}

type NotificationPage struct {
	Notifications []RawNotification `json:"notifications"`
	Total         int               `json:"total"`
}

type NotificationQuery struct {
	Limit  int
	Offset int
	// Read filters by read flag when set.
	Read *bool
}

type uploadResponse struct {
	ContentID string `json:"contentId"`
}

// decodeList accepts both a bare JSON array and the {"data": [...]} envelope
// some endpoints use.
func decodeList[T any](data []byte) ([]T, error) {
	var list []T
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var envelope struct {
		Data     []T `json:"data"`
		Messages []T `json:"messages"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	if envelope.Data != nil {
		return envelope.Data, nil
	}
	return envelope.Messages, nil
}
