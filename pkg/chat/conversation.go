package chat

import (
	"fmt"
	"time"
)

type Conversation struct {
	ID          string
	Name        string
	LastMessage string
	CreatedAt   time.Time
	JoinedAt    time.Time
}

type Member struct {
	UserID   string
	Username string
	Role     string
	JoinedAt time.Time
}

type Profile struct {
	ID          string
	Username    string
	DisplayName string
}

// FallbackUsername is shown for members whose profile could not be fetched.
func FallbackUsername(userID string) string {
	short := userID
	if len(short) > 6 {
		short = short[:6]
	}
	return fmt.Sprintf("User %s", short)
}

type NotificationType string

const (
	NotificationContactRequest NotificationType = "contact_request"
	NotificationMention        NotificationType = "mention"
	NotificationGroupInvite    NotificationType = "group_invite"
	NotificationReaction       NotificationType = "reaction"
)

type NotificationPayload struct {
	RequesterID string
	GroupID     string
	RoleID      string
	MessageID   string
	Content     string
}

type Notification struct {
	ID        string
	UserID    string
	Type      NotificationType
	Payload   NotificationPayload
	Read      bool
	CreatedAt time.Time
}

// IsInvite reports whether accepting n should join a group.
func (n *Notification) IsInvite() bool {
	return n.Type == NotificationGroupInvite && n.Payload.GroupID != ""
}
