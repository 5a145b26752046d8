package codec

import (
	"cmp"

	"github.com/lrhodin/chatcore/pkg/chat"
	"github.com/lrhodin/chatcore/pkg/chatapi"
)

func DecodeConversation(raw chatapi.RawConversation) chat.Conversation {
	return chat.Conversation{
		ID:          raw.ID,
		Name:        cmp.Or(raw.Name, raw.ID),
		LastMessage: raw.LastMessage,
		CreatedAt:   ParseTime(raw.CreatedAt),
		JoinedAt:    ParseTime(raw.JoinedAt),
	}
}

func DecodeMember(raw chatapi.RawMember) chat.Member {
	return chat.Member{
		UserID:   raw.UserID,
		Role:     raw.Role,
		JoinedAt: ParseTime(raw.JoinedAt),
	}
}

func DecodeProfile(raw chatapi.RawProfile) chat.Profile {
	return chat.Profile{
		ID:          raw.ID,
		Username:    raw.Username,
		DisplayName: cmp.Or(raw.DisplayName, raw.Username),
	}
}

func DecodeNotification(raw chatapi.RawNotification) chat.Notification {
	return chat.Notification{
		ID:     raw.ID,
		UserID: raw.UserID,
		Type:   chat.NotificationType(raw.Type),
		Payload: chat.NotificationPayload{
			RequesterID: raw.Payload.RequesterID,
			GroupID:     raw.Payload.GroupID,
			RoleID:      raw.Payload.RoleID,
			MessageID:   raw.Payload.MessageID,
			Content:     raw.Payload.Content,
		},
		Read:      raw.Read,
		CreatedAt: ParseTime(raw.CreatedAt),
	}
}
