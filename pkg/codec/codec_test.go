package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatcore/pkg/chat"
	"github.com/lrhodin/chatcore/pkg/chatapi"
)

type prefixRef string

func (p prefixRef) DownloadReference(contentID string) string {
	return string(p) + contentID
}

const (
	viewer    = "viewer-1"
	other     = "user-2"
	contentID = "0b8f3c52-8f0e-4e4b-a0c8-2f1d9a7e6c11"
)

func newCodec() *Codec {
	return New(prefixRef("/api/files/"))
}

func TestDecodeText(t *testing.T) {
	c := newCodec()
	msg, err := c.Decode(chatapi.RawMessage{
		ID:        "m1",
		SenderID:  viewer,
		Payload:   &chatapi.RawPayload{Type: TypeText, Payload: "hello"},
		CreatedAt: "2024-03-01T10:00:00.000Z",
	}, viewer)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, chat.SenderSelf, msg.Sender)
	assert.Equal(t, chat.StatusDelivered, msg.Status)
	assert.True(t, msg.Editable)
	assert.Nil(t, msg.Attachment)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), msg.Timestamp)
}

func TestDecodeForeignText(t *testing.T) {
	msg, err := newCodec().Decode(chatapi.RawMessage{ID: "m1", SenderID: other, Payload: &chatapi.RawPayload{Payload: "hey"}}, viewer)
	require.NoError(t, err)
	assert.Equal(t, chat.SenderOther, msg.Sender)
	assert.Equal(t, chat.StatusNone, msg.Status)
	assert.False(t, msg.Editable)
}

func TestDecodeAudioIsNeverEditable(t *testing.T) {
	for _, sender := range []string{viewer, other} {
		msg, err := newCodec().Decode(chatapi.RawMessage{
			ID:       "m1",
			SenderID: sender,
			Payload:  &chatapi.RawPayload{Type: TypeAudio, Payload: contentID},
		}, viewer)
		require.NoError(t, err)
		require.NotNil(t, msg.Attachment, "sender %s", sender)
		assert.False(t, msg.Editable, "sender %s", sender)
		assert.Equal(t, VoiceMessageName, msg.Attachment.Name)
		assert.Equal(t, chat.KindAudio, msg.Attachment.Kind)
		assert.Equal(t, AttachmentLabel, msg.Text)
		assert.Equal(t, "/api/files/"+contentID, msg.Attachment.URL)
	}
}

func TestDecodeFile(t *testing.T) {
	msg, err := newCodec().Decode(chatapi.RawMessage{
		ID:       "m1",
		SenderID: viewer,
		Payload:  &chatapi.RawPayload{Type: TypeFile, Payload: contentID, Name: "photo.png", Size: 2048},
	}, viewer)
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "photo.png", msg.Text)
	assert.Equal(t, contentID, msg.Attachment.ContentID)
	assert.Equal(t, int64(2048), msg.Attachment.Size)
	assert.Equal(t, TypeFile, msg.Attachment.Type)
	assert.Equal(t, chat.KindImage, msg.Attachment.Kind)
	assert.False(t, msg.Editable)
	assert.Equal(t, chat.StatusDelivered, msg.Status)
}

func TestDecodeLegacyContentIDPayload(t *testing.T) {
	// No type tag, but the payload is an upload identifier with an extension.
	msg, err := newCodec().Decode(chatapi.RawMessage{
		ID:       "m1",
		SenderID: other,
		Payload:  &chatapi.RawPayload{Payload: "0B8F3C52-8F0E-4E4B-A0C8-2F1D9A7E6C11.PDF"},
	}, viewer)
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "pdf", msg.Attachment.Type)
	assert.Equal(t, UnnamedFile, msg.Attachment.Name)
	assert.Equal(t, int64(0), msg.Attachment.Size)
}

func TestDecodeMalformed(t *testing.T) {
	msg, err := newCodec().Decode(chatapi.RawMessage{ID: "m1", SenderID: other, CreatedAt: "yesterday"}, viewer)
	require.NoError(t, err)
	assert.Equal(t, NoContentText, msg.Text)
	assert.True(t, msg.Timestamp.IsZero())

	msg, err = newCodec().Decode(chatapi.RawMessage{ID: "m2", SenderID: other, Text: "fallback-id", Payload: &chatapi.RawPayload{Type: TypeFile}}, viewer)
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "fallback-id", msg.Attachment.ContentID)
	assert.Equal(t, TypeFile, msg.Attachment.Type)

	msg, err = newCodec().Decode(chatapi.RawMessage{ID: "m3", SenderID: other, Payload: &chatapi.RawPayload{Type: TypeFile}}, viewer)
	require.NoError(t, err)
	assert.Equal(t, UnknownType, msg.Attachment.ContentID)
}

func TestDecodeWithoutViewer(t *testing.T) {
	_, err := newCodec().Decode(chatapi.RawMessage{ID: "m1", SenderID: other}, "")
	require.ErrorIs(t, err, chat.ErrViewerUnknown)

	_, err = newCodec().DecodeAll([]chatapi.RawMessage{{ID: "m1"}}, "")
	require.ErrorIs(t, err, chat.ErrViewerUnknown)
}

func TestDecodeAllSortsStably(t *testing.T) {
	raws := []chatapi.RawMessage{
		{ID: "c", SenderID: other, CreatedAt: "2024-03-01T10:02:00Z"},
		{ID: "a1", SenderID: other, CreatedAt: "2024-03-01T10:00:00Z"},
		{ID: "b", SenderID: viewer, CreatedAt: "2024-03-01T10:01:00Z"},
		{ID: "a2", SenderID: viewer, CreatedAt: "2024-03-01T10:00:00Z"},
	}
	msgs, err := newCodec().DecodeAll(raws, viewer)
	require.NoError(t, err)
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"a1", "a2", "b", "c"}, ids)
}

func TestEncode(t *testing.T) {
	assert.Equal(t, chatapi.SendRequest{Type: TypeText, Payload: "hi"}, Encode(chat.Message{Text: "hi"}))

	req := Encode(chat.Message{Attachment: &chat.Attachment{ContentID: contentID, Name: "voice.mp3", Size: 10, Kind: chat.KindAudio}})
	assert.Equal(t, TypeAudio, req.Type)
	assert.Equal(t, contentID, req.Payload)
	require.NotNil(t, req.Name)
	assert.Equal(t, "voice.mp3", *req.Name)
	require.NotNil(t, req.Size)
	assert.Equal(t, int64(10), *req.Size)

	req = EncodeAttachment(chat.KindImage, contentID, "", 0)
	assert.Equal(t, TypeFile, req.Type)
	assert.Nil(t, req.Name)
	assert.Nil(t, req.Size)
}

func TestDecodeNotification(t *testing.T) {
	n := DecodeNotification(chatapi.RawNotification{
		ID:      "n1",
		Type:    "group_invite",
		Payload: chatapi.RawNotificationPayload{GroupID: "g1", Content: "Join us"},
	})
	assert.True(t, n.IsInvite())
	assert.Equal(t, "Join us", n.Payload.Content)
	assert.False(t, n.Read)
}
