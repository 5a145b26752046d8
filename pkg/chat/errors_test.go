package chat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserMessage(t *testing.T) {
	netErr := &NetworkError{Op: "send message", Err: errors.New("connection refused")}
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"busy", fmt.Errorf("send: %w", ErrBusy), "A message is already being sent"},
		{"validation", &ValidationError{Field: "text", Reason: "Message text is empty"}, "Message text is empty"},
		{"device", &DeviceError{Err: errors.New("permission denied")}, "Could not access the microphone"},
		{"upload wraps network", &UploadError{Err: netErr}, "Could not upload the file"},
		{"refresh wraps network", &RefreshError{Err: netErr}, "Could not refresh messages"},
		{"server with message", &ServerError{Op: "x", Status: 403, Message: "Forbidden"}, "Forbidden"},
		{"server without message", &ServerError{Op: "x", Status: 502}, "Server error (HTTP 502)"},
		{"network", netErr, "Could not reach the server"},
		{"other", errors.New("boom"), "boom"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, UserMessage(tc.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	netErr := &NetworkError{Op: "upload file", Err: errors.New("timeout")}
	err := fmt.Errorf("failed to upload: %w", &UploadError{Err: netErr})

	var target *NetworkError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, "upload file", target.Op)
}

func TestTempID(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		id := NewTempID()
		require.True(t, IsTempID(id))
		_, dup := seen[id]
		require.False(t, dup, "duplicate temporary id %s", id)
		seen[id] = struct{}{}
	}
	assert.False(t, IsTempID("65f1c2a9e4b0a1b2c3d4e5f6"))
}

func TestKindFromType(t *testing.T) {
	assert.Equal(t, KindAudio, KindFromType("audio"))
	assert.Equal(t, KindAudio, KindFromType("audio/mp3"))
	assert.Equal(t, KindImage, KindFromType("image/png"))
	assert.Equal(t, KindVideo, KindFromType("video/mp4"))
	assert.Equal(t, KindFile, KindFromType("file"))
	assert.Equal(t, KindFile, KindFromType("unknown"))
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "0 B", (&Attachment{}).HumanSize())
	assert.Equal(t, "512 B", (&Attachment{Size: 512}).HumanSize())
	assert.Equal(t, "1.5 KiB", (&Attachment{Size: 1536}).HumanSize())
}

func TestFallbackUsername(t *testing.T) {
	assert.Equal(t, "User 65f1c2", FallbackUsername("65f1c2a9e4b0a1b2c3d4e5f6"))
	assert.Equal(t, "User abc", FallbackUsername("abc"))
}

func TestAttachmentDimensions(t *testing.T) {
	assert.Equal(t, "800x600", (&Attachment{Width: 800, Height: 600}).Dimensions())
	assert.Empty(t, (&Attachment{Width: 800}).Dimensions())
	assert.Empty(t, (&Attachment{}).Dimensions())
}
