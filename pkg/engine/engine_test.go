package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/chatcore/pkg/attachment"
	"github.com/lrhodin/chatcore/pkg/chat"
	"github.com/lrhodin/chatcore/pkg/chatapi"
	"github.com/lrhodin/chatcore/pkg/codec"
	"github.com/lrhodin/chatcore/pkg/dategroup"
	"github.com/lrhodin/chatcore/pkg/store"
)

const (
	viewer = "viewer-1"
	other  = "user-2"
)

var base = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu       sync.Mutex
	messages map[string][]chatapi.RawMessage
	seq      int
	calls    map[string]int
	sends    []chatapi.SendRequest

	sendGate  chan struct{}
	sendErr   error
	listErr   error
	updateErr error
	profiles  map[string]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages: make(map[string][]chatapi.RawMessage),
		calls:    make(map[string]int),
		profiles: make(map[string]string),
	}
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) add(convID, sender string, payload chatapi.RawPayload) chatapi.RawMessage {
	f.seq++
	raw := chatapi.RawMessage{
		ID:             fmt.Sprintf("m%d", f.seq),
		ConversationID: convID,
		SenderID:       sender,
		Payload:        &payload,
		CreatedAt:      base.Add(time.Duration(f.seq) * time.Minute).Format(time.RFC3339),
	}
	f.messages[convID] = append(f.messages[convID], raw)
	return raw
}

func (f *fakeAPI) ListMessages(_ context.Context, convID string, page, limit int) ([]chatapi.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return slices.Clone(f.messages[convID]), nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, convID string, req chatapi.SendRequest) (*chatapi.RawMessage, error) {
	f.mu.Lock()
	f.calls["send"]++
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	raw := f.add(convID, viewer, chatapi.RawPayload{Type: req.Type, Payload: req.Payload})
	return &raw, nil
}

func (f *fakeAPI) UpdateMessage(_ context.Context, messageID, text string) (*chatapi.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["update"]++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	for _, msgs := range f.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				msgs[i].Payload = &chatapi.RawPayload{Type: codec.TypeText, Payload: text}
				raw := msgs[i]
				return &raw, nil
			}
		}
	}
	return nil, &chat.ServerError{Op: "update message", Status: http.StatusNotFound}
}

func (f *fakeAPI) DeleteMessage(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete"]++
	for convID, msgs := range f.messages {
		f.messages[convID] = slices.DeleteFunc(msgs, func(m chatapi.RawMessage) bool {
			return m.ID == messageID
		})
	}
	return nil
}

func (f *fakeAPI) DeleteConversation(_ context.Context, convID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete_conversation"]++
	delete(f.messages, convID)
	return nil
}

func (f *fakeAPI) Members(_ context.Context, convID string) ([]chatapi.RawMember, error) {
	return []chatapi.RawMember{
		{UserID: viewer, Role: "owner"},
		{UserID: "abcdef123456", Role: "member"},
	}, nil
}

func (f *fakeAPI) Profile(_ context.Context, userID string) (*chatapi.RawProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.profiles[userID]
	if !ok {
		return nil, &chat.ServerError{Op: "get profile", Status: http.StatusNotFound}
	}
	return &chatapi.RawProfile{ID: userID, Username: name}, nil
}

type fakeUploader struct {
	err      error
	image    *attachment.ImageInfo
	uploaded []attachment.Payload
}

func (u *fakeUploader) Upload(_ context.Context, payload attachment.Payload) (*attachment.Result, error) {
	if u.err != nil {
		return nil, &chat.UploadError{Err: u.err}
	}
	payload = attachment.Prepare(payload)
	u.uploaded = append(u.uploaded, payload)
	return &attachment.Result{
		ContentID: "0b8f3c52-8f0e-4e4b-a0c8-2f1d9a7e6c11",
		Name:      payload.Name,
		MIME:      payload.MIME,
		Size:      payload.Size(),
		Image:     u.image,
	}, nil
}

func (u *fakeUploader) DownloadReference(contentID string) string {
	return "/api/files/" + contentID
}

type memCache struct {
	mu    sync.Mutex
	convs map[string][]chat.Message
}

func (c *memCache) LoadMessages(_ context.Context, convID string) ([]chat.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.convs[convID]), nil
}

func (c *memCache) SaveSnapshot(_ context.Context, convID string, msgs []chat.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs[convID] = slices.Clone(msgs)
	return nil
}

func (c *memCache) DeleteConversation(_ context.Context, convID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.convs, convID)
	return nil
}

type harness struct {
	api      *fakeAPI
	uploader *fakeUploader
	engine   *Engine
	metrics  *Metrics
	phases   chan Phase
	deleted  []string
}

func newHarness(t *testing.T, mods ...func(*Params)) *harness {
	t.Helper()
	h := &harness{
		api:      newFakeAPI(),
		uploader: &fakeUploader{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
		phases:   make(chan Phase, 64),
	}
	params := Params{
		API:      h.api,
		Pipeline: h.uploader,
		ViewerID: viewer,
		Labels:   dategroup.English,
		Clock:    func() time.Time { return base.Add(24 * time.Hour) },
		Metrics:  h.metrics,
		OnConversationDeleted: func(convID string) {
			h.deleted = append(h.deleted, convID)
		},
		OnPhase: func(op Op, phase Phase) {
			select {
			case h.phases <- phase:
			default:
			}
		},
	}
	for _, mod := range mods {
		mod(&params)
	}
	h.engine = New(params, zerolog.Nop())
	return h
}

func (h *harness) open(t *testing.T, convID string) {
	t.Helper()
	require.NoError(t, h.engine.Open(context.Background(), convID))
	h.drainPhases()
}

func (h *harness) drainPhases() {
	for {
		select {
		case <-h.phases:
		default:
			return
		}
	}
}

func (h *harness) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case phase := <-h.phases:
			if phase == want {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for phase %s", want)
		}
	}
}

func messageIDs(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSendHello(t *testing.T) {
	h := newHarness(t)
	h.open(t, "c1")
	h.api.sendGate = make(chan struct{})
	h.engine.SetDraft("hello")

	done := make(chan error, 1)
	go func() {
		done <- h.engine.Send(context.Background())
	}()
	h.waitPhase(t, PhaseAwaiting)

	snap := h.engine.Store().Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].IsPending())
	assert.Equal(t, "hello", snap.Messages[0].Text)
	assert.Equal(t, chat.StatusSent, snap.Messages[0].Status)
	assert.Equal(t, 1, snap.PendingCount())
	assert.Empty(t, h.engine.Draft())

	close(h.api.sendGate)
	require.NoError(t, <-done)

	snap = h.engine.Store().Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hello", snap.Messages[0].Text)
	assert.False(t, chat.IsTempID(snap.Messages[0].ID))
	assert.Equal(t, chat.StatusDelivered, snap.Messages[0].Status)
	assert.Zero(t, snap.PendingCount())
	assert.Empty(t, h.engine.Err())
	assert.Equal(t, []chatapi.SendRequest{{Type: codec.TypeText, Payload: "hello"}}, h.api.sends)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Operations.WithLabelValues(string(OpSend), string(OutcomeOK))))
}

func TestSendWhileBusyIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.open(t, "c1")
	h.api.sendGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- h.engine.SendText(context.Background(), "first")
	}()
	h.waitPhase(t, PhaseAwaiting)

	h.engine.SetDraft("second")
	err := h.engine.Send(context.Background())
	require.ErrorIs(t, err, chat.ErrBusy)
	assert.Equal(t, "second", h.engine.Draft())
	assert.Empty(t, h.engine.Err())
	assert.Equal(t, 1, h.engine.Store().PendingCount())

	require.ErrorIs(t, h.engine.UploadFile(context.Background(), attachment.Payload{Name: "a.txt", Data: []byte("x")}), chat.ErrBusy)
	assert.Empty(t, h.uploader.uploaded)

	close(h.api.sendGate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, h.api.count("send"))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Operations.WithLabelValues(string(OpSend), string(OutcomeBusy)))+
		testutil.ToFloat64(h.metrics.Operations.WithLabelValues(string(OpUpload), string(OutcomeBusy))))
}

func TestSendFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.open(t, "c1")
	h.api.sendErr = &chat.NetworkError{Op: "send message", Err: errors.New("connection refused")}
	h.engine.SetDraft("hello")

	err := h.engine.Send(context.Background())
	var netErr *chat.NetworkError
	require.ErrorAs(t, err, &netErr)

	snap := h.engine.Store().Snapshot()
	for _, msg := range snap.Messages {
		assert.False(t, msg.IsPending())
	}
	assert.Empty(t, snap.Messages)
	assert.False(t, h.engine.Store().Busy())
	assert.Equal(t, "hello", h.engine.Draft())
	assert.Equal(t, "Could not reach the server", h.engine.Err())
	h.waitPhase(t, PhaseRolledBack)
}

func TestSendEmptyIsRejected(t *testing.T) {
	h := newHarness(t)
	h.open(t, "c1")
	var validationErr *chat.ValidationError
	require.ErrorAs(t, h.engine.SendText(context.Background(), "   "), &validationErr)
	assert.Zero(t, h.api.count("send"))
}

func TestSendWithoutConversation(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.engine.SendText(context.Background(), "hi"), chat.ErrNoConversation)
	assert.NotEmpty(t, h.engine.Err())
}

func TestRefreshFailureAfterSendKeepsMessage(t *testing.T) {
	h := newHarness(t)
	h.open(t, "c1")
	h.api.listErr = &chat.ServerError{Op: "list messages", Status: http.StatusBadGateway}

	err := h.engine.SendText(context.Background(), "hello")
	var refreshErr *chat.RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, "Could not refresh messages", h.engine.Err())

	snap := h.engine.Store().Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "hello", snap.Messages[0].Text)
	assert.False(t, snap.Messages[0].IsPending(), "server echo should replace the optimistic entry")
	assert.False(t, h.engine.Store().Busy())

	h.api.listErr = nil
	require.NoError(t, h.engine.Reload(context.Background()))
	require.Len(t, h.engine.Store().Snapshot().Messages, 1)
}

func TestLateResultAfterSwitchIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.api.add("c2", other, chatapi.RawPayload{Payload: "in c2"})
	h.open(t, "c1")
	h.api.sendGate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- h.engine.SendText(context.Background(), "hello")
	}()
	h.waitPhase(t, PhaseAwaiting)

	require.NoError(t, h.engine.Open(context.Background(), "c2"))
	close(h.api.sendGate)
	require.NoError(t, <-done)

	snap := h.engine.Store().Snapshot()
	assert.Equal(t, "c2", snap.ConversationID)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "in c2", snap.Messages[0].Text)
	assert.False(t, h.engine.Store().Busy())
}

func TestUploadFile(t *testing.T) {
	h := newHarness(t)
	h.open(t, "c1")

	require.NoError(t, h.engine.UploadFile(context.Background(), attachment.Payload{Name: "notes.txt", MIME: "text/plain", Data: []byte("some notes")}))
	require.Len(t, h.api.sends, 1)
	req := h.api.sends[0]
	assert.Equal(t, codec.TypeFile, req.Type)
	assert.Equal(t, "0b8f3c52-8f0e-4e4b-a0c8-2f1d9a7e6c11", req.Payload)
	require.NotNil(t, req.Name)
	assert.Equal(t, "notes.txt", *req.Name)
	require.NotNil(t, req.Size)
	assert.Equal(t, int64(10), *req.Size)

	snap := h.engine.Store().Snapshot()
	require.Len(t, snap.Messages, 1)
	require.NotNil(t, snap.Messages[0].Attachment)
	assert.False(t, snap.Messages[0].IsPending())
}

func TestUploadFailureCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.open(t, "c1")
	h.uploader.err = errors.New("storage full")

	err := h.engine.UploadFile(context.Background(), attachment.Payload{Name: "a.bin", Data: []byte{1, 2, 3}})
	var uploadErr *chat.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Zero(t, h.api.count("send"))
	assert.Empty(t, h.engine.Store().Snapshot().Messages)
	assert.False(t, h.engine.Store().Busy())
	assert.Equal(t, "Could not upload the file", h.engine.Err())
}

func TestSendVoice(t *testing.T) {
	h := newHarness(t)
	h.open(t, "c1")

	require.NoError(t, h.engine.SendVoice(context.Background(), attachment.Payload{Name: "voice_message_1.mp3", Data: []byte("ID3 fake audio")}))
	require.Len(t, h.api.sends, 1)
	assert.Equal(t, codec.TypeAudio, h.api.sends[0].Type)
	require.Len(t, h.uploader.uploaded, 1)

	snap := h.engine.Store().Snapshot()
	require.Len(t, snap.Messages, 1)
	require.NotNil(t, snap.Messages[0].Attachment)
	assert.Equal(t, chat.KindAudio, snap.Messages[0].Attachment.Kind)
	assert.False(t, snap.Messages[0].Editable)
}

func TestUploadImageKeepsDimensions(t *testing.T) {
	cache := &memCache{convs: make(map[string][]chat.Message)}
	h := newHarness(t, func(p *Params) { p.Cache = cache })
	h.open(t, "c1")
	h.uploader.image = &attachment.ImageInfo{Width: 640, Height: 480, Format: "png"}

	require.NoError(t, h.engine.UploadFile(context.Background(), attachment.Payload{Name: "photo.png", MIME: "image/png", Data: []byte("png bytes")}))
	snap := h.engine.Store().Snapshot()
	require.Len(t, snap.Messages, 1)
	require.False(t, snap.Messages[0].IsPending())
	require.NotNil(t, snap.Messages[0].Attachment)
	assert.Equal(t, "640x480", snap.Messages[0].Attachment.Dimensions())

	require.NoError(t, h.engine.Reload(context.Background()))
	snap = h.engine.Store().Snapshot()
	assert.Equal(t, 640, snap.Messages[0].Attachment.Width)
	assert.Equal(t, 480, snap.Messages[0].Attachment.Height)
	require.Len(t, cache.convs["c1"], 1)
	assert.Equal(t, 640, cache.convs["c1"][0].Attachment.Width)
}

func TestSendTrimsText(t *testing.T) {
	h := newHarness(t)
	h.open(t, "c1")
	h.engine.SetDraft("  hello \n")

	require.NoError(t, h.engine.Send(context.Background()))
	assert.Equal(t, []chatapi.SendRequest{{Type: codec.TypeText, Payload: "hello"}}, h.api.sends)
	assert.Equal(t, "hello", h.engine.Store().Snapshot().Messages[0].Text)
	assert.Empty(t, h.engine.Draft())
}

func TestEditRejectsNonEditable(t *testing.T) {
	h := newHarness(t)
	audio := h.api.add("c1", viewer, chatapi.RawPayload{Type: codec.TypeAudio, Payload: "0b8f3c52-8f0e-4e4b-a0c8-2f1d9a7e6c11"})
	foreign := h.api.add("c1", other, chatapi.RawPayload{Type: codec.TypeText, Payload: "hi"})
	h.open(t, "c1")

	for _, id := range []string{audio.ID, foreign.ID, "missing"} {
		var validationErr *chat.ValidationError
		require.ErrorAs(t, h.engine.Edit(context.Background(), id, "edited"), &validationErr, id)
		assert.Equal(t, "message", validationErr.Field)
		h.engine.ClearError()
	}
	assert.Zero(t, h.api.count("update"))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Operations.WithLabelValues(string(OpEdit), string(OutcomeInvalid))))
}

func TestEditWhitespaceMakesNoCall(t *testing.T) {
	h := newHarness(t)
	raw := h.api.add("c1", viewer, chatapi.RawPayload{Type: codec.TypeText, Payload: "original"})
	h.open(t, "c1")

	var validationErr *chat.ValidationError
	require.ErrorAs(t, h.engine.Edit(context.Background(), raw.ID, " \t\n "), &validationErr)
	assert.Zero(t, h.api.count("update"))
	assert.NotEmpty(t, h.engine.Err())
}

func TestEdit(t *testing.T) {
	h := newHarness(t)
	raw := h.api.add("c1", viewer, chatapi.RawPayload{Type: codec.TypeText, Payload: "original"})
	h.open(t, "c1")
	lists := h.api.count("list")

	require.NoError(t, h.engine.Edit(context.Background(), raw.ID, "edited"))
	assert.Equal(t, 1, h.api.count("update"))
	assert.Equal(t, lists+1, h.api.count("list"))
	assert.Equal(t, "edited", h.engine.Store().Snapshot().Messages[0].Text)
}

func TestEditFailureSurfacesServerMessage(t *testing.T) {
	h := newHarness(t)
	raw := h.api.add("c1", viewer, chatapi.RawPayload{Type: codec.TypeText, Payload: "original"})
	h.open(t, "c1")
	h.api.updateErr = &chat.ServerError{Op: "update message", Status: http.StatusForbidden, Message: "Editing window closed"}

	require.Error(t, h.engine.Edit(context.Background(), raw.ID, "edited"))
	assert.Equal(t, "Editing window closed", h.engine.Err())
	assert.Equal(t, "original", h.engine.Store().Snapshot().Messages[0].Text)
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	first := h.api.add("c1", viewer, chatapi.RawPayload{Payload: "one"})
	h.api.add("c1", other, chatapi.RawPayload{Payload: "two"})
	h.open(t, "c1")

	require.NoError(t, h.engine.Delete(context.Background(), first.ID))
	snap := h.engine.Store().Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "two", snap.Messages[0].Text)
}

func TestDeleteConversation(t *testing.T) {
	cache := &memCache{convs: make(map[string][]chat.Message)}
	h := newHarness(t, func(p *Params) { p.Cache = cache })
	h.api.add("c1", other, chatapi.RawPayload{Payload: "one"})
	h.open(t, "c1")
	require.Len(t, cache.convs["c1"], 1)

	require.NoError(t, h.engine.DeleteConversation(context.Background()))
	assert.Equal(t, []string{"c1"}, h.deleted)
	snap := h.engine.Store().Snapshot()
	assert.Empty(t, snap.ConversationID)
	assert.Empty(t, snap.Messages)
	assert.NotContains(t, cache.convs, "c1")
}

func TestOpenPaintsCacheFirst(t *testing.T) {
	cached := []chat.Message{{ID: "cached", Text: "from cache", Timestamp: base}}
	cache := &memCache{convs: map[string][]chat.Message{"c1": cached}}
	h := newHarness(t, func(p *Params) { p.Cache = cache })
	h.api.listErr = &chat.NetworkError{Op: "list messages", Err: errors.New("offline")}

	var refreshErr *chat.RefreshError
	require.ErrorAs(t, h.engine.Open(context.Background(), "c1"), &refreshErr)
	assert.Equal(t, []string{"cached"}, messageIDs(h.engine.Store().Snapshot().Messages))
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	h.open(t, "c1")
	gen := h.engine.Store().Generation()
	raws := []chatapi.RawMessage{
		{ID: "b", SenderID: other, CreatedAt: "2024-03-15T10:01:00Z"},
		{ID: "a", SenderID: viewer, CreatedAt: "2024-03-15T10:00:00Z"},
	}
	require.NoError(t, h.engine.Reconcile(context.Background(), gen, raws))
	assert.Equal(t, []string{"a", "b"}, messageIDs(h.engine.Store().Snapshot().Messages))

	h.open(t, "c2")
	require.ErrorIs(t, h.engine.Reconcile(context.Background(), gen, raws), store.ErrStale)
	assert.Empty(t, h.engine.Store().Snapshot().Messages)
}

func TestMembersFallbackUsername(t *testing.T) {
	h := newHarness(t)
	h.api.profiles[viewer] = "me"
	h.open(t, "c1")

	members, err := h.engine.Members(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "me", members[0].Username)
	assert.Equal(t, "User abcdef", members[1].Username)
	assert.Equal(t, "member", members[1].Role)
}

func TestGroups(t *testing.T) {
	h := newHarness(t)
	h.api.add("c1", other, chatapi.RawPayload{Payload: "one"})
	h.open(t, "c1")
	require.NoError(t, h.engine.SendText(context.Background(), "two"))

	buckets := h.engine.Groups(base.Add(24 * time.Hour))
	require.Len(t, buckets, 1)
	assert.Equal(t, "Yesterday", buckets[0].Label)
	assert.Len(t, buckets[0].Messages, 2)
}
