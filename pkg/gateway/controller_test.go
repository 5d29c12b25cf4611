package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/finitoshi/chibi/pkg/backend"
	"github.com/finitoshi/chibi/pkg/models"
	"github.com/finitoshi/chibi/pkg/session"
	"github.com/finitoshi/chibi/pkg/telegram"
	"github.com/finitoshi/chibi/pkg/tier"
)

const (
	chatID        = int64(4242)
	chat          = "4242"
	validWallet   = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	standardAsset = "ChibiMint"
	visionAsset   = "BittyMint"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sent struct {
	chatID   string
	text     string
	keyboard []telegram.Button
	photo    []byte
}

type fakeMessenger struct {
	mu       sync.Mutex
	sent     []sent
	answered []string
	fileURL  string
	sendErr  error
}

func (f *fakeMessenger) SendText(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chatID: chatID, text: text})
	return f.sendErr
}

func (f *fakeMessenger) SendTextWithKeyboard(_ context.Context, chatID, text string, buttons ...telegram.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chatID: chatID, text: text, keyboard: buttons})
	return f.sendErr
}

func (f *fakeMessenger) SendPhoto(_ context.Context, chatID string, image []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chatID: chatID, text: caption, photo: image})
	return f.sendErr
}

func (f *fakeMessenger) AnswerCallback(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id)
	return nil
}

func (f *fakeMessenger) FileDataURL(_ context.Context, fileID string) (string, error) {
	if f.fileURL == "" {
		return "", errors.New("no file")
	}
	return f.fileURL, nil
}

func (f *fakeMessenger) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sent{}
	}
	return f.sent[len(f.sent)-1]
}

type fakeOracle struct {
	owned map[string]bool
	calls atomic.Int32
}

func (f *fakeOracle) HasAsset(_ context.Context, _, asset string) bool {
	f.calls.Add(1)
	return f.owned[asset]
}

type fakeBackend struct {
	mu    sync.Mutex
	reqs  []backend.Request
	reply backend.Reply
}

func (f *fakeBackend) Query(_ context.Context, req backend.Request) backend.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.reply
}

func (f *fakeBackend) requests() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Request(nil), f.reqs...)
}

type fakeImages struct {
	img []byte
	err error
}

func (f *fakeImages) Generate(context.Context, string) ([]byte, error) {
	return f.img, f.err
}

type fakeArtifacts struct {
	mu    sync.Mutex
	saved []models.Artifact
	err   error
}

func (f *fakeArtifacts) Save(_ context.Context, a models.Artifact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	a.ID = "art-1"
	f.saved = append(f.saved, a)
	return a.ID, nil
}

func (f *fakeArtifacts) List(context.Context, int) ([]models.Artifact, error) { return f.saved, nil }
func (f *fakeArtifacts) Close() error                                         { return nil }

type fakeAudit struct {
	mu        sync.Mutex
	decisions []models.Decision
}

func (f *fakeAudit) Log(_ context.Context, d models.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	return nil
}

type harness struct {
	ctrl      *Controller
	sessions  *session.MemoryStore
	messenger *fakeMessenger
	oracle    *fakeOracle
	backend   *fakeBackend
	images    *fakeImages
	artifacts *fakeArtifacts
	audit     *fakeAudit
}

func newHarness(t *testing.T, owned ...string) *harness {
	t.Helper()
	h := &harness{
		sessions:  session.NewMemoryStore(),
		messenger: &fakeMessenger{},
		oracle:    &fakeOracle{owned: map[string]bool{}},
		backend:   &fakeBackend{reply: backend.Reply{Text: "backend says hi"}},
		images:    &fakeImages{img: []byte("png")},
		artifacts: &fakeArtifacts{},
		audit:     &fakeAudit{},
	}
	for _, a := range owned {
		h.oracle.owned[a] = true
	}
	h.ctrl = New(Options{
		Sessions:  h.sessions,
		Oracle:    h.oracle,
		Backend:   h.backend,
		Messenger: h.messenger,
		Images:    h.images,
		Artifacts: h.artifacts,
		Audit:     h.audit,
		Assets:    Assets{Standard: standardAsset, Vision: visionAsset},
	})
	t.Cleanup(h.ctrl.Wait)
	return h
}

func (h *harness) link(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := h.sessions.BeginLink(ctx, chat)
	require.NoError(t, err)
	_, err = h.sessions.SubmitAddress(ctx, chat, validWallet)
	require.NoError(t, err)
}

func text(s string) telegram.Update {
	return telegram.Update{Message: &telegram.Message{Chat: &telegram.Chat{ID: chatID}, Text: s}}
}

func callback(data string) telegram.Update {
	return telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb-1",
		Data:    data,
		Message: &telegram.Message{Chat: &telegram.Chat{ID: chatID}},
	}}
}

func TestUnlinkedCallerGetsConnectPrompt(t *testing.T) {
	h := newHarness(t, standardAsset)

	res := h.ctrl.HandleUpdate(context.Background(), text("hello"))

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, ActionPromptConnect, res.Action)
	last := h.messenger.last()
	assert.Equal(t, MsgConnectPrompt, last.text)
	require.Len(t, last.keyboard, 1)
	assert.Equal(t, telegram.ConnectWalletData, last.keyboard[0].CallbackData)

	s, _ := h.sessions.Get(context.Background(), chat)
	assert.Equal(t, session.Unlinked, s.State)
	assert.Empty(t, h.backend.requests())
	assert.Zero(t, h.oracle.calls.Load())
}

func TestConnectCallbackBeginsLink(t *testing.T) {
	h := newHarness(t)

	res := h.ctrl.HandleUpdate(context.Background(), callback(telegram.ConnectWalletData))

	assert.Equal(t, ActionConnect, res.Action)
	assert.Equal(t, MsgEnterAddress, h.messenger.last().text)
	assert.Equal(t, []string{"cb-1"}, h.messenger.answered)
	s, _ := h.sessions.Get(context.Background(), chat)
	assert.True(t, s.Awaiting())
}

func TestUnknownCallbackIgnored(t *testing.T) {
	h := newHarness(t)
	res := h.ctrl.HandleUpdate(context.Background(), callback("something_else"))
	assert.Equal(t, StatusIgnored, res.Status)
}

func TestConnectCommandBeginsLink(t *testing.T) {
	h := newHarness(t)
	res := h.ctrl.HandleUpdate(context.Background(), text("/connect"))
	assert.Equal(t, ActionConnect, res.Action)
	s, _ := h.sessions.Get(context.Background(), chat)
	assert.True(t, s.Awaiting())
}

func TestStartSendsWelcome(t *testing.T) {
	h := newHarness(t)
	res := h.ctrl.HandleUpdate(context.Background(), text("/start"))
	assert.Equal(t, ActionStart, res.Action)
	assert.Equal(t, MsgWelcome, h.messenger.last().text)
	assert.Len(t, h.messenger.last().keyboard, 1)
}

func TestAwaitingCallerSubmitsValidAddress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.sessions.BeginLink(ctx, chat)

	res := h.ctrl.HandleUpdate(ctx, text(validWallet))

	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, ActionLink, res.Action)
	addr, ok, _ := h.sessions.CurrentWallet(ctx, chat)
	assert.True(t, ok)
	assert.Equal(t, validWallet, addr)
	assert.Contains(t, h.messenger.last().text, validWallet)
	assert.Empty(t, h.backend.requests())
}

// staleStore reports an awaiting session even after the link completed,
// as a concurrent update would see it before the submit executes.
type staleStore struct {
	*session.MemoryStore
}

func (s staleStore) Get(ctx context.Context, callerID string) (session.Session, error) {
	sess, err := s.MemoryStore.Get(ctx, callerID)
	sess.State = session.Awaiting
	return sess, err
}

func TestLateAddressSubmissionRejected(t *testing.T) {
	h := newHarness(t, standardAsset)
	h.link(t)
	h.ctrl.sessions = staleStore{h.sessions}

	res := h.ctrl.HandleUpdate(context.Background(), text(validWallet))

	assert.Equal(t, ActionLink, res.Action)
	assert.Equal(t, StatusInvalid, res.Status)
	assert.Equal(t, MsgNoLinkInProgress, h.messenger.last().text)
	assert.Empty(t, h.backend.requests())
	assert.Zero(t, h.oracle.calls.Load())

	addr, ok, err := h.sessions.CurrentWallet(context.Background(), chat)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, validWallet, addr)
}

func TestAwaitingCallerSubmitsInvalidAddress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.sessions.BeginLink(ctx, chat)

	res := h.ctrl.HandleUpdate(ctx, text("not-an-address"))

	assert.Equal(t, StatusInvalid, res.Status)
	assert.Equal(t, MsgInvalidAddress, h.messenger.last().text)
	s, _ := h.sessions.Get(ctx, chat)
	assert.True(t, s.Awaiting())
}

func TestTierDispatch(t *testing.T) {
	tests := []struct {
		name     string
		owned    []string
		wantTier tier.Tier
		backend  bool
	}{
		{"neither asset is basic", nil, tier.Basic, false},
		{"standard only", []string{standardAsset}, tier.Standard, true},
		{"vision only", []string{visionAsset}, tier.Vision, true},
		{"vision dominates", []string{standardAsset, visionAsset}, tier.Vision, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.owned...)
			h.link(t)

			res := h.ctrl.HandleUpdate(context.Background(), text("draw a cat"))

			assert.Equal(t, tt.wantTier.String(), res.Tier)
			assert.EqualValues(t, 2, h.oracle.calls.Load(), "both assets are checked")
			reqs := h.backend.requests()
			if !tt.backend {
				assert.Empty(t, reqs, "basic tier must not reach the backend")
				assert.Equal(t, MsgBasic, h.messenger.last().text)
				assert.Equal(t, ActionBasic, res.Action)
				return
			}
			require.Len(t, reqs, 1)
			assert.Equal(t, tt.wantTier, reqs[0].Tier)
			assert.Equal(t, "draw a cat", reqs[0].Prompt)
			assert.Equal(t, "backend says hi", h.messenger.last().text)
			assert.Equal(t, "backend says hi", res.Reply)
		})
	}
}

func TestStandardTextPathStoresNoArtifact(t *testing.T) {
	h := newHarness(t, standardAsset)
	h.link(t)

	h.ctrl.HandleUpdate(context.Background(), text("draw a cat"))
	assert.Empty(t, h.artifacts.saved)
}

func TestDegradedReplyIsDelivered(t *testing.T) {
	h := newHarness(t, standardAsset)
	h.backend.reply = backend.Reply{Text: backend.DegradedTimeout, Degraded: true, Attempts: 3}
	h.link(t)

	res := h.ctrl.HandleUpdate(context.Background(), text("hi"))

	assert.Equal(t, StatusDegraded, res.Status)
	assert.True(t, res.Degraded)
	assert.Equal(t, backend.DegradedTimeout, h.messenger.last().text)
}

func TestVisionPhotoIsForwarded(t *testing.T) {
	h := newHarness(t, visionAsset)
	h.messenger.fileURL = "data:image/png;base64,AAAA"
	h.link(t)

	upd := telegram.Update{Message: &telegram.Message{
		Chat:  &telegram.Chat{ID: chatID},
		Photo: []telegram.PhotoSize{{FileID: "f1"}},
	}}
	h.ctrl.HandleUpdate(context.Background(), upd)

	reqs := h.backend.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "data:image/png;base64,AAAA", reqs[0].ImageURL)
	assert.Equal(t, imagePrompt, reqs[0].Prompt)
}

func TestImagine(t *testing.T) {
	t.Run("vision tier generates and stores", func(t *testing.T) {
		h := newHarness(t, visionAsset)
		h.link(t)

		res := h.ctrl.HandleUpdate(context.Background(), text("/imagine a cat in space"))

		assert.Equal(t, StatusOK, res.Status)
		assert.Equal(t, []byte("png"), h.messenger.last().photo)
		require.Len(t, h.artifacts.saved, 1)
		assert.Equal(t, "a cat in space", h.artifacts.saved[0].Prompt)
		assert.Equal(t, chat, h.artifacts.saved[0].ChatID)
		assert.Equal(t, "cG5n", h.artifacts.saved[0].Payload)
		assert.Empty(t, h.backend.requests())
	})

	t.Run("lower tier is refused", func(t *testing.T) {
		h := newHarness(t, standardAsset)
		h.link(t)
		h.ctrl.HandleUpdate(context.Background(), text("/imagine a cat"))
		assert.Equal(t, MsgImagineTier, h.messenger.last().text)
		assert.Empty(t, h.artifacts.saved)
	})

	t.Run("missing prompt", func(t *testing.T) {
		h := newHarness(t, visionAsset)
		h.link(t)
		res := h.ctrl.HandleUpdate(context.Background(), text("/imagine"))
		assert.Equal(t, StatusInvalid, res.Status)
		assert.Equal(t, MsgImagineUsage, h.messenger.last().text)
	})

	t.Run("generation failure degrades", func(t *testing.T) {
		h := newHarness(t, visionAsset)
		h.images.err = errors.New("boom")
		h.link(t)
		res := h.ctrl.HandleUpdate(context.Background(), text("/imagine a cat"))
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Equal(t, MsgImageFailed, h.messenger.last().text)
	})

	t.Run("storage failure still delivers image", func(t *testing.T) {
		h := newHarness(t, visionAsset)
		h.artifacts.err = errors.New("disk full")
		h.link(t)
		res := h.ctrl.HandleUpdate(context.Background(), text("/imagine a cat"))
		assert.Equal(t, StatusOK, res.Status)
		assert.Equal(t, []byte("png"), h.messenger.last().photo)
	})
}

func TestSendFailureDoesNotFailUpdate(t *testing.T) {
	h := newHarness(t, standardAsset)
	h.messenger.sendErr = errors.New("telegram down")
	h.link(t)

	res := h.ctrl.HandleUpdate(context.Background(), text("hi"))
	assert.Equal(t, StatusOK, res.Status)
}

func TestUpdateWithoutChatIgnored(t *testing.T) {
	h := newHarness(t)
	res := h.ctrl.HandleUpdate(context.Background(), telegram.Update{UpdateID: 9})
	assert.Equal(t, StatusIgnored, res.Status)
	assert.Empty(t, h.messenger.sent)
}

func TestDecisionsAreAudited(t *testing.T) {
	h := newHarness(t, standardAsset)
	h.link(t)

	res := h.ctrl.HandleUpdate(context.Background(), text("hi"))
	h.ctrl.Wait()

	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	require.Len(t, h.audit.decisions, 1)
	d := h.audit.decisions[0]
	assert.Equal(t, res.RequestID, d.RequestID)
	assert.Equal(t, chat, d.ChatID)
	assert.Equal(t, ActionQuery, d.Action)
	assert.Equal(t, "standard", d.Tier)
	assert.Equal(t, StatusOK, d.Status)
	assert.WithinDuration(t, time.Now(), d.CreatedAt, time.Minute)
}

func TestCommand(t *testing.T) {
	assert.Equal(t, "/imagine", command("/imagine a cat"))
	assert.Equal(t, "/start", command("/start@chibi_bot"))
	assert.Equal(t, "", command("hello"))
}
