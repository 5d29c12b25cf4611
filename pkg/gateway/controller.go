// Package gateway turns inbound chat updates into replies.
//
// The Controller owns the per-update decision: link a wallet, prompt for
// one, or resolve the caller's tier from on-chain holdings and dispatch to
// the backend at that tier. It never returns an error to the transport;
// every update ends in a Result and, where a chat is known, a reply.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/finitoshi/chibi/pkg/artifact"
	"github.com/finitoshi/chibi/pkg/backend"
	"github.com/finitoshi/chibi/pkg/metrics"
	"github.com/finitoshi/chibi/pkg/models"
	"github.com/finitoshi/chibi/pkg/session"
	"github.com/finitoshi/chibi/pkg/telegram"
	"github.com/finitoshi/chibi/pkg/tier"
)

// Result statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusInvalid  = "invalid"
	StatusIgnored  = "ignored"
)

// Actions recorded for each decision.
const (
	ActionStart         = "start"
	ActionConnect       = "connect"
	ActionLink          = "link"
	ActionPromptConnect = "prompt_connect"
	ActionQuery         = "query"
	ActionBasic         = "basic"
	ActionImagine       = "imagine"
	ActionIgnored       = "ignored"
)

// Reply texts.
const (
	MsgWelcome          = "Welcome! Connect your Solana wallet to unlock the assistant."
	MsgConnectPrompt    = "Please connect your wallet to continue:"
	MsgEnterAddress     = "Please enter your Solana wallet address:"
	MsgLinked           = "Wallet %s connected. Send me a message to get started."
	MsgInvalidAddress   = "That doesn't look like a valid Solana wallet address. Please try again:"
	MsgNoLinkInProgress = "No wallet link is in progress. Use /connect to link a different wallet."
	MsgBasic            = "You need a Chibi NFT for full access. Basic response here."
	MsgImagineUsage     = "Usage: /imagine <prompt>"
	MsgImagineTier      = "Image generation requires a Bitty NFT."
	MsgImageFailed      = "Failed to generate the image. Please try again later."
	MsgImageUnavailable = "Image generation is not available right now."
	MsgServiceError     = "Something went wrong on our side. Please try again later."

	connectButtonText = "Connect Wallet"
	imagePrompt       = "Describe this image."
	auditTimeout      = 5 * time.Second
)

// ErrImagesDisabled is returned by GenerateImage when no image backend is
// configured.
var ErrImagesDisabled = errors.New("image generation not configured")

// Messenger delivers replies to a chat.
type Messenger interface {
	SendText(ctx context.Context, chatID, text string) error
	SendTextWithKeyboard(ctx context.Context, chatID, text string, buttons ...telegram.Button) error
	SendPhoto(ctx context.Context, chatID string, image []byte, caption string) error
	AnswerCallback(ctx context.Context, callbackID string) error
	FileDataURL(ctx context.Context, fileID string) (string, error)
}

// Oracle reports asset ownership. Failures report false.
type Oracle interface {
	HasAsset(ctx context.Context, wallet, asset string) bool
}

// Querier answers prompts at a tier. It never fails; see backend.Reply.
type Querier interface {
	Query(ctx context.Context, req backend.Request) backend.Reply
}

// ImageGenerator produces an image from a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// DecisionLog records handled updates.
type DecisionLog interface {
	Log(ctx context.Context, d models.Decision) error
}

// Assets names the gated mints for each tier.
type Assets struct {
	Standard string
	Vision   string
}

// Options wires a Controller. Images, Artifacts and Audit are optional.
type Options struct {
	Sessions  session.Store
	Oracle    Oracle
	Backend   Querier
	Messenger Messenger
	Images    ImageGenerator
	Artifacts artifact.Store
	Audit     DecisionLog
	Assets    Assets
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Result is the outcome of one update.
type Result struct {
	RequestID string
	ChatID    string
	Action    string
	Tier      string
	Status    string
	Reply     string
	Cached    bool
	Degraded  bool
}

// Controller handles updates. It is safe for concurrent use.
type Controller struct {
	sessions  session.Store
	oracle    Oracle
	backend   Querier
	messenger Messenger
	images    ImageGenerator
	artifacts artifact.Store
	audit     DecisionLog
	assets    Assets
	logger    *zap.Logger
	metrics   *metrics.Metrics

	pending sync.WaitGroup
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		sessions:  opts.Sessions,
		oracle:    opts.Oracle,
		backend:   opts.Backend,
		messenger: opts.Messenger,
		images:    opts.Images,
		artifacts: opts.Artifacts,
		audit:     opts.Audit,
		assets:    opts.Assets,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// Wait blocks until pending audit writes finish.
func (c *Controller) Wait() {
	c.pending.Wait()
}

// HandleUpdate processes one inbound update.
func (c *Controller) HandleUpdate(ctx context.Context, u telegram.Update) Result {
	start := time.Now()
	res := c.handle(ctx, u)
	res.RequestID = uuid.NewString()
	c.record(ctx, res, start)
	return res
}

func (c *Controller) handle(ctx context.Context, u telegram.Update) Result {
	in, ok := u.Normalize()
	if !ok {
		c.logger.Debug("ignoring update without chat", zap.Int64("update_id", u.UpdateID))
		return Result{Action: ActionIgnored, Status: StatusIgnored}
	}
	log := c.logger.With(zap.String("chat_id", in.ChatID))

	if in.IsCallback {
		if err := c.messenger.AnswerCallback(ctx, in.CallbackID); err != nil {
			log.Warn("answer callback failed", zap.Error(err))
		}
		if in.CallbackData != telegram.ConnectWalletData {
			return Result{ChatID: in.ChatID, Action: ActionIgnored, Status: StatusIgnored}
		}
		return c.connect(ctx, log, in.ChatID)
	}

	switch command(in.Text) {
	case "/connect":
		return c.connect(ctx, log, in.ChatID)
	case "/start":
		if _, err := c.sessions.Get(ctx, in.ChatID); err != nil {
			return c.storageFailure(ctx, log, in.ChatID, ActionStart, err)
		}
		c.sendKeyboard(ctx, log, in.ChatID, MsgWelcome)
		return Result{ChatID: in.ChatID, Action: ActionStart, Status: StatusOK, Reply: MsgWelcome}
	}

	if in.Text == "" && in.PhotoFileID == "" {
		return Result{ChatID: in.ChatID, Action: ActionIgnored, Status: StatusIgnored}
	}

	sess, err := c.sessions.Get(ctx, in.ChatID)
	if err != nil {
		return c.storageFailure(ctx, log, in.ChatID, ActionQuery, err)
	}

	if sess.Awaiting() {
		linked, err := c.sessions.SubmitAddress(ctx, in.ChatID, in.Text)
		switch {
		case err == nil:
			reply := fmt.Sprintf(MsgLinked, linked.Wallet)
			c.send(ctx, log, in.ChatID, reply)
			return Result{ChatID: in.ChatID, Action: ActionLink, Status: StatusOK, Reply: reply}
		case errors.Is(err, session.ErrInvalidAddress):
			c.send(ctx, log, in.ChatID, MsgInvalidAddress)
			return Result{ChatID: in.ChatID, Action: ActionLink, Status: StatusInvalid, Reply: MsgInvalidAddress}
		case errors.Is(err, session.ErrNotAwaiting):
			// A concurrent update already completed the link. The late
			// submission is rejected rather than treated as a prompt.
			log.Info("address submitted with no link in progress")
			c.send(ctx, log, in.ChatID, MsgNoLinkInProgress)
			return Result{ChatID: in.ChatID, Action: ActionLink, Status: StatusInvalid, Reply: MsgNoLinkInProgress}
		default:
			return c.storageFailure(ctx, log, in.ChatID, ActionLink, err)
		}
	}

	addr, linked := sess.CurrentWallet()
	if !linked {
		c.sendKeyboard(ctx, log, in.ChatID, MsgConnectPrompt)
		return Result{ChatID: in.ChatID, Action: ActionPromptConnect, Status: StatusOK, Reply: MsgConnectPrompt}
	}

	t := c.resolveTier(ctx, addr)
	log = log.With(zap.Stringer("tier", t))

	if command(in.Text) == "/imagine" {
		_, prompt, _ := strings.Cut(in.Text, " ")
		return c.imagine(ctx, log, in.ChatID, t, strings.TrimSpace(prompt))
	}

	if t == tier.Basic {
		c.send(ctx, log, in.ChatID, MsgBasic)
		return Result{ChatID: in.ChatID, Action: ActionBasic, Tier: t.String(), Status: StatusOK, Reply: MsgBasic}
	}

	req := backend.Request{Prompt: in.Text, Tier: t}
	if in.PhotoFileID != "" {
		if t != tier.Vision {
			if in.Text == "" {
				return Result{ChatID: in.ChatID, Action: ActionIgnored, Tier: t.String(), Status: StatusIgnored}
			}
		} else {
			url, err := c.messenger.FileDataURL(ctx, in.PhotoFileID)
			if err != nil {
				log.Warn("fetch photo failed, answering text only", zap.Error(err))
			} else {
				req.ImageURL = url
			}
			if req.Prompt == "" {
				req.Prompt = imagePrompt
			}
		}
	}

	reply := c.backend.Query(ctx, req)
	c.send(ctx, log, in.ChatID, reply.Text)

	status := StatusOK
	if reply.Degraded {
		status = StatusDegraded
	}
	return Result{
		ChatID:   in.ChatID,
		Action:   ActionQuery,
		Tier:     t.String(),
		Status:   status,
		Reply:    reply.Text,
		Cached:   reply.Cached,
		Degraded: reply.Degraded,
	}
}

func (c *Controller) connect(ctx context.Context, log *zap.Logger, chatID string) Result {
	if _, err := c.sessions.BeginLink(ctx, chatID); err != nil {
		return c.storageFailure(ctx, log, chatID, ActionConnect, err)
	}
	c.send(ctx, log, chatID, MsgEnterAddress)
	return Result{ChatID: chatID, Action: ActionConnect, Status: StatusOK, Reply: MsgEnterAddress}
}

// resolveTier checks both assets concurrently.
func (c *Controller) resolveTier(ctx context.Context, addr string) tier.Tier {
	var ownsStandard, ownsVision bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ownsStandard = c.oracle.HasAsset(gctx, addr, c.assets.Standard)
		return nil
	})
	g.Go(func() error {
		ownsVision = c.oracle.HasAsset(gctx, addr, c.assets.Vision)
		return nil
	})
	_ = g.Wait()
	return tier.Resolve(ownsStandard, ownsVision)
}

func (c *Controller) imagine(ctx context.Context, log *zap.Logger, chatID string, t tier.Tier, prompt string) Result {
	res := Result{ChatID: chatID, Action: ActionImagine, Tier: t.String()}
	reply := func(status, text string) Result {
		c.send(ctx, log, chatID, text)
		res.Status, res.Reply = status, text
		res.Degraded = status == StatusDegraded
		return res
	}

	if !t.AtLeast(tier.Vision) {
		return reply(StatusOK, MsgImagineTier)
	}
	if prompt == "" {
		return reply(StatusInvalid, MsgImagineUsage)
	}
	if c.images == nil {
		return reply(StatusDegraded, MsgImageUnavailable)
	}

	img, err := c.GenerateImage(ctx, chatID, prompt)
	if err != nil {
		log.Error("image generation failed", zap.Error(err))
		return reply(StatusDegraded, MsgImageFailed)
	}
	if img.StoreErr != nil {
		log.Error("artifact store failed", zap.Error(img.StoreErr))
	}

	if err := c.messenger.SendPhoto(ctx, chatID, img.Image, prompt); err != nil {
		log.Warn("send photo failed", zap.Error(err))
	}
	res.Status, res.Reply = StatusOK, prompt
	return res
}

// GeneratedImage is the outcome of GenerateImage. StoreErr reports a
// persistence failure after a successful generation.
type GeneratedImage struct {
	ID       string
	Image    []byte
	StoreErr error
}

// GenerateImage generates an image and appends it to the artifact store.
// It fails only when generation fails.
func (c *Controller) GenerateImage(ctx context.Context, chatID, prompt string) (GeneratedImage, error) {
	if c.images == nil {
		return GeneratedImage{}, ErrImagesDisabled
	}
	img, err := c.images.Generate(ctx, prompt)
	if err != nil {
		return GeneratedImage{}, err
	}

	out := GeneratedImage{Image: img}
	if c.artifacts == nil {
		return out, nil
	}
	out.ID, out.StoreErr = c.artifacts.Save(ctx, models.Artifact{
		ChatID:  chatID,
		Prompt:  prompt,
		Payload: base64.StdEncoding.EncodeToString(img),
	})
	return out, nil
}

func (c *Controller) storageFailure(ctx context.Context, log *zap.Logger, chatID, action string, err error) Result {
	log.Error("session store failed", zap.String("action", action), zap.Error(err))
	c.send(ctx, log, chatID, MsgServiceError)
	return Result{ChatID: chatID, Action: action, Status: StatusDegraded, Reply: MsgServiceError, Degraded: true}
}

func (c *Controller) send(ctx context.Context, log *zap.Logger, chatID, text string) {
	if err := c.messenger.SendText(ctx, chatID, text); err != nil {
		log.Warn("send message failed", zap.Error(err))
	}
}

func (c *Controller) sendKeyboard(ctx context.Context, log *zap.Logger, chatID, text string) {
	button := telegram.Button{Text: connectButtonText, CallbackData: telegram.ConnectWalletData}
	if err := c.messenger.SendTextWithKeyboard(ctx, chatID, text, button); err != nil {
		log.Warn("send message failed", zap.Error(err))
	}
}

// record emits metrics and writes the decision to the audit log in the
// background.
func (c *Controller) record(ctx context.Context, res Result, start time.Time) {
	c.metrics.Decision(res.Action, res.Tier, res.Status)
	if c.audit == nil {
		return
	}

	d := models.Decision{
		RequestID: res.RequestID,
		ChatID:    res.ChatID,
		Action:    res.Action,
		Tier:      res.Tier,
		Status:    res.Status,
		Cached:    res.Cached,
		Degraded:  res.Degraded,
		LatencyMs: time.Since(start).Milliseconds(),
		CreatedAt: time.Now(),
	}
	actx := context.WithoutCancel(ctx)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		actx, cancel := context.WithTimeout(actx, auditTimeout)
		defer cancel()
		if err := c.audit.Log(actx, d); err != nil {
			c.logger.Warn("audit write failed", zap.String("request_id", d.RequestID), zap.Error(err))
		}
	}()
}

// command returns the leading /command of text, without any @botname suffix.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd, _, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd
}
