package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_ai_relay_bot/internal/ai"
	"tg_ai_relay_bot/internal/convlog"
	"tg_ai_relay_bot/internal/domain"
	"tg_ai_relay_bot/internal/logging"
	"tg_ai_relay_bot/internal/quota"
	"tg_ai_relay_bot/internal/workflow"
)

const apologyText = "Something went wrong on my side. Please try again."

type userRegistry interface {
	Touch(ctx context.Context, userID int64, username, firstName string, charge bool) (domain.User, error)
	Snapshot(ctx context.Context) ([]domain.User, error)
}

type roleChecker interface {
	IsAdmin(userID int64) bool
	IsBanned(userID int64) bool
	IsPrivileged(userID int64) bool
	Counts() (admins, vip, banned int)
}

type quotaChecker interface {
	CanConsume(ctx context.Context, userID int64) (quota.Decision, error)
}

type conversationLog interface {
	Append(ctx context.Context, userID int64, role, content string) error
	History(ctx context.Context, userID int64) ([]domain.ConversationEntry, error)
	Clear(ctx context.Context, userID int64) error
}

type inferencer interface {
	Infer(ctx context.Context, prompt string, history []domain.ConversationEntry) (string, error)
}

type adminEngine interface {
	Active(adminID int64) bool
	HandleInput(ctx context.Context, adminID int64, text string) (string, bool)
	OpenBroadcast(adminID int64, contentType string) string
	OpenRoleGrant(adminID int64, set domain.RoleSet) string
	OpenRoleRevoke(adminID int64, set domain.RoleSet) string
	OpenPoints(adminID int64, positive bool) string
	OpenSettings(adminID int64, field workflow.SettingField) string
	OpenInspect(adminID int64) string
	Cancel(adminID int64) bool
}

type settingsReader interface {
	Current() domain.Settings
}

type statsProvider interface {
	CountUsers(ctx context.Context) (int64, error)
	CountActiveToday(ctx context.Context) (int64, error)
	SumMessages(ctx context.Context) (int64, error)
}

// Dispatcher routes updates: guard chain first, then commands, callbacks,
// workflow input and finally the relay to the inference service.
type Dispatcher struct {
	api      botAPI
	registry userRegistry
	roles    roleChecker
	quota    quotaChecker
	history  conversationLog
	infer    inferencer
	engine    adminEngine
	settings  settingsReader
	stats     statsProvider
	developer string
	logger    *logrus.Entry

	startedAt  time.Time
	aiDegraded atomic.Bool
}

// NewDispatcher wires the dispatcher. The API is bound later by NewClient
// once the bot instance exists.
func NewDispatcher(
	registry userRegistry,
	roles roleChecker,
	quota quotaChecker,
	history conversationLog,
	infer inferencer,
	engine adminEngine,
	settings settingsReader,
	stats statsProvider,
	developer string,
	logger *logrus.Entry,
) *Dispatcher {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Dispatcher{
		registry:  registry,
		roles:     roles,
		quota:     quota,
		history:   history,
		infer:     infer,
		engine:    engine,
		settings:  settings,
		stats:     stats,
		developer: developer,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// BindAPI attaches the outbound Telegram API.
func (d *Dispatcher) BindAPI(api botAPI) {
	d.api = api
}

// HandleUpdate is the single entry point for every incoming update. It never
// panics outward; a crashing handler is logged and answered with an apology.
func (d *Dispatcher) HandleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}

	var chatID int64
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithFields(logging.Fields{
				"event": "handler_panic",
				"panic": fmt.Sprintf("%v", r),
			}).Error("recovered from handler panic")
			if chatID != 0 {
				_ = d.SendText(ctx, chatID, apologyText)
			}
		}
	}()

	switch {
	case update.Message != nil:
		chatID = update.Message.Chat.ID
		d.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		chatID = messageChatID(update.CallbackQuery.Message)
		d.handleCallback(ctx, update.CallbackQuery, chatID)
	case update.EditedMessage != nil:
		d.logger.WithFields(logging.Fields{
			"event":   "update_ignored",
			"user_id": userID(update.EditedMessage.From),
		}).Debug("ignoring edited message")
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg *models.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	senderID := msg.From.ID
	chatID := msg.Chat.ID

	// Banned users get no reaction at all.
	if d.roles.IsBanned(senderID) {
		d.logger.WithFields(logging.Fields{
			"event":   "banned_dropped",
			"user_id": senderID,
		}).Debug("dropped message from banned user")
		return
	}

	text := strings.TrimSpace(msg.Text)

	if strings.HasPrefix(text, "/") {
		d.handleCommand(ctx, msg, text)
		return
	}

	if d.roles.IsAdmin(senderID) && d.engine.Active(senderID) {
		input := text
		if input == "" {
			input = contentFileID(msg)
		}
		if reply, _ := d.engine.HandleInput(ctx, senderID, input); reply != "" {
			_ = d.SendText(ctx, chatID, reply)
		}
		return
	}

	if !d.subscribed(ctx, senderID) {
		channel := d.settings.Current().RequiredChannel
		_ = d.SendText(ctx, chatID, fmt.Sprintf("Please join %s first, then message me again.", channel))
		return
	}

	d.relay(ctx, msg)
}

// relay is the main conversation path: quota gate, charged touch, history,
// inference with fallback, reply.
func (d *Dispatcher) relay(ctx context.Context, msg *models.Message) {
	senderID := msg.From.ID
	chatID := msg.Chat.ID
	prompt := strings.TrimSpace(msg.Text)

	if prompt == "" {
		_ = d.SendText(ctx, chatID, "Send me a text message and I'll answer.")
		return
	}

	decision, err := d.quota.CanConsume(ctx, senderID)
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "quota_check_failed",
			"user_id": senderID,
			"error":   err.Error(),
		}).Error("quota check failed")
		_ = d.SendText(ctx, chatID, apologyText)
		return
	}

	if !decision.Allowed {
		// The denied message still counts as contact, but costs nothing.
		if _, touchErr := d.registry.Touch(ctx, senderID, msg.From.Username, msg.From.FirstName, false); touchErr != nil {
			d.logger.WithFields(logging.Fields{
				"event":   "touch_failed",
				"user_id": senderID,
				"error":   touchErr.Error(),
			}).Warn("identity touch failed")
		}
		_ = d.SendText(ctx, chatID, fmt.Sprintf(
			"You've used all %d of your %d free messages. Ask an admin about VIP access to continue.",
			decision.Used, decision.Limit))
		return
	}

	if _, err := d.registry.Touch(ctx, senderID, msg.From.Username, msg.From.FirstName, true); err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "touch_failed",
			"user_id": senderID,
			"error":   err.Error(),
		}).Error("charged touch failed")
		_ = d.SendText(ctx, chatID, apologyText)
		return
	}

	history, err := d.history.History(ctx, senderID)
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "history_read_failed",
			"user_id": senderID,
			"error":   err.Error(),
		}).Warn("answering without history")
		history = nil
	}

	if err := d.history.Append(ctx, senderID, domain.SpeakerUser, prompt); err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "history_append_failed",
			"user_id": senderID,
			"error":   err.Error(),
		}).Warn("failed to record user turn")
	}

	reply, err := d.infer.Infer(ctx, prompt, history)
	if err != nil {
		d.aiDegraded.Store(true)
		reply = ai.Fallback(prompt)
	} else {
		d.aiDegraded.Store(false)
	}

	if err := d.history.Append(ctx, senderID, domain.SpeakerAssistant, reply); err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "history_append_failed",
			"user_id": senderID,
			"error":   err.Error(),
		}).Warn("failed to record assistant turn")
	}

	_ = d.SendText(ctx, chatID, reply)
}

// subscribed enforces the mandatory-subscription setting. Privileged users
// are exempt; a Telegram API failure lets the message through rather than
// locking everyone out.
func (d *Dispatcher) subscribed(ctx context.Context, senderID int64) bool {
	current := d.settings.Current()
	if !current.SubscriptionEnabled || current.RequiredChannel == "" {
		return true
	}
	if d.roles.IsPrivileged(senderID) {
		return true
	}

	member, err := d.api.GetChatMember(ctx, &bot.GetChatMemberParams{
		ChatID: current.RequiredChannel,
		UserID: senderID,
	})
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "subscription_check_failed",
			"user_id": senderID,
			"error":   err.Error(),
		}).Warn("could not verify subscription, letting message through")
		return true
	}

	switch member.Type {
	case models.ChatMemberTypeOwner, models.ChatMemberTypeAdministrator, models.ChatMemberTypeMember:
		return true
	case models.ChatMemberTypeRestricted:
		return member.Restricted != nil && member.Restricted.IsMember
	}

	return false
}

func (d *Dispatcher) handleCommand(ctx context.Context, msg *models.Message, text string) {
	senderID := msg.From.ID
	chatID := msg.Chat.ID

	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])
	// Strip the bot mention from group-style commands like /start@somebot.
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}

	d.logger.WithFields(logging.Fields{
		"event":   "command",
		"user_id": senderID,
		"command": command,
	}).Info("handling command")

	switch command {
	case "/start":
		d.commandStart(ctx, msg)
	case "/help":
		d.commandHelp(ctx, senderID, chatID)
	case "/new":
		d.commandNew(ctx, senderID, chatID)
	case "/memory":
		d.commandMemory(ctx, senderID, chatID)
	case "/status":
		d.commandStatus(ctx, chatID)
	case "/developer":
		d.commandDeveloper(ctx, chatID)
	case "/cancel":
		d.commandCancel(ctx, senderID, chatID)
	case "/admin":
		d.commandAdmin(ctx, senderID, chatID)
	default:
		_ = d.SendText(ctx, chatID, "I don't know that command. Try /help.")
	}
}

func (d *Dispatcher) commandStart(ctx context.Context, msg *models.Message) {
	senderID := msg.From.ID
	chatID := msg.Chat.ID

	if _, err := d.registry.Touch(ctx, senderID, msg.From.Username, msg.From.FirstName, false); err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "touch_failed",
			"user_id": senderID,
			"error":   err.Error(),
		}).Warn("registration touch failed")
	}

	welcome := d.settings.Current().Welcome
	if welcome.Content == "" {
		_ = d.SendText(ctx, chatID, "Hi! Send me any message and I'll answer. Use /help to see what else I can do.")
		return
	}

	if welcome.Type == domain.ContentText {
		_ = d.SendText(ctx, chatID, welcome.Content)
		return
	}
	_ = d.SendContent(ctx, chatID, welcome.Type, welcome.Content)
}

func (d *Dispatcher) commandHelp(ctx context.Context, senderID, chatID int64) {
	lines := []string{
		"/start — register and see the welcome message",
		"/help — this message",
		"/new — forget our conversation and start fresh",
		"/memory — how much of our conversation I remember",
		"/status — bot health and usage numbers",
		"/developer — how to reach the developer",
	}
	if d.roles.IsAdmin(senderID) {
		lines = append(lines,
			"/admin — open the admin panel",
			"/cancel — abort the current admin workflow",
		)
	}

	_ = d.SendText(ctx, chatID, strings.Join(lines, "\n"))
}

func (d *Dispatcher) commandNew(ctx context.Context, senderID, chatID int64) {
	if err := d.history.Clear(ctx, senderID); err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "history_clear_failed",
			"user_id": senderID,
			"error":   err.Error(),
		}).Error("failed to clear conversation")
		_ = d.SendText(ctx, chatID, apologyText)
		return
	}

	_ = d.SendText(ctx, chatID, "Conversation cleared. We're starting fresh.")
}

func (d *Dispatcher) commandMemory(ctx context.Context, senderID, chatID int64) {
	entries, err := d.history.History(ctx, senderID)
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "history_read_failed",
			"user_id": senderID,
			"error":   err.Error(),
		}).Error("failed to read conversation")
		_ = d.SendText(ctx, chatID, apologyText)
		return
	}

	if len(entries) == 0 {
		_ = d.SendText(ctx, chatID, "My memory of our conversation is empty.")
		return
	}

	_ = d.SendText(ctx, chatID, fmt.Sprintf(
		"I remember %d of up to %d conversation turns.", len(entries), convlog.MaxEntries))
}

func (d *Dispatcher) commandStatus(ctx context.Context, chatID int64) {
	uptime := time.Since(d.startedAt).Round(time.Second)

	total := "?"
	if n, err := d.stats.CountUsers(ctx); err == nil {
		total = fmt.Sprintf("%d", n)
	}
	activeToday := "?"
	if n, err := d.stats.CountActiveToday(ctx); err == nil {
		activeToday = fmt.Sprintf("%d", n)
	}

	aiState := "responding"
	if d.aiDegraded.Load() {
		aiState = "degraded, serving fallback replies"
	}

	admins, vip, banned := d.roles.Counts()
	_ = d.SendText(ctx, chatID, strings.Join([]string{
		fmt.Sprintf("Uptime: %s", uptime),
		fmt.Sprintf("Users: %s total, %s active today", total, activeToday),
		fmt.Sprintf("Roles: %d admins, %d VIP, %d banned", admins, vip, banned),
		fmt.Sprintf("AI service: %s", aiState),
	}, "\n"))
}

func (d *Dispatcher) commandDeveloper(ctx context.Context, chatID int64) {
	if d.developer == "" {
		_ = d.SendText(ctx, chatID, "No developer contact is configured.")
		return
	}

	handle := strings.TrimPrefix(d.developer, "@")
	_ = d.SendText(ctx, chatID, fmt.Sprintf(
		"👨‍💻 Developer: %s\nReach out at https://t.me/%s with questions and suggestions.",
		d.developer, handle))
}

func (d *Dispatcher) commandCancel(ctx context.Context, senderID, chatID int64) {
	if !d.roles.IsAdmin(senderID) {
		_ = d.SendText(ctx, chatID, "This command is for admins only.")
		return
	}

	if d.engine.Cancel(senderID) {
		_ = d.SendText(ctx, chatID, "Workflow canceled.")
		return
	}
	_ = d.SendText(ctx, chatID, "Nothing to cancel.")
}

// SendText delivers a plain text message; part of the workflow.Sender
// contract.
func (d *Dispatcher) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := d.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "send_failed",
			"chat_id": chatID,
			"error":   err.Error(),
		}).Warn("failed to send message")
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

// SendContent delivers media by stored file id; part of the workflow.Sender
// contract.
func (d *Dispatcher) SendContent(ctx context.Context, chatID int64, contentType, fileID string) error {
	file := &models.InputFileString{Data: fileID}

	var err error
	switch contentType {
	case domain.ContentPhoto:
		_, err = d.api.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: chatID, Photo: file})
	case domain.ContentVideo:
		_, err = d.api.SendVideo(ctx, &bot.SendVideoParams{ChatID: chatID, Video: file})
	case domain.ContentAudio:
		_, err = d.api.SendAudio(ctx, &bot.SendAudioParams{ChatID: chatID, Audio: file})
	case domain.ContentDocument:
		_, err = d.api.SendDocument(ctx, &bot.SendDocumentParams{ChatID: chatID, Document: file})
	case domain.ContentText:
		return d.SendText(ctx, chatID, fileID)
	default:
		return fmt.Errorf("unknown content type %q", contentType)
	}
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"event":        "send_failed",
			"chat_id":      chatID,
			"content_type": contentType,
			"error":        err.Error(),
		}).Warn("failed to send media")
		return fmt.Errorf("send %s: %w", contentType, err)
	}

	return nil
}

// contentFileID extracts the stored file reference from a media message so
// an admin can feed media into a broadcast workflow.
func contentFileID(msg *models.Message) string {
	switch {
	case len(msg.Photo) > 0:
		return msg.Photo[len(msg.Photo)-1].FileID
	case msg.Video != nil:
		return msg.Video.FileID
	case msg.Audio != nil:
		return msg.Audio.FileID
	case msg.Document != nil:
		return msg.Document.FileID
	}

	return ""
}
