package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"tg_ai_relay_bot/internal/domain"
	"tg_ai_relay_bot/internal/logging"
	"tg_ai_relay_bot/internal/workflow"
)

// Callback data values for the admin panel buttons.
const (
	cbStats    = "admin_stats"
	cbUsers    = "admin_users"
	cbActivity = "admin_activity"

	cbBroadcastText     = "broadcast_text"
	cbBroadcastPhoto    = "broadcast_photo"
	cbBroadcastVideo    = "broadcast_video"
	cbBroadcastAudio    = "broadcast_audio"
	cbBroadcastDocument = "broadcast_document"

	cbBan   = "ban_user"
	cbUnban = "unban_user"

	cbVIPAdd    = "vip_add"
	cbVIPRemove = "vip_remove"

	cbAdminAdd    = "admin_add"
	cbAdminRemove = "admin_remove"

	cbPointsAdd    = "points_add"
	cbPointsRemove = "points_remove"

	cbSettingsChannel      = "settings_channel"
	cbSettingsQuota        = "settings_quota"
	cbSettingsWelcome      = "settings_welcome"
	cbSettingsSubscription = "settings_subscription"
)

func adminKeyboard() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "📊 Stats", CallbackData: cbStats},
				{Text: "👥 Users", CallbackData: cbUsers},
				{Text: "🕒 Activity", CallbackData: cbActivity},
			},
			{
				{Text: "📣 Text", CallbackData: cbBroadcastText},
				{Text: "🖼 Photo", CallbackData: cbBroadcastPhoto},
				{Text: "🎬 Video", CallbackData: cbBroadcastVideo},
			},
			{
				{Text: "🎵 Audio", CallbackData: cbBroadcastAudio},
				{Text: "📄 Document", CallbackData: cbBroadcastDocument},
			},
			{
				{Text: "🚫 Ban", CallbackData: cbBan},
				{Text: "✅ Unban", CallbackData: cbUnban},
			},
			{
				{Text: "⭐ Add VIP", CallbackData: cbVIPAdd},
				{Text: "⭐ Remove VIP", CallbackData: cbVIPRemove},
			},
			{
				{Text: "🛡 Add admin", CallbackData: cbAdminAdd},
				{Text: "🛡 Remove admin", CallbackData: cbAdminRemove},
			},
			{
				{Text: "➕ Points", CallbackData: cbPointsAdd},
				{Text: "➖ Points", CallbackData: cbPointsRemove},
			},
			{
				{Text: "📺 Channel", CallbackData: cbSettingsChannel},
				{Text: "🎫 Quota", CallbackData: cbSettingsQuota},
			},
			{
				{Text: "👋 Welcome", CallbackData: cbSettingsWelcome},
				{Text: "🔔 Subscription", CallbackData: cbSettingsSubscription},
			},
		},
	}
}

func (d *Dispatcher) commandAdmin(ctx context.Context, senderID, chatID int64) {
	if !d.roles.IsAdmin(senderID) {
		_ = d.SendText(ctx, chatID, "This command is for admins only.")
		return
	}

	_, err := d.api.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        "Admin panel — pick an action:",
		ReplyMarkup: adminKeyboard(),
	})
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "send_failed",
			"chat_id": chatID,
			"error":   err.Error(),
		}).Warn("failed to send admin panel")
	}
}

func (d *Dispatcher) handleCallback(ctx context.Context, query *models.CallbackQuery, chatID int64) {
	senderID := query.From.ID

	// Always acknowledge so the client stops its spinner.
	if _, err := d.api.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
	}); err != nil {
		d.logger.WithFields(logging.Fields{
			"event":   "callback_ack_failed",
			"user_id": senderID,
			"error":   err.Error(),
		}).Warn("failed to acknowledge callback")
	}

	if !d.roles.IsAdmin(senderID) {
		d.logger.WithFields(logging.Fields{
			"event":   "callback_denied",
			"user_id": senderID,
			"data":    query.Data,
		}).Warn("non-admin pressed an admin button")
		return
	}
	if chatID == 0 {
		return
	}

	d.logger.WithFields(logging.Fields{
		"event":   "callback",
		"user_id": senderID,
		"data":    query.Data,
	}).Info("handling admin callback")

	var reply string
	switch query.Data {
	case cbStats:
		reply = d.statsReport(ctx)
	case cbUsers:
		reply = d.usersReport(ctx)
	case cbActivity:
		reply = d.engine.OpenInspect(senderID)

	case cbBroadcastText:
		reply = d.engine.OpenBroadcast(senderID, domain.ContentText)
	case cbBroadcastPhoto:
		reply = d.engine.OpenBroadcast(senderID, domain.ContentPhoto)
	case cbBroadcastVideo:
		reply = d.engine.OpenBroadcast(senderID, domain.ContentVideo)
	case cbBroadcastAudio:
		reply = d.engine.OpenBroadcast(senderID, domain.ContentAudio)
	case cbBroadcastDocument:
		reply = d.engine.OpenBroadcast(senderID, domain.ContentDocument)

	case cbBan:
		reply = d.engine.OpenRoleGrant(senderID, domain.SetBanned)
	case cbUnban:
		reply = d.engine.OpenRoleRevoke(senderID, domain.SetBanned)
	case cbVIPAdd:
		reply = d.engine.OpenRoleGrant(senderID, domain.SetVIP)
	case cbVIPRemove:
		reply = d.engine.OpenRoleRevoke(senderID, domain.SetVIP)
	case cbAdminAdd:
		reply = d.engine.OpenRoleGrant(senderID, domain.SetAdmins)
	case cbAdminRemove:
		reply = d.engine.OpenRoleRevoke(senderID, domain.SetAdmins)

	case cbPointsAdd:
		reply = d.engine.OpenPoints(senderID, true)
	case cbPointsRemove:
		reply = d.engine.OpenPoints(senderID, false)

	case cbSettingsChannel:
		reply = d.engine.OpenSettings(senderID, workflow.FieldChannel)
	case cbSettingsQuota:
		reply = d.engine.OpenSettings(senderID, workflow.FieldFreeQuota)
	case cbSettingsWelcome:
		reply = d.engine.OpenSettings(senderID, workflow.FieldWelcome)
	case cbSettingsSubscription:
		reply = d.engine.OpenSettings(senderID, workflow.FieldSubscription)

	default:
		reply = "That button is no longer wired up."
	}

	if reply != "" {
		_ = d.SendText(ctx, chatID, reply)
	}
}

func (d *Dispatcher) statsReport(ctx context.Context) string {
	total := "?"
	if n, err := d.stats.CountUsers(ctx); err == nil {
		total = fmt.Sprintf("%d", n)
	}
	activeToday := "?"
	if n, err := d.stats.CountActiveToday(ctx); err == nil {
		activeToday = fmt.Sprintf("%d", n)
	}
	messages := "?"
	if n, err := d.stats.SumMessages(ctx); err == nil {
		messages = fmt.Sprintf("%d", n)
	}

	current := d.settings.Current()
	subscription := "off"
	if current.SubscriptionEnabled {
		subscription = "on"
	}

	admins, vip, banned := d.roles.Counts()
	return strings.Join([]string{
		"📊 Bot statistics",
		fmt.Sprintf("Users: %s total, %s active today", total, activeToday),
		fmt.Sprintf("Messages handled: %s", messages),
		fmt.Sprintf("Roles: %d admins, %d VIP, %d banned", admins, vip, banned),
		fmt.Sprintf("Free quota: %d messages", current.FreeMessages),
		fmt.Sprintf("Subscription requirement: %s (%s)", subscription, orDash(current.RequiredChannel)),
	}, "\n")
}

const usersReportLimit = 10

func (d *Dispatcher) usersReport(ctx context.Context) string {
	users, err := d.registry.Snapshot(ctx)
	if err != nil {
		d.logger.WithFields(logging.Fields{
			"event": "users_report_failed",
			"error": err.Error(),
		}).Error("failed to list users")
		return "Could not load the user list."
	}

	if len(users) == 0 {
		return "No users registered yet."
	}

	sort.Slice(users, func(i, j int) bool { return users[i].LastSeen.After(users[j].LastSeen) })

	lines := []string{fmt.Sprintf("👥 %d users, most recent first:", len(users))}
	for i, user := range users {
		if i == usersReportLimit {
			lines = append(lines, fmt.Sprintf("… and %d more", len(users)-usersReportLimit))
			break
		}
		lines = append(lines, fmt.Sprintf("%d (%s) — %d/%d quota, %d points",
			user.UserID, orDash(user.Username), user.UsedQuota, user.QuotaLimit, user.Points))
	}

	return strings.Join(lines, "\n")
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
