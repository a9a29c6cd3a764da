// Package workflow drives the multi-step admin conversations: broadcasts,
// point adjustments, role changes and settings edits. Each admin has at most
// one open session; starting a new one replaces whatever was open.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tg_ai_relay_bot/internal/convlog"
	"tg_ai_relay_bot/internal/domain"
	"tg_ai_relay_bot/internal/logging"
)

// Kind identifies a workflow.
type Kind string

const (
	KindBroadcast  Kind = "broadcast"
	KindGrantRole  Kind = "grant_role"
	KindRevokeRole Kind = "revoke_role"
	KindPoints     Kind = "points"
	KindSettings   Kind = "settings"
	KindInspect    Kind = "inspect"
)

// Step identifies where a session is within its workflow.
type Step string

const (
	StepAwaitingContent Step = "awaiting_content"
	StepAwaitingUserID  Step = "awaiting_user_id"
	StepAwaitingAmount  Step = "awaiting_amount"
	StepAwaitingValue   Step = "awaiting_value"
)

// SettingField names the editable settings fields.
type SettingField string

const (
	FieldChannel      SettingField = "channel"
	FieldFreeQuota    SettingField = "free_quota"
	FieldWelcome      SettingField = "welcome"
	FieldSubscription SettingField = "subscription"
)

// Sender delivers broadcast content to a chat. The transport layer
// implements it.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendContent(ctx context.Context, chatID int64, contentType, fileID string) error
}

type userDirectory interface {
	Snapshot(ctx context.Context) ([]domain.User, error)
	AdjustPoints(ctx context.Context, userID int64, delta int) (int, error)
}

type roleMutator interface {
	Grant(ctx context.Context, set domain.RoleSet, userID int64) (bool, error)
	Revoke(ctx context.Context, set domain.RoleSet, userID int64) (bool, error)
	IsBanned(userID int64) bool
	OwnerID() int64
}

type settingsEditor interface {
	SetRequiredChannel(ctx context.Context, channel string) error
	SetFreeMessages(ctx context.Context, limit int) error
	SetWelcome(ctx context.Context, welcome domain.Welcome) error
	ClearWelcome(ctx context.Context) error
	SetSubscriptionEnabled(ctx context.Context, enabled bool) error
}

type conversationReader interface {
	Recent(ctx context.Context, userID int64, within time.Duration) ([]domain.ConversationEntry, error)
}

// Session is one admin's in-flight workflow state.
type Session struct {
	Kind Kind
	Step Step

	ContentType string         // broadcast
	Set         domain.RoleSet // role changes
	Positive    bool           // points direction
	Field       SettingField   // settings
	TargetID    int64          // points, once the user id step is done
}

// Engine owns all open sessions and executes completed workflows against the
// registry, role sets and settings store.
type Engine struct {
	users         userDirectory
	roles         roleMutator
	settings      settingsEditor
	conversations conversationReader
	sender        Sender
	logger        *logrus.Entry

	mu         sync.Mutex
	sessions   map[int64]*Session
	adminLocks map[int64]*sync.Mutex
}

// New constructs an Engine.
func New(users userDirectory, roles roleMutator, settings settingsEditor, conversations conversationReader, sender Sender, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Engine{
		users:         users,
		roles:         roles,
		settings:      settings,
		conversations: conversations,
		sender:        sender,
		logger:        logger,
		sessions:      make(map[int64]*Session),
		adminLocks:    make(map[int64]*sync.Mutex),
	}
}

// BindSender attaches the delivery transport. The transport depends on the
// engine for routing, so it is wired after construction.
func (e *Engine) BindSender(sender Sender) {
	e.sender = sender
}

func (e *Engine) open(adminID int64, session *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The newest selection always wins; any half-finished session is gone.
	e.sessions[adminID] = session

	e.logger.WithFields(logging.Fields{
		"event":    "workflow_opened",
		"workflow": string(session.Kind),
		"user_id":  adminID,
	}).Info("opened workflow session")
}

// OpenBroadcast starts a broadcast session for the given content type and
// returns the prompt for the admin.
func (e *Engine) OpenBroadcast(adminID int64, contentType string) string {
	switch contentType {
	case domain.ContentText, domain.ContentPhoto, domain.ContentVideo, domain.ContentAudio, domain.ContentDocument:
	default:
		return fmt.Sprintf("Unknown broadcast type %q.", contentType)
	}

	e.open(adminID, &Session{
		Kind:        KindBroadcast,
		Step:        StepAwaitingContent,
		ContentType: contentType,
	})

	if contentType == domain.ContentText {
		return "Send the text to broadcast to all users."
	}
	return fmt.Sprintf("Send the %s to broadcast to all users.", contentType)
}

// OpenRoleGrant starts a session that adds a user to the given set.
func (e *Engine) OpenRoleGrant(adminID int64, set domain.RoleSet) string {
	if !set.Valid() {
		return fmt.Sprintf("Unknown role set %q.", set)
	}

	e.open(adminID, &Session{Kind: KindGrantRole, Step: StepAwaitingUserID, Set: set})
	return fmt.Sprintf("Send the user id to add to %s.", set)
}

// OpenRoleRevoke starts a session that removes a user from the given set.
func (e *Engine) OpenRoleRevoke(adminID int64, set domain.RoleSet) string {
	if !set.Valid() {
		return fmt.Sprintf("Unknown role set %q.", set)
	}

	e.open(adminID, &Session{Kind: KindRevokeRole, Step: StepAwaitingUserID, Set: set})
	return fmt.Sprintf("Send the user id to remove from %s.", set)
}

// OpenPoints starts an add-points (positive) or remove-points session.
func (e *Engine) OpenPoints(adminID int64, positive bool) string {
	e.open(adminID, &Session{Kind: KindPoints, Step: StepAwaitingUserID, Positive: positive})

	if positive {
		return "Send the user id to add points to."
	}
	return "Send the user id to remove points from."
}

// OpenSettings starts a single-field settings edit session.
func (e *Engine) OpenSettings(adminID int64, field SettingField) string {
	var prompt string
	switch field {
	case FieldChannel:
		prompt = "Send the channel handle users must join (or - to clear)."
	case FieldFreeQuota:
		prompt = "Send the new free message quota (a positive number)."
	case FieldWelcome:
		prompt = "Send the new welcome text (or - to reset to the default greeting)."
	case FieldSubscription:
		prompt = "Send on to require subscription, off to disable it."
	default:
		return fmt.Sprintf("Unknown setting %q.", field)
	}

	e.open(adminID, &Session{Kind: KindSettings, Step: StepAwaitingValue, Field: field})
	return prompt
}

// OpenInspect starts a session that shows a user's recent conversation.
func (e *Engine) OpenInspect(adminID int64) string {
	e.open(adminID, &Session{Kind: KindInspect, Step: StepAwaitingUserID})
	return "Send the user id to inspect."
}

// Cancel discards the admin's open session, reporting whether one existed.
func (e *Engine) Cancel(adminID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[adminID]; !ok {
		return false
	}
	delete(e.sessions, adminID)
	return true
}

// Active reports whether the admin has an open session.
func (e *Engine) Active(adminID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.sessions[adminID]
	return ok
}

// lockAdmin serializes input handling per admin. The bot dispatches handlers
// on separate goroutines, so two quick messages can otherwise step the same
// session at once.
func (e *Engine) lockAdmin(adminID int64) func() {
	e.mu.Lock()
	lock, ok := e.adminLocks[adminID]
	if !ok {
		lock = &sync.Mutex{}
		e.adminLocks[adminID] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// HandleInput feeds one message into the admin's open session. It returns
// the reply to send and whether the session finished. With no open session
// it returns ("", false) so the dispatcher can treat the message normally.
func (e *Engine) HandleInput(ctx context.Context, adminID int64, text string) (string, bool) {
	unlock := e.lockAdmin(adminID)
	defer unlock()

	e.mu.Lock()
	session, ok := e.sessions[adminID]
	e.mu.Unlock()
	if !ok {
		return "", false
	}

	reply, done := e.step(ctx, adminID, session, strings.TrimSpace(text))
	if done {
		e.mu.Lock()
		// Only close the session we stepped; the admin may have opened a new
		// one from a callback while this input was in flight.
		if e.sessions[adminID] == session {
			delete(e.sessions, adminID)
		}
		e.mu.Unlock()
	}

	return reply, done
}

func (e *Engine) step(ctx context.Context, adminID int64, session *Session, input string) (string, bool) {
	switch session.Kind {
	case KindBroadcast:
		return e.stepBroadcast(ctx, adminID, session, input)
	case KindGrantRole, KindRevokeRole:
		return e.stepRoleChange(ctx, session, input)
	case KindPoints:
		return e.stepPoints(ctx, session, input)
	case KindSettings:
		return e.stepSettings(ctx, session, input)
	case KindInspect:
		return e.stepInspect(ctx, input)
	}

	return fmt.Sprintf("Unknown workflow %q.", session.Kind), true
}

func (e *Engine) stepBroadcast(ctx context.Context, adminID int64, session *Session, input string) (string, bool) {
	if input == "" {
		return "The broadcast content cannot be empty. Send it again.", false
	}

	users, err := e.users.Snapshot(ctx)
	if err != nil {
		return fmt.Sprintf("Broadcast failed: could not list recipients (%v).", err), true
	}

	reportID := uuid.NewString()
	var sent, failed, skipped int
	for _, user := range users {
		if e.roles.IsBanned(user.UserID) {
			skipped++
			continue
		}

		var sendErr error
		if session.ContentType == domain.ContentText {
			sendErr = e.sender.SendText(ctx, user.UserID, input)
		} else {
			sendErr = e.sender.SendContent(ctx, user.UserID, session.ContentType, input)
		}
		if sendErr != nil {
			failed++
			e.logger.WithFields(logging.Fields{
				"event":     "broadcast_send_failed",
				"broadcast": reportID,
				"user_id":   user.UserID,
				"error":     sendErr.Error(),
			}).Warn("broadcast delivery failed")
			continue
		}
		sent++
	}

	e.logger.WithFields(logging.Fields{
		"event":     "broadcast_done",
		"broadcast": reportID,
		"admin_id":  adminID,
		"sent":      sent,
		"failed":    failed,
		"skipped":   skipped,
	}).Info("broadcast finished")

	return fmt.Sprintf("Broadcast %s finished: %d delivered, %d failed, %d banned skipped.",
		reportID, sent, failed, skipped), true
}

func (e *Engine) stepRoleChange(ctx context.Context, session *Session, input string) (string, bool) {
	targetID, err := strconv.ParseInt(input, 10, 64)
	if err != nil || targetID <= 0 {
		return "That is not a user id. Send a numeric user id.", false
	}

	var changed bool
	if session.Kind == KindGrantRole {
		changed, err = e.roles.Grant(ctx, session.Set, targetID)
	} else {
		changed, err = e.roles.Revoke(ctx, session.Set, targetID)
	}
	if err != nil {
		return fmt.Sprintf("Role change failed: %v.", err), true
	}

	if !changed {
		if targetID == e.roles.OwnerID() {
			return "The bot owner cannot be demoted or banned.", true
		}
		if session.Kind == KindGrantRole {
			return fmt.Sprintf("User %d is already in %s.", targetID, session.Set), true
		}
		return fmt.Sprintf("User %d is not in %s.", targetID, session.Set), true
	}

	if session.Kind == KindGrantRole {
		return fmt.Sprintf("Added user %d to %s.", targetID, session.Set), true
	}
	return fmt.Sprintf("Removed user %d from %s.", targetID, session.Set), true
}

func (e *Engine) stepPoints(ctx context.Context, session *Session, input string) (string, bool) {
	switch session.Step {
	case StepAwaitingUserID:
		targetID, err := strconv.ParseInt(input, 10, 64)
		if err != nil || targetID <= 0 {
			return "That is not a user id. Send a numeric user id.", false
		}

		session.TargetID = targetID
		session.Step = StepAwaitingAmount
		if session.Positive {
			return "How many points to add?", false
		}
		return "How many points to remove?", false

	case StepAwaitingAmount:
		amount, err := strconv.Atoi(input)
		if err != nil || amount <= 0 {
			return "Send a positive whole number of points.", false
		}

		delta := amount
		if !session.Positive {
			delta = -amount
		}

		total, err := e.users.AdjustPoints(ctx, session.TargetID, delta)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Sprintf("User %d is not registered.", session.TargetID), true
			}
			return fmt.Sprintf("Points change failed: %v.", err), true
		}

		return fmt.Sprintf("User %d now has %d points.", session.TargetID, total), true
	}

	return "This points session is in an unknown state. Start over.", true
}

func (e *Engine) stepSettings(ctx context.Context, session *Session, input string) (string, bool) {
	switch session.Field {
	case FieldChannel:
		channel := input
		if channel == "-" {
			channel = ""
		}
		if err := e.settings.SetRequiredChannel(ctx, channel); err != nil {
			return fmt.Sprintf("Saving the channel failed: %v.", err), true
		}
		if channel == "" {
			return "Required channel cleared.", true
		}
		return fmt.Sprintf("Required channel set to %s.", channel), true

	case FieldFreeQuota:
		limit, err := strconv.Atoi(input)
		if err != nil || limit <= 0 {
			return "Send a positive whole number for the free quota.", false
		}
		if err := e.settings.SetFreeMessages(ctx, limit); err != nil {
			return fmt.Sprintf("Saving the quota failed: %v.", err), true
		}
		return fmt.Sprintf("Free message quota set to %d for all regular users.", limit), true

	case FieldWelcome:
		if input == "" {
			return "The welcome text cannot be empty. Send it again.", false
		}
		if input == "-" {
			if err := e.settings.ClearWelcome(ctx); err != nil {
				return fmt.Sprintf("Resetting the welcome failed: %v.", err), true
			}
			return "Welcome message reset to the default greeting.", true
		}
		if err := e.settings.SetWelcome(ctx, domain.Welcome{Type: domain.ContentText, Content: input}); err != nil {
			return fmt.Sprintf("Saving the welcome failed: %v.", err), true
		}
		return "Welcome message updated.", true

	case FieldSubscription:
		var enabled bool
		switch strings.ToLower(input) {
		case "on", "enable", "enabled", "yes":
			enabled = true
		case "off", "disable", "disabled", "no":
			enabled = false
		default:
			return "Send on or off.", false
		}
		if err := e.settings.SetSubscriptionEnabled(ctx, enabled); err != nil {
			return fmt.Sprintf("Saving the subscription toggle failed: %v.", err), true
		}
		if enabled {
			return "Mandatory subscription enabled.", true
		}
		return "Mandatory subscription disabled.", true
	}

	return fmt.Sprintf("Unknown setting %q.", session.Field), true
}

func (e *Engine) stepInspect(ctx context.Context, input string) (string, bool) {
	targetID, err := strconv.ParseInt(input, 10, 64)
	if err != nil || targetID <= 0 {
		return "That is not a user id. Send a numeric user id.", false
	}

	window := convlog.DefaultEntryTTL
	entries, err := e.conversations.Recent(ctx, targetID, window)
	if err != nil {
		return fmt.Sprintf("Could not load the conversation: %v.", err), true
	}
	if len(entries) == 0 {
		return fmt.Sprintf("User %d has no conversation activity in the last %d minutes.",
			targetID, int(window.Minutes())), true
	}

	lines := []string{fmt.Sprintf("Last %d minutes for user %d:", int(window.Minutes()), targetID)}
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("%s %s: %s",
			entry.Timestamp.Format("15:04:05"), entry.Role, excerpt(entry.Content)))
	}
	return strings.Join(lines, "\n"), true
}

const excerptRunes = 80

func excerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= excerptRunes {
		return content
	}
	return string(runes[:excerptRunes]) + "…"
}
