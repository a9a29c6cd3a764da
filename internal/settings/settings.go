// Package settings owns the process-wide mutable configuration: a single
// persisted document, cached in memory, rewritten whole on every change.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_ai_relay_bot/internal/domain"
	"tg_ai_relay_bot/internal/logging"
)

const settingsDocID = "global"

type settingsCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// Store caches the settings document and persists every mutation before it
// becomes visible to readers.
type Store struct {
	mu     sync.RWMutex
	coll   settingsCollection
	logger *logrus.Entry

	current domain.Settings

	// onQuotaChange runs after a successful free-quota change, outside the
	// lock; the registry hooks in here to rewrite existing records.
	onQuotaChange func(ctx context.Context, limit int) error
}

// NewStore constructs a settings store primed with defaults.
func NewStore(coll settingsCollection, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Store{
		coll:    coll,
		logger:  logger,
		current: domain.DefaultSettings(),
	}
}

// OnQuotaChange registers the hook invoked after SetFreeMessages persists.
func (s *Store) OnQuotaChange(fn func(ctx context.Context, limit int) error) {
	s.onQuotaChange = fn
}

// Load reads the settings document, merging defaults for anything missing.
// A missing document means defaults; a corrupt one is logged and replaced by
// defaults rather than failing startup.
func (s *Store) Load(ctx context.Context) error {
	if s == nil || s.coll == nil {
		return errors.New("settings store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	loaded, err := s.load(ctx)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			loaded = domain.DefaultSettings()
		case errors.Is(err, domain.ErrCorruptRecord):
			s.logger.WithField("event", "settings_corrupt").Warn("settings document failed to decode, using defaults")
			loaded = domain.DefaultSettings()
		default:
			return err
		}
	}

	if loaded.FreeMessages <= 0 {
		loaded.FreeMessages = domain.DefaultFreeMessages
	}
	if loaded.Welcome.Type == "" {
		loaded.Welcome.Type = domain.ContentText
	}

	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"event":         "settings_loaded",
		"free_messages": loaded.FreeMessages,
		"subscription":  loaded.SubscriptionEnabled,
	}).Info("loaded settings")

	return nil
}

func (s *Store) load(ctx context.Context) (domain.Settings, error) {
	result := s.coll.FindOne(ctx, bson.M{"_id": settingsDocID})
	if result == nil {
		return domain.Settings{}, domain.ErrNotFound
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Settings{}, domain.ErrNotFound
		}
		return domain.Settings{}, fmt.Errorf("find settings: %w", err)
	}

	var loaded domain.Settings
	if err := result.Decode(&loaded); err != nil {
		return domain.Settings{}, fmt.Errorf("%w: decode settings: %v", domain.ErrCorruptRecord, err)
	}

	return loaded, nil
}

// Current returns a copy of the active settings.
func (s *Store) Current() domain.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// FreeMessages returns the active free-quota default.
func (s *Store) FreeMessages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current.FreeMessages
}

// SetRequiredChannel updates the subscription channel handle. An empty value
// clears the requirement.
func (s *Store) SetRequiredChannel(ctx context.Context, channel string) error {
	channel = strings.TrimSpace(channel)
	if channel != "" && !strings.HasPrefix(channel, "@") {
		channel = "@" + channel
	}

	return s.mutate(ctx, func(cur *domain.Settings) {
		cur.RequiredChannel = channel
	})
}

// SetSubscriptionEnabled toggles the mandatory-subscription guard.
func (s *Store) SetSubscriptionEnabled(ctx context.Context, enabled bool) error {
	return s.mutate(ctx, func(cur *domain.Settings) {
		cur.SubscriptionEnabled = enabled
	})
}

// SetFreeMessages updates the free-quota default and then runs the quota
// rewrite hook so existing unprivileged users pick up the new limit.
func (s *Store) SetFreeMessages(ctx context.Context, limit int) error {
	if limit <= 0 {
		return errors.New("free message quota must be greater than 0")
	}

	if err := s.mutate(ctx, func(cur *domain.Settings) {
		cur.FreeMessages = limit
	}); err != nil {
		return err
	}

	if s.onQuotaChange != nil {
		if err := s.onQuotaChange(ctx, limit); err != nil {
			return fmt.Errorf("apply quota change: %w", err)
		}
	}

	return nil
}

// SetWelcome replaces the configured welcome content.
func (s *Store) SetWelcome(ctx context.Context, welcome domain.Welcome) error {
	if welcome.Type == "" {
		welcome.Type = domain.ContentText
	}

	return s.mutate(ctx, func(cur *domain.Settings) {
		cur.Welcome = welcome
	})
}

// ClearWelcome resets the welcome content to empty text.
func (s *Store) ClearWelcome(ctx context.Context) error {
	return s.mutate(ctx, func(cur *domain.Settings) {
		cur.Welcome = domain.Welcome{Type: domain.ContentText}
	})
}

func (s *Store) mutate(ctx context.Context, apply func(*domain.Settings)) error {
	if s == nil || s.coll == nil {
		return errors.New("settings store is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	apply(&next)
	next.UpdatedAt = time.Now().UTC()

	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": settingsDocID},
		next,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}

	s.current = next

	s.logger.WithField("event", "settings_updated").Info("persisted settings")

	return nil
}
