package convlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"tg_ai_relay_bot/internal/domain"
	"tg_ai_relay_bot/internal/logging"
)

const (
	// DefaultSweepInterval is how often the sweeper walks the keyspace.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultEntryTTL is how long an entry stays relevant before the sweeper
	// prunes it.
	DefaultEntryTTL = 10 * time.Minute

	scanBatch = 100
)

// Sweeper periodically prunes stale entries from every stored conversation
// and deletes keys whose history has fully expired.
type Sweeper struct {
	log      *Log
	interval time.Duration
	ttl      time.Duration
	logger   *logrus.Entry
}

// NewSweeper constructs a sweeper over the given log. Non-positive interval
// or TTL fall back to the defaults.
func NewSweeper(log *Log, interval, ttl time.Duration, logger *logrus.Entry) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if ttl <= 0 {
		ttl = DefaultEntryTTL
	}
	if logger == nil {
		logger = logging.Logger()
	}

	return &Sweeper{
		log:      log,
		interval: interval,
		ttl:      ttl,
		logger:   logger,
	}
}

// Run sweeps on a ticker until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep walks all conversation keys once, pruning entries older than the TTL.
// Per-key failures are logged and skipped so one bad key never stalls the
// pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	var (
		cursor  uint64
		swept   int
		deleted int
	)

	for {
		keys, next, err := s.log.rdb.Scan(ctx, cursor, keyPrefix+"*", scanBatch).Result()
		if err != nil {
			s.logger.WithFields(logging.Fields{
				"event": "convlog_sweep_failed",
				"error": err.Error(),
			}).Warn("conversation sweep aborted")
			return
		}

		for _, key := range keys {
			pruned, gone, err := s.sweepKey(ctx, key)
			if err != nil {
				s.logger.WithFields(logging.Fields{
					"event": "convlog_sweep_key_failed",
					"key":   key,
					"error": err.Error(),
				}).Warn("skipping conversation key")
				continue
			}
			if pruned {
				swept++
			}
			if gone {
				deleted++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if swept > 0 || deleted > 0 {
		s.logger.WithFields(logging.Fields{
			"event":   "convlog_swept",
			"pruned":  swept,
			"deleted": deleted,
		}).Info("pruned stale conversations")
	}
}

// sweepKey prunes one key. A key that vanished between SCAN and GET is not
// an error.
func (s *Sweeper) sweepKey(ctx context.Context, key string) (pruned, gone bool, err error) {
	userID, err := strconv.ParseInt(strings.TrimPrefix(key, keyPrefix), 10, 64)
	if err != nil {
		return false, false, fmt.Errorf("unexpected key %q: %w", key, err)
	}

	// Appends rewrite the same key whole; hold the user's lock across the
	// read-modify-write so neither side loses entries.
	unlock := s.log.lockUser(userID)
	defer unlock()

	raw, err := s.log.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, err
	}

	var entries []domain.ConversationEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		// Undecodable history carries no timestamps to honor; drop it.
		if delErr := s.log.rdb.Del(ctx, key).Err(); delErr != nil {
			return false, false, delErr
		}
		return false, true, nil
	}

	cutoff := time.Now().UTC().Add(-s.ttl)
	fresh := entries[:0:0]
	for _, entry := range entries {
		if entry.Timestamp.After(cutoff) {
			fresh = append(fresh, entry)
		}
	}

	if len(fresh) == len(entries) {
		return false, false, nil
	}

	if len(fresh) == 0 {
		if err := s.log.rdb.Del(ctx, key).Err(); err != nil {
			return false, false, err
		}
		return true, true, nil
	}

	next, err := json.Marshal(fresh)
	if err != nil {
		return false, false, err
	}
	if err := s.log.rdb.Set(ctx, key, next, 0).Err(); err != nil {
		return false, false, err
	}

	return true, false, nil
}
