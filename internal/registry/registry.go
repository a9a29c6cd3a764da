// Package registry provides CRUD over user records and the quota arithmetic
// tied to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_ai_relay_bot/internal/domain"
	"tg_ai_relay_bot/internal/logging"
)

type userCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
}

type privilegeChecker interface {
	IsPrivileged(userID int64) bool
	PrivilegedIDs() []int64
}

type quotaDefaults interface {
	FreeMessages() int
}

// Registry owns user records. Writes are whole-document read-modify-write
// under a per-user lock, so concurrent touches of different users never
// contend and concurrent touches of the same user never lose updates.
type Registry struct {
	users      userCollection
	privileges privilegeChecker
	defaults   quotaDefaults
	logger     *logrus.Entry

	mu        sync.Mutex
	userLocks map[int64]*sync.Mutex
}

// New constructs a Registry.
func New(users userCollection, privileges privilegeChecker, defaults quotaDefaults, logger *logrus.Entry) *Registry {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Registry{
		users:      users,
		privileges: privileges,
		defaults:   defaults,
		logger:     logger,
		userLocks:  make(map[int64]*sync.Mutex),
	}
}

func (r *Registry) lockUser(userID int64) func() {
	r.mu.Lock()
	lock, ok := r.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		r.userLocks[userID] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Touch records an interaction: it creates the record on first contact,
// refreshes identity and last_seen, bumps the message counter, and — only
// when charge is set and the user holds no privilege — consumes one unit of
// free quota. The full document is persisted before Touch returns.
func (r *Registry) Touch(ctx context.Context, userID int64, username, firstName string, charge bool) (domain.User, error) {
	if r == nil || r.users == nil {
		return domain.User{}, errors.New("registry is not initialized")
	}
	if ctx == nil {
		return domain.User{}, errors.New("context is required")
	}
	if userID == 0 {
		return domain.User{}, errors.New("user id is required")
	}

	unlock := r.lockUser(userID)
	defer unlock()

	now := time.Now().UTC().Truncate(time.Millisecond)

	user, err := r.get(ctx, userID)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		user = domain.User{
			UserID:     userID,
			QuotaLimit: r.defaults.FreeMessages(),
			FirstSeen:  now,
		}
		created = true
	case errors.Is(err, domain.ErrCorruptRecord):
		r.logger.WithFields(logging.Fields{
			"event":   "user_record_corrupt",
			"user_id": userID,
		}).Warn("user record failed to decode, starting fresh")
		user = domain.User{
			UserID:     userID,
			QuotaLimit: r.defaults.FreeMessages(),
			FirstSeen:  now,
		}
		created = true
	default:
		return domain.User{}, err
	}

	user.Username = username
	user.FirstName = firstName
	user.LastSeen = now
	user.MessageCount++

	if charge && !r.privileges.IsPrivileged(userID) {
		user.UsedQuota++
	}

	if err := r.persist(ctx, user); err != nil {
		return domain.User{}, err
	}

	if created {
		r.logger.WithFields(logging.Fields{
			"event":       "user_registered",
			"user_id":     userID,
			"quota_limit": user.QuotaLimit,
		}).Info("registered new user")
	} else {
		r.logger.WithFields(logging.Fields{
			"event":   "user_seen",
			"user_id": userID,
		}).Debug("updated user record")
	}

	return user, nil
}

// Get fetches one record. Missing records return domain.ErrNotFound, records
// that fail to decode return domain.ErrCorruptRecord.
func (r *Registry) Get(ctx context.Context, userID int64) (domain.User, error) {
	if r == nil || r.users == nil {
		return domain.User{}, errors.New("registry is not initialized")
	}
	if ctx == nil {
		return domain.User{}, errors.New("context is required")
	}

	return r.get(ctx, userID)
}

func (r *Registry) get(ctx context.Context, userID int64) (domain.User, error) {
	result := r.users.FindOne(ctx, bson.M{"user_id": userID})
	if result == nil {
		return domain.User{}, errors.New("find user returned no result")
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.User{}, domain.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("find user: %w", err)
	}

	var user domain.User
	if err := result.Decode(&user); err != nil {
		return domain.User{}, fmt.Errorf("%w: decode user: %v", domain.ErrCorruptRecord, err)
	}

	return user, nil
}

func (r *Registry) persist(ctx context.Context, user domain.User) error {
	_, err := r.users.ReplaceOne(ctx,
		bson.M{"user_id": user.UserID},
		user,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("persist user: %w", err)
	}

	return nil
}

// Snapshot returns a read-only copy of every user record, for reporting and
// broadcast fan-out.
func (r *Registry) Snapshot(ctx context.Context) ([]domain.User, error) {
	if r == nil || r.users == nil {
		return nil, errors.New("registry is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	cursor, err := r.users.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var users []domain.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}

	return users, nil
}

// AdjustPoints adds delta (which may be negative) to the user's points,
// flooring the result at zero, and returns the new total.
func (r *Registry) AdjustPoints(ctx context.Context, userID int64, delta int) (int, error) {
	if r == nil || r.users == nil {
		return 0, errors.New("registry is not initialized")
	}
	if ctx == nil {
		return 0, errors.New("context is required")
	}

	unlock := r.lockUser(userID)
	defer unlock()

	user, err := r.get(ctx, userID)
	if err != nil {
		return 0, err
	}

	user.Points += delta
	if user.Points < 0 {
		user.Points = 0
	}

	if err := r.persist(ctx, user); err != nil {
		return 0, err
	}

	r.logger.WithFields(logging.Fields{
		"event":   "points_adjusted",
		"user_id": userID,
		"delta":   delta,
		"points":  user.Points,
	}).Info("adjusted user points")

	return user.Points, nil
}

// SetQuotaLimitForUnprivileged rewrites quota_limit on every record whose
// user currently holds neither admin nor VIP, so a changed default applies
// retroactively.
func (r *Registry) SetQuotaLimitForUnprivileged(ctx context.Context, limit int) (int64, error) {
	if r == nil || r.users == nil {
		return 0, errors.New("registry is not initialized")
	}
	if ctx == nil {
		return 0, errors.New("context is required")
	}
	if limit < 0 {
		return 0, errors.New("quota limit must not be negative")
	}

	filter := bson.M{"user_id": bson.M{"$nin": r.privileges.PrivilegedIDs()}}
	update := bson.M{"$set": bson.M{"quota_limit": limit}}

	result, err := r.users.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("update quota limits: %w", err)
	}

	modified := int64(0)
	if result != nil {
		modified = result.ModifiedCount
	}

	r.logger.WithFields(logging.Fields{
		"event":    "quota_limit_rewritten",
		"limit":    limit,
		"modified": modified,
	}).Info("applied new quota limit to unprivileged users")

	return modified, nil
}
