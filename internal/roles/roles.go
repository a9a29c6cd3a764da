// Package roles maintains the admin, VIP and banned membership sets with
// owner protection and immediate persistence of every mutation.
package roles

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_ai_relay_bot/internal/domain"
	"tg_ai_relay_bot/internal/logging"
)

type roleCollection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// Sets holds the three role sets in memory, backed by one whole-value
// document per set. All reads are O(1) map lookups; every successful
// mutation replaces the affected document before it is visible in memory.
type Sets struct {
	mu      sync.RWMutex
	coll    roleCollection
	ownerID int64
	logger  *logrus.Entry
	members map[domain.RoleSet]map[int64]struct{}
}

// NewSets constructs the role sets for the given owner identity.
func NewSets(coll roleCollection, ownerID int64, logger *logrus.Entry) *Sets {
	if logger == nil {
		logger = logging.Logger()
	}

	members := map[domain.RoleSet]map[int64]struct{}{
		domain.SetAdmins: {},
		domain.SetVIP:    {},
		domain.SetBanned: {},
	}

	return &Sets{
		coll:    coll,
		ownerID: ownerID,
		logger:  logger,
		members: members,
	}
}

// Load reads all three set documents. A missing document means an empty set;
// a document that fails to decode is logged and treated as empty so one
// corrupt record cannot take the bot down.
func (s *Sets) Load(ctx context.Context) error {
	if s == nil || s.coll == nil {
		return errors.New("role sets are not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	loaded := map[domain.RoleSet]map[int64]struct{}{}
	for _, set := range []domain.RoleSet{domain.SetAdmins, domain.SetVIP, domain.SetBanned} {
		ids, err := s.loadSet(ctx, set)
		if err != nil {
			if errors.Is(err, domain.ErrCorruptRecord) {
				s.logger.WithFields(logging.Fields{
					"event": "role_set_corrupt",
					"set":   string(set),
				}).Warn("role set failed to decode, starting empty")
				ids = map[int64]struct{}{}
			} else {
				return fmt.Errorf("load %s set: %w", set, err)
			}
		}
		loaded[set] = ids
	}

	s.mu.Lock()
	s.members = loaded
	s.mu.Unlock()

	s.logger.WithFields(logging.Fields{
		"event":  "role_sets_loaded",
		"admins": len(loaded[domain.SetAdmins]),
		"vip":    len(loaded[domain.SetVIP]),
		"banned": len(loaded[domain.SetBanned]),
	}).Info("loaded role sets")

	return nil
}

func (s *Sets) loadSet(ctx context.Context, set domain.RoleSet) (map[int64]struct{}, error) {
	result := s.coll.FindOne(ctx, bson.M{"set": string(set)})
	if result == nil {
		return map[int64]struct{}{}, nil
	}
	if err := result.Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return map[int64]struct{}{}, nil
		}
		return nil, fmt.Errorf("find role set: %w", err)
	}

	var doc domain.RoleSetDoc
	if err := result.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode role set: %v", domain.ErrCorruptRecord, err)
	}

	ids := make(map[int64]struct{}, len(doc.Members))
	for _, id := range doc.Members {
		ids[id] = struct{}{}
	}
	return ids, nil
}

// EnsureOwner bootstraps the configured owner: permanently admin and VIP,
// never banned. Safe to call on every startup.
func (s *Sets) EnsureOwner(ctx context.Context) error {
	if s == nil {
		return errors.New("role sets are not initialized")
	}
	if s.ownerID == 0 {
		return errors.New("owner id is required")
	}

	for _, set := range []domain.RoleSet{domain.SetAdmins, domain.SetVIP} {
		if _, err := s.Grant(ctx, set, s.ownerID); err != nil {
			return fmt.Errorf("ensure owner in %s: %w", set, err)
		}
	}

	// A stale ban record for the owner can only exist if the data was edited
	// out of band; clear it.
	if _, err := s.Revoke(ctx, domain.SetBanned, s.ownerID); err != nil {
		return fmt.Errorf("ensure owner not banned: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"event":    "owner_bootstrap",
		"owner_id": s.ownerID,
	}).Info("ensured bot owner roles")

	return nil
}

// OwnerID returns the protected owner identity.
func (s *Sets) OwnerID() int64 {
	return s.ownerID
}

// IsAdmin reports membership in the admin set.
func (s *Sets) IsAdmin(userID int64) bool {
	return s.contains(domain.SetAdmins, userID)
}

// IsVIP reports membership in the VIP set.
func (s *Sets) IsVIP(userID int64) bool {
	return s.contains(domain.SetVIP, userID)
}

// IsBanned reports membership in the banned set.
func (s *Sets) IsBanned(userID int64) bool {
	return s.contains(domain.SetBanned, userID)
}

// IsPrivileged reports whether the user is exempt from quota accounting.
func (s *Sets) IsPrivileged(userID int64) bool {
	return s.IsAdmin(userID) || s.IsVIP(userID)
}

func (s *Sets) contains(set domain.RoleSet, userID int64) bool {
	if s == nil {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.members[set][userID]
	return ok
}

// Grant adds userID to the set. Adding an existing member is a no-op that
// returns false. Banning the owner always returns false without mutating.
func (s *Sets) Grant(ctx context.Context, set domain.RoleSet, userID int64) (bool, error) {
	if s == nil || s.coll == nil {
		return false, errors.New("role sets are not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}
	if !set.Valid() {
		return false, fmt.Errorf("unknown role set %q", set)
	}
	if userID == 0 {
		return false, errors.New("user id is required")
	}

	if set == domain.SetBanned && userID == s.ownerID {
		s.logger.WithFields(logging.Fields{
			"event":   "owner_protected",
			"set":     string(set),
			"user_id": userID,
		}).Warn("refused to ban the owner")
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.members[set][userID]; exists {
		return false, nil
	}

	next := make(map[int64]struct{}, len(s.members[set])+1)
	for id := range s.members[set] {
		next[id] = struct{}{}
	}
	next[userID] = struct{}{}

	if err := s.persistLocked(ctx, set, next); err != nil {
		return false, err
	}

	s.members[set] = next

	s.logger.WithFields(logging.Fields{
		"event":   "role_granted",
		"set":     string(set),
		"user_id": userID,
	}).Info("granted role")

	return true, nil
}

// Revoke removes userID from the set. Removing a non-member is a no-op that
// returns false. Demoting the owner from admin or VIP always returns false
// without mutating.
func (s *Sets) Revoke(ctx context.Context, set domain.RoleSet, userID int64) (bool, error) {
	if s == nil || s.coll == nil {
		return false, errors.New("role sets are not initialized")
	}
	if ctx == nil {
		return false, errors.New("context is required")
	}
	if !set.Valid() {
		return false, fmt.Errorf("unknown role set %q", set)
	}
	if userID == 0 {
		return false, errors.New("user id is required")
	}

	if (set == domain.SetAdmins || set == domain.SetVIP) && userID == s.ownerID {
		s.logger.WithFields(logging.Fields{
			"event":   "owner_protected",
			"set":     string(set),
			"user_id": userID,
		}).Warn("refused to demote the owner")
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.members[set][userID]; !exists {
		return false, nil
	}

	next := make(map[int64]struct{}, len(s.members[set]))
	for id := range s.members[set] {
		if id != userID {
			next[id] = struct{}{}
		}
	}

	if err := s.persistLocked(ctx, set, next); err != nil {
		return false, err
	}

	s.members[set] = next

	s.logger.WithFields(logging.Fields{
		"event":   "role_revoked",
		"set":     string(set),
		"user_id": userID,
	}).Info("revoked role")

	return true, nil
}

func (s *Sets) persistLocked(ctx context.Context, set domain.RoleSet, ids map[int64]struct{}) error {
	doc := domain.RoleSetDoc{
		Set:       set,
		Members:   sortedIDs(ids),
		UpdatedAt: time.Now().UTC(),
	}

	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"set": string(set)},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("persist %s set: %w", set, err)
	}

	return nil
}

// Members returns the set's member ids in ascending order.
func (s *Sets) Members(set domain.RoleSet) []int64 {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedIDs(s.members[set])
}

// PrivilegedIDs returns the union of admin and VIP ids, for quota filters.
func (s *Sets) PrivilegedIDs() []int64 {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	union := make(map[int64]struct{}, len(s.members[domain.SetAdmins])+len(s.members[domain.SetVIP]))
	for id := range s.members[domain.SetAdmins] {
		union[id] = struct{}{}
	}
	for id := range s.members[domain.SetVIP] {
		union[id] = struct{}{}
	}

	return sortedIDs(union)
}

// Counts reports the size of each set for diagnostics.
func (s *Sets) Counts() (admins, vip, banned int) {
	if s == nil {
		return 0, 0, 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.members[domain.SetAdmins]), len(s.members[domain.SetVIP]), len(s.members[domain.SetBanned])
}

func sortedIDs(ids map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
