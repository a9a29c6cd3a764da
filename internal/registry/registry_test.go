package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tg_ai_relay_bot/internal/domain"
)

type stubPrivileges struct {
	privileged map[int64]bool
}

func (s *stubPrivileges) IsPrivileged(userID int64) bool {
	return s.privileged[userID]
}

func (s *stubPrivileges) PrivilegedIDs() []int64 {
	ids := make([]int64, 0, len(s.privileged))
	for id, ok := range s.privileged {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids
}

type stubDefaults struct {
	free int
}

func (s stubDefaults) FreeMessages() int { return s.free }

func newTestRegistry(t *testing.T, privileged ...int64) (*Registry, *fakeUserCollection, *stubPrivileges) {
	t.Helper()

	logger, _ := logtest.NewNullLogger()
	coll := newFakeUserCollection()
	priv := &stubPrivileges{privileged: map[int64]bool{}}
	for _, id := range privileged {
		priv.privileged[id] = true
	}

	reg := New(coll, priv, stubDefaults{free: 50}, logrus.NewEntry(logger))
	return reg, coll, priv
}

func TestTouchCreatesRecordWithDefaults(t *testing.T) {
	reg, coll, _ := newTestRegistry(t)
	ctx := context.Background()

	user, err := reg.Touch(ctx, 101, "alice", "Alice", true)
	if err != nil {
		t.Fatalf("touch returned error: %v", err)
	}

	if user.QuotaLimit != 50 {
		t.Fatalf("expected default quota limit 50, got %d", user.QuotaLimit)
	}
	if user.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", user.MessageCount)
	}
	if user.UsedQuota != 1 {
		t.Fatalf("expected charged touch to consume quota, got %d", user.UsedQuota)
	}
	if user.FirstSeen.IsZero() || user.LastSeen.IsZero() {
		t.Fatalf("expected timestamps to be set")
	}
	if coll.replaceCalls != 1 {
		t.Fatalf("expected one persist, got %d", coll.replaceCalls)
	}
}

func TestTouchAccumulatesQuotaForUnprivileged(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := reg.Touch(ctx, 101, "alice", "Alice", true); err != nil {
			t.Fatalf("touch %d returned error: %v", i, err)
		}
	}

	user, err := reg.Get(ctx, 101)
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if user.UsedQuota != 5 {
		t.Fatalf("expected used quota 5 after 5 charged touches, got %d", user.UsedQuota)
	}
	if user.MessageCount != 5 {
		t.Fatalf("expected message count 5, got %d", user.MessageCount)
	}
}

func TestTouchNeverChargesPrivilegedUsers(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 202)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := reg.Touch(ctx, 202, "bob", "Bob", true); err != nil {
			t.Fatalf("touch returned error: %v", err)
		}
	}

	user, err := reg.Get(ctx, 202)
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if user.UsedQuota != 0 {
		t.Fatalf("expected privileged user to keep used quota 0, got %d", user.UsedQuota)
	}
	if user.MessageCount != 3 {
		t.Fatalf("expected message count 3, got %d", user.MessageCount)
	}
}

func TestTouchWithoutChargeRefreshesOnly(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Touch(ctx, 101, "alice", "Alice", false); err != nil {
		t.Fatalf("touch returned error: %v", err)
	}

	user, err := reg.Get(ctx, 101)
	if err != nil {
		t.Fatalf("get returned error: %v", err)
	}
	if user.UsedQuota != 0 {
		t.Fatalf("expected uncharged touch to leave quota at 0, got %d", user.UsedQuota)
	}
	if user.MessageCount != 1 {
		t.Fatalf("expected message count 1, got %d", user.MessageCount)
	}
}

func TestGetDistinguishesMissingFromCorrupt(t *testing.T) {
	reg, coll, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Get(ctx, 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}

	coll.docs[404] = bson.M{"user_id": int64(404), "used_quota": "garbage"}
	if _, err := reg.Get(ctx, 404); !errors.Is(err, domain.ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord for undecodable record, got %v", err)
	}
}

func TestTouchRecoversFromCorruptRecord(t *testing.T) {
	reg, coll, _ := newTestRegistry(t)
	ctx := context.Background()

	coll.docs[404] = bson.M{"user_id": int64(404), "used_quota": "garbage"}

	user, err := reg.Touch(ctx, 404, "mallory", "Mallory", true)
	if err != nil {
		t.Fatalf("expected touch to recover from corrupt record, got error: %v", err)
	}
	if user.UsedQuota != 1 || user.MessageCount != 1 {
		t.Fatalf("expected a fresh record, got used=%d count=%d", user.UsedQuota, user.MessageCount)
	}
}

func TestAdjustPointsFloorsAtZero(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Touch(ctx, 101, "alice", "Alice", false); err != nil {
		t.Fatalf("touch returned error: %v", err)
	}

	points, err := reg.AdjustPoints(ctx, 101, 10)
	if err != nil {
		t.Fatalf("adjust returned error: %v", err)
	}
	if points != 10 {
		t.Fatalf("expected 10 points, got %d", points)
	}

	points, err = reg.AdjustPoints(ctx, 101, -25)
	if err != nil {
		t.Fatalf("adjust returned error: %v", err)
	}
	if points != 0 {
		t.Fatalf("expected points floored at zero, got %d", points)
	}
}

func TestAdjustPointsUnknownUser(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	if _, err := reg.AdjustPoints(context.Background(), 999, 5); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotReturnsAllUsers(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if _, err := reg.Touch(ctx, id, "", "", false); err != nil {
			t.Fatalf("touch returned error: %v", err)
		}
	}

	users, err := reg.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot returned error: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
}

func TestSetQuotaLimitExcludesPrivileged(t *testing.T) {
	reg, coll, _ := newTestRegistry(t, 202)
	ctx := context.Background()

	if _, err := reg.SetQuotaLimitForUnprivileged(ctx, 10); err != nil {
		t.Fatalf("set quota limit returned error: %v", err)
	}

	if coll.lastUpdateFilter == nil {
		t.Fatalf("expected an UpdateMany call")
	}
	filter, ok := coll.lastUpdateFilter.(bson.M)
	if !ok {
		t.Fatalf("expected bson.M filter, got %T", coll.lastUpdateFilter)
	}
	idClause, ok := filter["user_id"].(bson.M)
	if !ok {
		t.Fatalf("expected user_id clause, got %v", filter)
	}
	excluded, ok := idClause["$nin"].([]int64)
	if !ok || len(excluded) != 1 || excluded[0] != 202 {
		t.Fatalf("expected privileged id 202 excluded, got %v", idClause["$nin"])
	}

	update, ok := coll.lastUpdate.(bson.M)
	if !ok {
		t.Fatalf("expected bson.M update, got %T", coll.lastUpdate)
	}
	set, ok := update["$set"].(bson.M)
	if !ok || set["quota_limit"] != 10 {
		t.Fatalf("expected quota_limit set to 10, got %v", update)
	}
}

func TestSetQuotaLimitRejectsNegative(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	if _, err := reg.SetQuotaLimitForUnprivileged(context.Background(), -1); err == nil {
		t.Fatalf("expected negative limit to error")
	}
}

type fakeUserCollection struct {
	docs             map[int64]bson.M
	replaceCalls     int
	lastUpdateFilter interface{}
	lastUpdate       interface{}
}

func newFakeUserCollection() *fakeUserCollection {
	return &fakeUserCollection{docs: make(map[int64]bson.M)}
}

func (f *fakeUserCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	filterDoc, ok := filter.(bson.M)
	if !ok {
		return mongo.NewSingleResultFromDocument(bson.D{}, fmt.Errorf("unexpected filter type %T", filter), nil)
	}

	id, ok := filterDoc["user_id"].(int64)
	if !ok {
		return mongo.NewSingleResultFromDocument(bson.D{}, fmt.Errorf("missing user_id filter in %v", filterDoc), nil)
	}

	doc, found := f.docs[id]
	if !found {
		return mongo.NewSingleResultFromDocument(bson.D{}, mongo.ErrNoDocuments, nil)
	}

	return mongo.NewSingleResultFromDocument(doc, nil, nil)
}

func (f *fakeUserCollection) ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	f.replaceCalls++

	raw, err := bson.Marshal(replacement)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}

	id, ok := doc["user_id"].(int64)
	if !ok {
		return nil, fmt.Errorf("missing user_id in %v", doc)
	}
	f.docs[id] = doc

	return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (f *fakeUserCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error) {
	docs := make([]interface{}, 0, len(f.docs))
	for _, doc := range f.docs {
		docs = append(docs, doc)
	}

	return mongo.NewCursorFromDocuments(docs, nil, nil)
}

func (f *fakeUserCollection) UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	f.lastUpdateFilter = filter
	f.lastUpdate = update
	return &mongo.UpdateResult{MatchedCount: int64(len(f.docs)), ModifiedCount: int64(len(f.docs))}, nil
}
