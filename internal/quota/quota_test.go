package quota

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"tg_ai_relay_bot/internal/domain"
)

type stubUsers struct {
	users map[int64]domain.User
	err   error
}

func (s *stubUsers) Get(ctx context.Context, userID int64) (domain.User, error) {
	if s.err != nil {
		return domain.User{}, s.err
	}
	user, ok := s.users[userID]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return user, nil
}

type stubRoles struct {
	admins map[int64]bool
	vips   map[int64]bool
}

func (s *stubRoles) IsAdmin(userID int64) bool { return s.admins[userID] }
func (s *stubRoles) IsVIP(userID int64) bool   { return s.vips[userID] }

func newTestEnforcer(t *testing.T) (*Enforcer, *stubUsers, *stubRoles) {
	t.Helper()

	logger, _ := logtest.NewNullLogger()
	users := &stubUsers{users: map[int64]domain.User{}}
	roles := &stubRoles{admins: map[int64]bool{}, vips: map[int64]bool{}}
	return NewEnforcer(users, roles, logrus.NewEntry(logger)), users, roles
}

func TestPrivilegedUsersAreUnlimited(t *testing.T) {
	enforcer, users, roles := newTestEnforcer(t)
	ctx := context.Background()

	// Well past any limit; privilege must win regardless.
	users.users[1] = domain.User{UserID: 1, UsedQuota: 999, QuotaLimit: 50}
	roles.admins[1] = true
	users.users[2] = domain.User{UserID: 2, UsedQuota: 999, QuotaLimit: 50}
	roles.vips[2] = true

	for _, id := range []int64{1, 2} {
		decision, err := enforcer.CanConsume(ctx, id)
		if err != nil {
			t.Fatalf("check returned error: %v", err)
		}
		if !decision.Allowed || decision.Reason != ReasonUnlimited {
			t.Fatalf("expected unlimited for user %d, got %+v", id, decision)
		}
	}
}

func TestUnknownUserIsAllowedAsNew(t *testing.T) {
	enforcer, _, _ := newTestEnforcer(t)

	decision, err := enforcer.CanConsume(context.Background(), 42)
	if err != nil {
		t.Fatalf("check returned error: %v", err)
	}
	if !decision.Allowed || decision.Reason != ReasonNew {
		t.Fatalf("expected new-user allowance, got %+v", decision)
	}
}

func TestKnownUserAllowedUntilLimit(t *testing.T) {
	enforcer, users, _ := newTestEnforcer(t)
	ctx := context.Background()

	users.users[7] = domain.User{UserID: 7, UsedQuota: 49, QuotaLimit: 50}

	decision, err := enforcer.CanConsume(ctx, 7)
	if err != nil {
		t.Fatalf("check returned error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected user under limit to be allowed, got %+v", decision)
	}
	if !strings.Contains(decision.Reason, "1 remaining") {
		t.Fatalf("expected remaining count in reason, got %q", decision.Reason)
	}
}

func TestExhaustedUserIsDeniedWithCounts(t *testing.T) {
	enforcer, users, _ := newTestEnforcer(t)
	ctx := context.Background()

	users.users[7] = domain.User{UserID: 7, UsedQuota: 50, QuotaLimit: 50}

	decision, err := enforcer.CanConsume(ctx, 7)
	if err != nil {
		t.Fatalf("check returned error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected exhausted user to be denied, got %+v", decision)
	}
	if !strings.Contains(decision.Reason, "50/50") {
		t.Fatalf("expected used/limit pair in reason, got %q", decision.Reason)
	}
	if decision.Used != 50 || decision.Limit != 50 {
		t.Fatalf("expected counters in decision, got %+v", decision)
	}
}

func TestGrantingVIPLiftsExhaustion(t *testing.T) {
	enforcer, users, roles := newTestEnforcer(t)
	ctx := context.Background()

	users.users[7] = domain.User{UserID: 7, UsedQuota: 50, QuotaLimit: 50}

	decision, err := enforcer.CanConsume(ctx, 7)
	if err != nil {
		t.Fatalf("check returned error: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected denial before VIP grant")
	}

	roles.vips[7] = true

	decision, err = enforcer.CanConsume(ctx, 7)
	if err != nil {
		t.Fatalf("check returned error: %v", err)
	}
	if !decision.Allowed || decision.Reason != ReasonUnlimited {
		t.Fatalf("expected unlimited after VIP grant, got %+v", decision)
	}
}

func TestCorruptRecordTreatedAsNew(t *testing.T) {
	enforcer, users, _ := newTestEnforcer(t)
	users.err = domain.ErrCorruptRecord

	decision, err := enforcer.CanConsume(context.Background(), 7)
	if err != nil {
		t.Fatalf("expected corrupt record to be tolerated, got error: %v", err)
	}
	if !decision.Allowed || decision.Reason != ReasonNew {
		t.Fatalf("expected new-user allowance, got %+v", decision)
	}
}

func TestStorageErrorsPropagate(t *testing.T) {
	enforcer, users, _ := newTestEnforcer(t)
	users.err = errors.New("store down")

	if _, err := enforcer.CanConsume(context.Background(), 7); err == nil {
		t.Fatalf("expected storage error to propagate")
	}
}
