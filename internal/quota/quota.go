// Package quota decides whether a user may spend one more free inference
// call. The decision is independent of how the message is later handled.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"tg_ai_relay_bot/internal/domain"
	"tg_ai_relay_bot/internal/logging"
)

// Reasons reported on a Decision.
const (
	ReasonUnlimited = "unlimited"
	ReasonNew       = "new"
)

type userGetter interface {
	Get(ctx context.Context, userID int64) (domain.User, error)
}

type roleChecker interface {
	IsAdmin(userID int64) bool
	IsVIP(userID int64) bool
}

// Decision is the outcome of a quota check. Used/Limit are zero for
// privileged and unknown users.
type Decision struct {
	Allowed bool
	Reason  string
	Used    int
	Limit   int
}

// Enforcer evaluates quota eligibility. It must run before the conversation
// log is appended and before any inference call, so a denied user incurs no
// cost.
type Enforcer struct {
	users  userGetter
	roles  roleChecker
	logger *logrus.Entry
}

// NewEnforcer constructs an Enforcer.
func NewEnforcer(users userGetter, roles roleChecker, logger *logrus.Entry) *Enforcer {
	if logger == nil {
		logger = logging.Logger()
	}

	return &Enforcer{
		users:  users,
		roles:  roles,
		logger: logger,
	}
}

// CanConsume reports whether the user may make one more free inference call.
// Admins and VIPs are always allowed; unknown users are allowed and will be
// initialized by the registry on first touch.
func (e *Enforcer) CanConsume(ctx context.Context, userID int64) (Decision, error) {
	if e == nil || e.users == nil || e.roles == nil {
		return Decision{}, errors.New("quota enforcer is not initialized")
	}
	if ctx == nil {
		return Decision{}, errors.New("context is required")
	}

	if e.roles.IsAdmin(userID) || e.roles.IsVIP(userID) {
		return Decision{Allowed: true, Reason: ReasonUnlimited}, nil
	}

	user, err := e.users.Get(ctx, userID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		return Decision{Allowed: true, Reason: ReasonNew}, nil
	case errors.Is(err, domain.ErrCorruptRecord):
		// The registry will rebuild the record on the next touch; do not
		// punish the user for a bad byte on disk.
		e.logger.WithFields(logging.Fields{
			"event":   "quota_record_corrupt",
			"user_id": userID,
		}).Warn("user record corrupt during quota check, treating as new")
		return Decision{Allowed: true, Reason: ReasonNew}, nil
	default:
		return Decision{}, fmt.Errorf("quota check: %w", err)
	}

	decision := Decision{Used: user.UsedQuota, Limit: user.QuotaLimit}
	if user.UsedQuota < user.QuotaLimit {
		decision.Allowed = true
		decision.Reason = fmt.Sprintf("%d remaining", user.QuotaLimit-user.UsedQuota)
		return decision, nil
	}

	decision.Reason = fmt.Sprintf("quota exhausted (%d/%d)", user.UsedQuota, user.QuotaLimit)
	return decision, nil
}
