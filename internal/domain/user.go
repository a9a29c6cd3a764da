package domain

import "time"

// User is the per-identity record tracked for every Telegram user that has
// ever messaged the bot. UserID is the immutable primary key; everything else
// is refreshed best-effort on each interaction.
type User struct {
	UserID       int64     `bson:"user_id" json:"user_id"`
	Username     string    `bson:"username" json:"username"`
	FirstName    string    `bson:"first_name" json:"first_name"`
	MessageCount int64     `bson:"message_count" json:"message_count"`
	UsedQuota    int       `bson:"used_quota" json:"used_quota"`
	QuotaLimit   int       `bson:"quota_limit" json:"quota_limit"`
	Points       int       `bson:"points" json:"points"`
	FirstSeen    time.Time `bson:"first_seen" json:"first_seen"`
	LastSeen     time.Time `bson:"last_seen" json:"last_seen"`
}

// QuotaRemaining reports how many free messages are left. Privilege checks are
// the caller's concern; this is plain counter arithmetic.
func (u User) QuotaRemaining() int {
	remaining := u.QuotaLimit - u.UsedQuota
	if remaining < 0 {
		return 0
	}
	return remaining
}
