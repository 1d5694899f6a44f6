package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// MessageRecord is one entry of a user's message history. Only the hash is
// known on-chain; message text and timestamp are filled in locally when available.
type MessageRecord struct {
	Hash      string `json:"hash"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// MessageHistory is stored as a JSON document in a single column.
type MessageHistory []MessageRecord

// Value implements driver.Valuer.
func (h MessageHistory) Value() (driver.Value, error) {
	if h == nil {
		h = MessageHistory{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (h *MessageHistory) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*h = MessageHistory{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported message_history type %T", src)
	}
	if len(raw) == 0 {
		*h = MessageHistory{}
		return nil
	}
	var out MessageHistory
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	if out == nil {
		out = MessageHistory{}
	}
	*h = out
	return nil
}

// GormDataType keeps the column portable across postgres, mysql and sqlite.
func (MessageHistory) GormDataType() string {
	return "text"
}

// User mirrors a MonaScore account. Address is the lowercase hex account and the
// primary key; ReferralCode is globally unique; Referrer is the referral code of
// another user, never an owning reference.
type User struct {
	Address        string         `gorm:"primaryKey;size:42" json:"address"`
	Points         int64          `gorm:"not null;default:0" json:"points"`
	ReferralCode   string         `gorm:"size:64;uniqueIndex;not null" json:"referralCode"`
	Referrer       *string        `gorm:"size:64;index" json:"referrer,omitempty"`
	MessageHistory MessageHistory `gorm:"column:message_history" json:"messageHistory"`
	LastClaim      int64          `gorm:"not null;default:0" json:"lastClaim"`
	Registered     bool           `gorm:"not null;default:false" json:"registered"`
	CreatedAt      time.Time      `json:"-"`
	UpdatedAt      time.Time      `json:"-"`
}

// BeforeCreate hook ensures timestamps are set even when not provided.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.MessageHistory == nil {
		u.MessageHistory = MessageHistory{}
	}
	return nil
}

// BeforeUpdate ensures the UpdatedAt timestamp is refreshed.
func (u *User) BeforeUpdate(tx *gorm.DB) error {
	u.UpdatedAt = time.Now()
	return nil
}

// ReferrerCode returns the referrer code or "" when the user has none.
func (u User) ReferrerCode() string {
	if u.Referrer == nil {
		return ""
	}
	return *u.Referrer
}
