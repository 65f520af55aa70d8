package directory

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/relaychat/server/model"
)

// UserRecord is a read-only view of a user row.
type UserRecord struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	Email     string
	Thumbnail string // storage key, empty when unset
	Avatar    []byte // raw JSON, nil when unset
}

// DisplayName joins the capitalised first and last names.
func (u UserRecord) DisplayName() string {
	return capitalize(u.FirstName) + " " + capitalize(u.LastName)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[n:])
}

// ConnectionRecord is a connection with both parties resolved.
type ConnectionRecord struct {
	ID       int64
	Sender   UserRecord
	Receiver UserRecord
	Accepted bool
	Created  time.Time
	Updated  time.Time
}

// Involves reports whether userID is one of the two parties.
func (c ConnectionRecord) Involves(userID int64) bool {
	return c.Sender.ID == userID || c.Receiver.ID == userID
}

// Counterparty returns the party that is not userID.
func (c ConnectionRecord) Counterparty(userID int64) UserRecord {
	if c.Sender.ID == userID {
		return c.Receiver
	}
	return c.Sender
}

// MessageRecord is an immutable chat line.
type MessageRecord struct {
	ID           int64
	ConnectionID int64
	AuthorID     int64
	Text         string
	Created      time.Time
}

// FriendRecord is an accepted connection seen from one party, decorated
// with its most recent activity.
type FriendRecord struct {
	ConnectionID int64
	Friend       UserRecord
	Preview      string
	Updated      time.Time
}

// Status is the relation of a search hit to the viewer.
type Status string

const (
	StatusNoConnection Status = "no-connection"
	StatusPendingThem  Status = "pending-them" // viewer asked, hit has not answered
	StatusPendingMe    Status = "pending-me"   // hit asked, viewer has not answered
	StatusConnected    Status = "connected"
)

// SearchHit is one search result with its status relative to the viewer.
type SearchHit struct {
	User   UserRecord
	Status Status
}

// NewUser carries the fields required to register an account.
type NewUser struct {
	Username     string
	FirstName    string
	LastName     string
	Email        string
	PasswordHash string
	Avatar       []byte
}

func toUserRecord(u model.User) UserRecord {
	var avatar []byte
	if len(u.Avatar) > 0 {
		avatar = []byte(u.Avatar)
	}
	return UserRecord{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Thumbnail: u.Thumbnail,
		Avatar:    avatar,
	}
}

func toMessageRecord(m model.Message) MessageRecord {
	return MessageRecord{
		ID:           m.ID,
		ConnectionID: m.ConnectionID,
		AuthorID:     m.UserID,
		Text:         m.Text,
		Created:      m.CreatedAt,
	}
}

// relation folds the connection rows between viewer and one other user into
// a single status. Connected wins over pending-them, which wins over pending-me.
func relation(viewerID int64, rows []model.Connection) Status {
	status := StatusNoConnection
	for _, c := range rows {
		switch {
		case c.Accepted:
			return StatusConnected
		case c.SenderID == viewerID:
			status = StatusPendingThem
		case status != StatusPendingThem:
			status = StatusPendingMe
		}
	}
	return status
}
