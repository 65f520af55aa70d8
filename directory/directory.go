// Package directory is the persistent store of users, connections and
// messages. Every query returns plain value records; callers never see gorm
// models or lazy relations.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/relaychat/server/model"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a user or connection does not exist.
	ErrNotFound = errors.New("directory: not found")
	// ErrUsernameTaken is returned by CreateUser on a duplicate username.
	ErrUsernameTaken = errors.New("directory: username already taken")
)

// Directory wraps a gorm handle with the queries used by the chat core.
type Directory struct {
	db *gorm.DB
}

// New creates a Directory.
func New(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// ---- users ----

// CreateUser inserts a new account.
func (d *Directory) CreateUser(ctx context.Context, nu NewUser) (UserRecord, error) {
	u := model.User{
		Username:     nu.Username,
		FirstName:    nu.FirstName,
		LastName:     nu.LastName,
		Email:        nu.Email,
		PasswordHash: nu.PasswordHash,
	}
	if len(nu.Avatar) > 0 {
		u.Avatar = datatypes.JSON(nu.Avatar)
	}
	if err := d.db.WithContext(ctx).Create(&u).Error; err != nil {
		if isUniqueViolation(err) {
			return UserRecord{}, ErrUsernameTaken
		}
		return UserRecord{}, fmt.Errorf("directory: create user: %w", err)
	}
	return toUserRecord(u), nil
}

// Credentials returns the user and its password hash.
func (d *Directory) Credentials(ctx context.Context, username string) (UserRecord, string, error) {
	var u model.User
	if err := d.db.WithContext(ctx).Where("username = ?", username).First(&u).Error; err != nil {
		return UserRecord{}, "", notFound(err)
	}
	return toUserRecord(u), u.PasswordHash, nil
}

// UserByUsername resolves an identity.
func (d *Directory) UserByUsername(ctx context.Context, username string) (UserRecord, error) {
	u, err := userByUsername(d.db.WithContext(ctx), username)
	if err != nil {
		return UserRecord{}, err
	}
	return toUserRecord(u), nil
}

// UserByID loads a user by primary key.
func (d *Directory) UserByID(ctx context.Context, id int64) (UserRecord, error) {
	var u model.User
	if err := d.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return UserRecord{}, notFound(err)
	}
	return toUserRecord(u), nil
}

// SetThumbnail stores the thumbnail key against the user.
func (d *Directory) SetThumbnail(ctx context.Context, userID int64, key string) (UserRecord, error) {
	var u model.User
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.User{}).Where("id = ?", userID).Update("thumbnail", key)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.First(&u, userID).Error
	})
	if err != nil {
		return UserRecord{}, notFound(err)
	}
	return toUserRecord(u), nil
}

// Search matches query case-insensitively against username, first and last
// name, excluding the viewer. Results are ordered by username. A blank query
// matches nobody.
func (d *Directory) Search(ctx context.Context, viewerID int64, query string) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	db := d.db.WithContext(ctx)
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"

	var users []model.User
	err := db.Where("id <> ?", viewerID).
		Where("(LOWER(username) LIKE ? ESCAPE '!' OR LOWER(first_name) LIKE ? ESCAPE '!' OR LOWER(last_name) LIKE ? ESCAPE '!')",
			pattern, pattern, pattern).
		Order("username ASC").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("directory: search: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	var rows []model.Connection
	err = db.Where("(sender_id = ? AND receiver_id IN ?) OR (receiver_id = ? AND sender_id IN ?)",
		viewerID, ids, viewerID, ids).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("directory: search relations: %w", err)
	}
	byOther := make(map[int64][]model.Connection, len(rows))
	for _, c := range rows {
		other := c.ReceiverID
		if other == viewerID {
			other = c.SenderID
		}
		byOther[other] = append(byOther[other], c)
	}

	hits := make([]SearchHit, len(users))
	for i, u := range users {
		hits[i] = SearchHit{User: toUserRecord(u), Status: relation(viewerID, byOther[u.ID])}
	}
	return hits, nil
}

// ---- connections ----

// GetOrCreateConnection returns the sender→receiver connection, creating it
// unaccepted when absent. Concurrent callers for the same pair observe the
// same row; an existing row is never modified. created reports whether this
// call inserted it.
func (d *Directory) GetOrCreateConnection(ctx context.Context, senderID, receiverID int64) (rec ConnectionRecord, created bool, err error) {
	var row model.Connection
	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "sender_id"}, {Name: "receiver_id"}},
			DoNothing: true,
		}).Create(&model.Connection{SenderID: senderID, ReceiverID: receiverID})
		if res.Error != nil {
			return res.Error
		}
		created = res.RowsAffected == 1
		return tx.Where("sender_id = ? AND receiver_id = ?", senderID, receiverID).First(&row).Error
	})
	if err != nil {
		return ConnectionRecord{}, false, fmt.Errorf("directory: get or create connection: %w", err)
	}
	rec, err = d.resolve(ctx, row)
	return rec, created, err
}

// Connection loads a connection by id.
func (d *Directory) Connection(ctx context.Context, id int64) (ConnectionRecord, error) {
	var row model.Connection
	if err := d.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return ConnectionRecord{}, notFound(err)
	}
	return d.resolve(ctx, row)
}

// AcceptRequest marks the connection from senderUsername to receiverID as
// accepted and returns the updated record.
func (d *Directory) AcceptRequest(ctx context.Context, senderUsername string, receiverID int64) (ConnectionRecord, error) {
	var row model.Connection
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sender, err := userByUsername(tx, senderUsername)
		if err != nil {
			return err
		}
		if err := tx.Where("sender_id = ? AND receiver_id = ?", sender.ID, receiverID).First(&row).Error; err != nil {
			return err
		}
		if err := tx.Model(&row).Update("accepted", true).Error; err != nil {
			return err
		}
		return tx.First(&row, row.ID).Error
	})
	if err != nil {
		return ConnectionRecord{}, notFound(err)
	}
	return d.resolve(ctx, row)
}

// DeclineRequest deletes the pending connection from senderUsername to
// receiverID, together with any messages on it, and returns the removed
// record.
func (d *Directory) DeclineRequest(ctx context.Context, senderUsername string, receiverID int64) (ConnectionRecord, error) {
	var row model.Connection
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sender, err := userByUsername(tx, senderUsername)
		if err != nil {
			return err
		}
		err = tx.Where("sender_id = ? AND receiver_id = ? AND accepted = ?", sender.ID, receiverID, false).
			First(&row).Error
		if err != nil {
			return err
		}
		if err := tx.Where("connection_id = ?", row.ID).Delete(&model.Message{}).Error; err != nil {
			return err
		}
		return tx.Delete(&model.Connection{}, row.ID).Error
	})
	if err != nil {
		return ConnectionRecord{}, notFound(err)
	}
	return d.resolve(ctx, row)
}

// PendingRequests lists unaccepted connections addressed to receiverID,
// newest first.
func (d *Directory) PendingRequests(ctx context.Context, receiverID int64) ([]ConnectionRecord, error) {
	var rows []model.Connection
	err := d.db.WithContext(ctx).
		Where("receiver_id = ? AND accepted = ?", receiverID, false).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("directory: pending requests: %w", err)
	}
	return d.resolveAll(ctx, rows)
}

// Friends lists the accepted connections of userID, most recently active
// first. Activity is the latest message time, or the connection's updated
// time when it has no messages. Preview is the latest message text and is
// empty when there are none. Each counterparty appears once.
func (d *Directory) Friends(ctx context.Context, userID int64) ([]FriendRecord, error) {
	db := d.db.WithContext(ctx)
	var rows []model.Connection
	err := db.Where("(sender_id = ? OR receiver_id = ?) AND accepted = ?", userID, userID, true).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("directory: friends: %w", err)
	}
	if len(rows) == 0 {
		return []FriendRecord{}, nil
	}

	connIDs := make([]int64, len(rows))
	userIDs := make([]int64, 0, len(rows))
	for i, c := range rows {
		connIDs[i] = c.ID
		if c.SenderID == userID {
			userIDs = append(userIDs, c.ReceiverID)
		} else {
			userIDs = append(userIDs, c.SenderID)
		}
	}

	var latest []model.Message
	sub := db.Model(&model.Message{}).Select("MAX(id)").Where("connection_id IN ?", connIDs).Group("connection_id")
	if err := db.Where("id IN (?)", sub).Find(&latest).Error; err != nil {
		return nil, fmt.Errorf("directory: latest messages: %w", err)
	}
	lastByConn := make(map[int64]model.Message, len(latest))
	for _, m := range latest {
		lastByConn[m.ConnectionID] = m
	}

	users, err := usersByID(db, userIDs)
	if err != nil {
		return nil, err
	}

	friends := make([]FriendRecord, len(rows))
	for i, c := range rows {
		f := FriendRecord{
			ConnectionID: c.ID,
			Friend:       users[userIDs[i]],
			Updated:      c.UpdatedAt,
		}
		if m, ok := lastByConn[c.ID]; ok {
			f.Preview = m.Text
			f.Updated = m.CreatedAt
		}
		friends[i] = f
	}
	sort.Slice(friends, func(a, b int) bool {
		if !friends[a].Updated.Equal(friends[b].Updated) {
			return friends[a].Updated.After(friends[b].Updated)
		}
		return friends[a].ConnectionID > friends[b].ConnectionID
	})

	// Two accepted requests in opposite directions list the counterparty
	// once, under its most recently active connection.
	seen := make(map[int64]struct{}, len(friends))
	out := friends[:0]
	for _, f := range friends {
		if _, dup := seen[f.Friend.ID]; dup {
			continue
		}
		seen[f.Friend.ID] = struct{}{}
		out = append(out, f)
	}
	return out, nil
}

// ---- messages ----

// CreateMessage appends a message to a connection.
func (d *Directory) CreateMessage(ctx context.Context, connectionID, authorID int64, text string) (MessageRecord, error) {
	m := model.Message{ConnectionID: connectionID, UserID: authorID, Text: text}
	if err := d.db.WithContext(ctx).Create(&m).Error; err != nil {
		return MessageRecord{}, fmt.Errorf("directory: create message: %w", err)
	}
	return toMessageRecord(m), nil
}

// Messages returns every message of a connection, newest first.
func (d *Directory) Messages(ctx context.Context, connectionID int64) ([]MessageRecord, error) {
	var rows []model.Message
	err := d.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("directory: messages: %w", err)
	}
	out := make([]MessageRecord, len(rows))
	for i, m := range rows {
		out[i] = toMessageRecord(m)
	}
	return out, nil
}

// ---- helpers ----

func userByUsername(db *gorm.DB, username string) (model.User, error) {
	var u model.User
	if err := db.Where("username = ?", username).First(&u).Error; err != nil {
		return model.User{}, notFound(err)
	}
	return u, nil
}

func usersByID(db *gorm.DB, ids []int64) (map[int64]UserRecord, error) {
	var users []model.User
	if err := db.Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("directory: load users: %w", err)
	}
	out := make(map[int64]UserRecord, len(users))
	for _, u := range users {
		out[u.ID] = toUserRecord(u)
	}
	return out, nil
}

func (d *Directory) resolve(ctx context.Context, row model.Connection) (ConnectionRecord, error) {
	recs, err := d.resolveAll(ctx, []model.Connection{row})
	if err != nil {
		return ConnectionRecord{}, err
	}
	return recs[0], nil
}

func (d *Directory) resolveAll(ctx context.Context, rows []model.Connection) ([]ConnectionRecord, error) {
	out := make([]ConnectionRecord, len(rows))
	if len(rows) == 0 {
		return out, nil
	}
	ids := make([]int64, 0, len(rows)*2)
	for _, c := range rows {
		ids = append(ids, c.SenderID, c.ReceiverID)
	}
	users, err := usersByID(d.db.WithContext(ctx), ids)
	if err != nil {
		return nil, err
	}
	for i, c := range rows {
		out[i] = ConnectionRecord{
			ID:       c.ID,
			Sender:   users[c.SenderID],
			Receiver: users[c.ReceiverID],
			Accepted: c.Accepted,
			Created:  c.CreatedAt,
			Updated:  c.UpdatedAt,
		}
	}
	return out, nil
}

// escapeLike escapes LIKE wildcards using '!' as the escape character.
func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// isUniqueViolation detects duplicate-key errors from common database drivers.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}
