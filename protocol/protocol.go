// Package protocol defines the JSON envelopes exchanged over a live session.
//
// Inbound frames are flat objects tagged by "source". Outbound frames are
// either direct replies ({source, ...payload}), routed events
// ({source, data}) or errors ({error}).
package protocol

import (
	stdjson "encoding/json"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Op is the closed set of operations selectable by "source".
type Op string

const (
	OpSearch         Op = "search"
	OpRequestConnect Op = "request.connect"
	OpRequestAccept  Op = "request.accept"
	OpRequestDecline Op = "request.decline"
	OpRequestList    Op = "request.list"
	OpFriendsList    Op = "friends.list"
	OpMessageSend    Op = "message.send"
	OpMessageList    Op = "message.list"
	OpThumbnail      Op = "thumbnail"
)

var (
	ErrMalformed     = errors.New("protocol: malformed envelope")
	ErrUnknownSource = errors.New("protocol: unknown source")
)

// ParseOp maps a source string onto the closed Op set.
func ParseOp(source string) (Op, bool) {
	switch op := Op(source); op {
	case OpSearch, OpRequestConnect, OpRequestAccept, OpRequestDecline, OpRequestList,
		OpFriendsList, OpMessageSend, OpMessageList, OpThumbnail:
		return op, true
	}
	return "", false
}

// Mutating reports whether op writes to the directory or storage.
func (op Op) Mutating() bool {
	switch op {
	case OpRequestConnect, OpRequestAccept, OpRequestDecline, OpMessageSend, OpThumbnail:
		return true
	}
	return false
}

// Decode extracts the operation from an inbound frame. It returns
// ErrMalformed when the frame is not a JSON object and ErrUnknownSource when
// "source" is missing or not a known operation; the returned string is the
// raw source for logging.
func Decode(frame []byte) (Op, string, error) {
	if !json.Valid(frame) {
		return "", "", ErrMalformed
	}
	v := jsoniter.Get(frame, "source")
	if v.ValueType() != jsoniter.StringValue {
		return "", "", ErrUnknownSource
	}
	source := v.ToString()
	op, ok := ParseOp(source)
	if !ok {
		return "", source, ErrUnknownSource
	}
	return op, source, nil
}

// DecodePayload unmarshals the operation fields of frame into v.
func DecodePayload(frame []byte, v any) error {
	if err := json.Unmarshal(frame, v); err != nil {
		return errors.Join(ErrMalformed, err)
	}
	return nil
}

// ---- inbound payloads ----

type SearchRequest struct {
	Query string `json:"query" validate:"max=150"`
}

// UsernameRequest targets another user (request.connect/accept/decline).
type UsernameRequest struct {
	Username string `json:"username" validate:"required,max=150"`
}

type MessageListRequest struct {
	ConnectionID int64 `json:"connectionId" validate:"required,gt=0"`
}

type MessageSendRequest struct {
	ConnectionID int64  `json:"connectionId" validate:"required,gt=0"`
	Message      string `json:"message"`
}

type ThumbnailRequest struct {
	Base64   string `json:"base64"`
	Filename string `json:"filename" validate:"max=255"`
}

// ---- outbound values ----

// UserSummary is the public profile of a user.
type UserSummary struct {
	Username        string             `json:"username"`
	Name            string             `json:"name"`
	Thumbnail       *string            `json:"thumbnail"`
	Avatar          stdjson.RawMessage `json:"avatar,omitempty"`
	ThumbnailBase64 string             `json:"thumbnail_base64,omitempty"`
}

// SearchResult is a profile annotated with its relation to the viewer.
type SearchResult struct {
	UserSummary
	Status string `json:"status"`
}

type ConnectionSummary struct {
	ID       int64       `json:"id"`
	Sender   UserSummary `json:"sender"`
	Receiver UserSummary `json:"receiver"`
	Created  time.Time   `json:"created"`
}

type FriendSummary struct {
	ID      int64       `json:"id"`
	Friend  UserSummary `json:"friend"`
	Preview string      `json:"preview"`
	Updated time.Time   `json:"updated"`
}

// MessageSummary is a message seen by one party; IsMe is true for its author.
type MessageSummary struct {
	ID      int64     `json:"id"`
	IsMe    bool      `json:"is_me"`
	Text    string    `json:"text"`
	Created time.Time `json:"created"`
}

type MessageData struct {
	Message MessageSummary `json:"message"`
	Friend  UserSummary    `json:"friend"`
}

type MessageListData struct {
	Messages []MessageSummary `json:"messages"`
	Friend   UserSummary      `json:"friend"`
}

// ---- envelopes ----

// Routed is the shape of every envelope delivered through the broadcast router.
type Routed struct {
	Source Op  `json:"source"`
	Data   any `json:"data"`
}

type SearchReply struct {
	Source  Op             `json:"source"`
	Results []SearchResult `json:"results"`
}

type ConnectReply struct {
	Source   Op          `json:"source"`
	Receiver UserSummary `json:"receiver"`
}

type ThumbnailReply struct {
	Source Op          `json:"source"`
	User   UserSummary `json:"user"`
}

type ErrorReply struct {
	Error string `json:"error"`
}

// EncodeRouted marshals a routed envelope once so it can be fanned out as bytes.
func EncodeRouted(source Op, data any) ([]byte, error) {
	return json.Marshal(Routed{Source: source, Data: data})
}
