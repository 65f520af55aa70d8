// Package social implements the chat operations carried over a live
// session: user search, connection requests, friends, messages and profile
// thumbnails.
//
// Every operation reads or writes the directory and then either replies to
// the calling session or routes envelopes to the sessions of the parties
// involved. Unknown users and connections are silent no-ops. Only
// infrastructure failures are returned as errors.
package social

import (
	"context"
	"errors"
	"strings"

	"github.com/relaychat/server/broadcast"
	"github.com/relaychat/server/config"
	"github.com/relaychat/server/directory"
	"github.com/relaychat/server/plugin/hook"
	"github.com/relaychat/server/protocol"
	"github.com/relaychat/server/storage"
	"github.com/relaychat/server/thumbnail"
	"go.uber.org/zap"
)

// Peer is the calling session as seen by an operation.
type Peer interface {
	Identity() string
	ViewerID() int64
	Reply(v any) error
}

// Service runs the chat operations.
type Service struct {
	dir     *directory.Directory
	router  *broadcast.Router
	resizer *thumbnail.Resizer
	store   storage.Store
	hooks   *hook.Center
	present presenter
	logger  *zap.Logger
}

// NewService creates a Service. hooks may be nil.
func NewService(
	dir *directory.Directory,
	router *broadcast.Router,
	resizer *thumbnail.Resizer,
	store storage.Store,
	hooks *hook.Center,
	chat config.ChatConfig,
	logger *zap.Logger,
) *Service {
	if hooks == nil {
		hooks = hook.NewCenter()
	}
	preview := chat.NewConnectionPreview
	if preview == "" {
		preview = "New connection"
	}
	return &Service{
		dir:     dir,
		router:  router,
		resizer: resizer,
		store:   store,
		hooks:   hooks,
		present: presenter{store: store, preview: preview},
		logger:  logger,
	}
}

// Profile renders u the way it appears in envelopes.
func (s *Service) Profile(u directory.UserRecord) protocol.UserSummary {
	return s.present.user(u)
}

func (s *Service) notFound(p Peer, op protocol.Op, err error, fields ...zap.Field) bool {
	if !errors.Is(err, directory.ErrNotFound) {
		return false
	}
	s.logger.Info("target not found",
		append([]zap.Field{zap.String("username", p.Identity()), zap.String("source", string(op))}, fields...)...)
	return true
}

// routeTo encodes {source, data} once and delivers it to each identity.
func (s *Service) routeTo(ctx context.Context, op protocol.Op, data any, identities ...string) error {
	frame, err := protocol.EncodeRouted(op, data)
	if err != nil {
		return err
	}
	for _, id := range identities {
		s.router.RouteRaw(ctx, id, frame)
	}
	return nil
}

func (s *Service) after(ctx context.Context, ev hook.Event, data any) {
	if _, err := s.hooks.Trigger(ctx, ev, data); err != nil {
		s.logger.Warn("hook failed", zap.String("event", string(ev)), zap.Error(err))
	}
}

// Search replies with users matching query, annotated with their relation
// to the caller.
func (s *Service) Search(ctx context.Context, p Peer, query string) error {
	hits, err := s.dir.Search(ctx, p.ViewerID(), query)
	if err != nil {
		return err
	}
	return p.Reply(protocol.SearchReply{
		Source:  protocol.OpSearch,
		Results: s.present.searchResults(hits),
	})
}

// Connect get-or-creates the request from the caller to username. The
// caller receives the target profile directly, then both parties receive
// the connection record.
func (s *Service) Connect(ctx context.Context, p Peer, username string) error {
	target, err := s.dir.UserByUsername(ctx, username)
	if s.notFound(p, protocol.OpRequestConnect, err, zap.String("target", username)) {
		return nil
	}
	if err != nil {
		return err
	}
	if target.ID == p.ViewerID() {
		s.logger.Info("ignoring self connect", zap.String("username", p.Identity()))
		return nil
	}

	rec, created, err := s.dir.GetOrCreateConnection(ctx, p.ViewerID(), target.ID)
	if err != nil {
		return err
	}
	if err := p.Reply(protocol.ConnectReply{
		Source:   protocol.OpRequestConnect,
		Receiver: s.present.user(target),
	}); err != nil {
		return err
	}
	if err := s.routeTo(ctx, protocol.OpRequestConnect, s.present.connection(rec),
		rec.Sender.Username, rec.Receiver.Username); err != nil {
		return err
	}
	if created {
		s.after(ctx, hook.AfterRequestConnect, rec)
	}
	return nil
}

// Accept accepts the pending request sent by username to the caller and
// routes the updated record to both parties.
func (s *Service) Accept(ctx context.Context, p Peer, username string) error {
	rec, err := s.dir.AcceptRequest(ctx, username, p.ViewerID())
	if s.notFound(p, protocol.OpRequestAccept, err, zap.String("sender", username)) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.routeTo(ctx, protocol.OpRequestAccept, s.present.connection(rec),
		rec.Sender.Username, rec.Receiver.Username); err != nil {
		return err
	}
	s.after(ctx, hook.AfterRequestAccept, rec)
	return nil
}

// Decline removes the pending request sent by username to the caller and
// routes the removed record to both parties.
func (s *Service) Decline(ctx context.Context, p Peer, username string) error {
	rec, err := s.dir.DeclineRequest(ctx, username, p.ViewerID())
	if s.notFound(p, protocol.OpRequestDecline, err, zap.String("sender", username)) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.routeTo(ctx, protocol.OpRequestDecline, s.present.connection(rec),
		rec.Sender.Username, rec.Receiver.Username); err != nil {
		return err
	}
	s.after(ctx, hook.AfterRequestDecline, rec)
	return nil
}

// ListRequests routes the caller's pending incoming requests to all of the
// caller's sessions.
func (s *Service) ListRequests(ctx context.Context, p Peer) error {
	recs, err := s.dir.PendingRequests(ctx, p.ViewerID())
	if err != nil {
		return err
	}
	return s.routeTo(ctx, protocol.OpRequestList, s.present.connections(recs), p.Identity())
}

// ListFriends routes the caller's accepted connections, most recently
// active first, to all of the caller's sessions.
func (s *Service) ListFriends(ctx context.Context, p Peer) error {
	recs, err := s.dir.Friends(ctx, p.ViewerID())
	if err != nil {
		return err
	}
	return s.routeTo(ctx, protocol.OpFriendsList, s.present.friends(recs), p.Identity())
}

// party resolves an accepted connection the caller belongs to.
func (s *Service) party(ctx context.Context, p Peer, op protocol.Op, connectionID int64) (directory.ConnectionRecord, bool, error) {
	conn, err := s.dir.Connection(ctx, connectionID)
	if s.notFound(p, op, err, zap.Int64("connection_id", connectionID)) {
		return conn, false, nil
	}
	if err != nil {
		return conn, false, err
	}
	if !conn.Involves(p.ViewerID()) {
		s.logger.Warn("connection does not involve caller",
			zap.String("username", p.Identity()),
			zap.String("source", string(op)),
			zap.Int64("connection_id", connectionID))
		return conn, false, nil
	}
	if !conn.Accepted {
		s.logger.Info("connection not accepted",
			zap.String("username", p.Identity()),
			zap.String("source", string(op)),
			zap.Int64("connection_id", connectionID))
		return conn, false, nil
	}
	return conn, true, nil
}

// SendMessage stores a message on the connection and routes it to both
// parties, each seeing the other as friend.
func (s *Service) SendMessage(ctx context.Context, p Peer, connectionID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	conn, ok, err := s.party(ctx, p, protocol.OpMessageSend, connectionID)
	if !ok || err != nil {
		return err
	}

	draft := &hook.MessageDraft{Author: p.Identity(), ConnectionID: conn.ID, Text: text}
	out, err := s.hooks.Trigger(ctx, hook.BeforeMessageSend, draft)
	if errors.Is(err, hook.ErrInterrupt) {
		s.logger.Info("message rejected by hook",
			zap.String("username", p.Identity()),
			zap.Int64("connection_id", conn.ID),
			zap.Error(err))
		return nil
	}
	if err != nil {
		s.logger.Warn("hook failed", zap.String("event", string(hook.BeforeMessageSend)), zap.Error(err))
	}
	if d, ok := out.(*hook.MessageDraft); ok && d != nil {
		draft = d
	}
	if strings.TrimSpace(draft.Text) == "" {
		return nil
	}

	msg, err := s.dir.CreateMessage(ctx, conn.ID, p.ViewerID(), draft.Text)
	if err != nil {
		return err
	}

	me := p.ViewerID()
	friend := conn.Counterparty(me)
	var self directory.UserRecord
	if conn.Sender.ID == me {
		self = conn.Sender
	} else {
		self = conn.Receiver
	}

	if err := s.routeTo(ctx, protocol.OpMessageSend, protocol.MessageData{
		Message: message(msg, me),
		Friend:  s.present.user(friend),
	}, self.Username); err != nil {
		return err
	}
	if err := s.routeTo(ctx, protocol.OpMessageSend, protocol.MessageData{
		Message: message(msg, friend.ID),
		Friend:  s.present.user(self),
	}, friend.Username); err != nil {
		return err
	}
	s.after(ctx, hook.AfterMessageSend, msg)
	return nil
}

// ListMessages routes the connection's messages, newest first, with the
// counterparty profile to all of the caller's sessions.
func (s *Service) ListMessages(ctx context.Context, p Peer, connectionID int64) error {
	conn, ok, err := s.party(ctx, p, protocol.OpMessageList, connectionID)
	if !ok || err != nil {
		return err
	}
	recs, err := s.dir.Messages(ctx, conn.ID)
	if err != nil {
		return err
	}
	return s.routeTo(ctx, protocol.OpMessageList, protocol.MessageListData{
		Messages: messages(recs, p.ViewerID()),
		Friend:   s.present.user(conn.Counterparty(p.ViewerID())),
	}, p.Identity())
}

// UpdateThumbnail resizes the uploaded image, stores it as the caller's
// thumbnail and replies with the updated profile. Failures are reported to
// the caller as an error envelope.
func (s *Service) UpdateThumbnail(ctx context.Context, p Peer, encoded, filename string) error {
	user, err := s.updateThumbnail(ctx, p, encoded)
	if err != nil {
		s.logger.Warn("thumbnail update failed",
			zap.String("username", p.Identity()),
			zap.String("filename", filename),
			zap.Error(err))
		return p.Reply(protocol.ErrorReply{Error: "Error processing image: " + err.Error()})
	}
	if err := p.Reply(protocol.ThumbnailReply{Source: protocol.OpThumbnail, User: user}); err != nil {
		return err
	}
	s.after(ctx, hook.AfterThumbnail, user)
	return nil
}

func (s *Service) updateThumbnail(ctx context.Context, p Peer, encoded string) (protocol.UserSummary, error) {
	data, err := thumbnail.DecodeBase64(encoded)
	if err != nil {
		return protocol.UserSummary{}, err
	}
	res, err := s.resizer.Resize(ctx, data)
	if err != nil {
		return protocol.UserSummary{}, err
	}
	key := thumbnail.Key(p.Identity())
	if err := s.store.Put(ctx, key, res.Data, thumbnail.ContentType); err != nil {
		return protocol.UserSummary{}, err
	}
	rec, err := s.dir.SetThumbnail(ctx, p.ViewerID(), key)
	if err != nil {
		return protocol.UserSummary{}, err
	}
	user := s.present.user(rec)
	user.ThumbnailBase64 = res.DataURL()
	return user, nil
}
