package ws

import (
	"context"
	"fmt"

	"github.com/relaychat/server/presence"
	"github.com/relaychat/server/protocol"
)

// thumbnailAudit is what gets recorded for a thumbnail upload; the image
// itself is left out of the audit row.
type thumbnailAudit struct {
	Filename string `json:"filename"`
	Bytes    int    `json:"base64_len"`
}

// bind decodes the operation fields of frame into v and validates them.
func (r *Router) bind(frame []byte, v any) error {
	if err := protocol.DecodePayload(frame, v); err != nil {
		return err
	}
	if err := r.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrMalformed, err)
	}
	return nil
}

// handle runs op for s. It returns the decoded request for auditing.
func (r *Router) handle(ctx context.Context, s *presence.Session, op protocol.Op, frame []byte) (any, error) {
	switch op {
	case protocol.OpSearch:
		var req protocol.SearchRequest
		if err := r.bind(frame, &req); err != nil {
			return nil, err
		}
		return req, r.svc.Search(ctx, s, req.Query)

	case protocol.OpRequestConnect, protocol.OpRequestAccept, protocol.OpRequestDecline:
		var req protocol.UsernameRequest
		if err := r.bind(frame, &req); err != nil {
			return nil, err
		}
		switch op {
		case protocol.OpRequestConnect:
			return req, r.svc.Connect(ctx, s, req.Username)
		case protocol.OpRequestAccept:
			return req, r.svc.Accept(ctx, s, req.Username)
		default:
			return req, r.svc.Decline(ctx, s, req.Username)
		}

	case protocol.OpRequestList:
		return nil, r.svc.ListRequests(ctx, s)

	case protocol.OpFriendsList:
		return nil, r.svc.ListFriends(ctx, s)

	case protocol.OpMessageSend:
		var req protocol.MessageSendRequest
		if err := r.bind(frame, &req); err != nil {
			return nil, err
		}
		return req, r.svc.SendMessage(ctx, s, req.ConnectionID, req.Message)

	case protocol.OpMessageList:
		var req protocol.MessageListRequest
		if err := r.bind(frame, &req); err != nil {
			return nil, err
		}
		return req, r.svc.ListMessages(ctx, s, req.ConnectionID)

	case protocol.OpThumbnail:
		var req protocol.ThumbnailRequest
		if err := r.bind(frame, &req); err != nil {
			return nil, err
		}
		return thumbnailAudit{Filename: req.Filename, Bytes: len(req.Base64)},
			r.svc.UpdateThumbnail(ctx, s, req.Base64, req.Filename)
	}
	return nil, fmt.Errorf("%w: %s", protocol.ErrUnknownSource, op)
}
