package social

import (
	"encoding/json"

	"github.com/relaychat/server/directory"
	"github.com/relaychat/server/protocol"
	"github.com/relaychat/server/storage"
)

// presenter turns directory records into wire values. Thumbnail keys are
// resolved to public URLs through the store.
type presenter struct {
	store   storage.Store
	preview string
}

func (p presenter) user(u directory.UserRecord) protocol.UserSummary {
	out := protocol.UserSummary{
		Username: u.Username,
		Name:     u.DisplayName(),
	}
	if u.Thumbnail != "" && p.store != nil {
		url := p.store.URL(u.Thumbnail)
		out.Thumbnail = &url
	}
	if len(u.Avatar) > 0 {
		out.Avatar = json.RawMessage(u.Avatar)
	}
	return out
}

func (p presenter) connection(c directory.ConnectionRecord) protocol.ConnectionSummary {
	return protocol.ConnectionSummary{
		ID:       c.ID,
		Sender:   p.user(c.Sender),
		Receiver: p.user(c.Receiver),
		Created:  c.Created,
	}
}

func (p presenter) connections(recs []directory.ConnectionRecord) []protocol.ConnectionSummary {
	out := make([]protocol.ConnectionSummary, 0, len(recs))
	for _, c := range recs {
		out = append(out, p.connection(c))
	}
	return out
}

func (p presenter) friends(recs []directory.FriendRecord) []protocol.FriendSummary {
	out := make([]protocol.FriendSummary, 0, len(recs))
	for _, f := range recs {
		preview := f.Preview
		if preview == "" {
			preview = p.preview
		}
		out = append(out, protocol.FriendSummary{
			ID:      f.ConnectionID,
			Friend:  p.user(f.Friend),
			Preview: preview,
			Updated: f.Updated,
		})
	}
	return out
}

func (p presenter) searchResults(hits []directory.SearchHit) []protocol.SearchResult {
	out := make([]protocol.SearchResult, 0, len(hits))
	for _, h := range hits {
		out = append(out, protocol.SearchResult{UserSummary: p.user(h.User), Status: string(h.Status)})
	}
	return out
}

// message renders m as seen by viewerID.
func message(m directory.MessageRecord, viewerID int64) protocol.MessageSummary {
	return protocol.MessageSummary{
		ID:      m.ID,
		IsMe:    m.AuthorID == viewerID,
		Text:    m.Text,
		Created: m.Created,
	}
}

func messages(recs []directory.MessageRecord, viewerID int64) []protocol.MessageSummary {
	out := make([]protocol.MessageSummary, 0, len(recs))
	for _, m := range recs {
		out = append(out, message(m, viewerID))
	}
	return out
}
