package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Op
		wantErr error
	}{
		{"search", `{"source":"search","query":"al"}`, OpSearch, nil},
		{"decline", `{"source":"request.decline","username":"bob"}`, OpRequestDecline, nil},
		{"unknown", `{"source":"request.block"}`, "", ErrUnknownSource},
		{"missing", `{"query":"x"}`, "", ErrUnknownSource},
		{"not a string", `{"source":5}`, "", ErrUnknownSource},
		{"malformed", `{"source":`, "", ErrMalformed},
		{"empty", ``, "", ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, _, err := Decode([]byte(tt.frame))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, op)
		})
	}
}

func TestDecode_ReturnsRawSource(t *testing.T) {
	_, source, err := Decode([]byte(`{"source":"nope"}`))
	assert.ErrorIs(t, err, ErrUnknownSource)
	assert.Equal(t, "nope", source)
}

func TestDecodePayload(t *testing.T) {
	var req MessageSendRequest
	require.NoError(t, DecodePayload([]byte(`{"source":"message.send","connectionId":7,"message":"hi"}`), &req))
	assert.Equal(t, int64(7), req.ConnectionID)
	assert.Equal(t, "hi", req.Message)

	err := DecodePayload([]byte(`{"connectionId":"seven"}`), &req)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMutating(t *testing.T) {
	assert.True(t, OpMessageSend.Mutating())
	assert.True(t, OpThumbnail.Mutating())
	assert.False(t, OpSearch.Mutating())
	assert.False(t, OpFriendsList.Mutating())
}

func TestEncodeRouted(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	thumb := "/media/thumbnails/bob.jpg"
	b, err := EncodeRouted(OpRequestConnect, ConnectionSummary{
		ID:       3,
		Sender:   UserSummary{Username: "alice", Name: "Alice Smith"},
		Receiver: UserSummary{Username: "bob", Name: "Bob Jones", Thumbnail: &thumb},
		Created:  created,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"source": "request.connect",
		"data": {
			"id": 3,
			"sender": {"username": "alice", "name": "Alice Smith", "thumbnail": null},
			"receiver": {"username": "bob", "name": "Bob Jones", "thumbnail": "/media/thumbnails/bob.jpg"},
			"created": "2024-05-01T12:00:00Z"
		}
	}`, string(b))
}

func TestSearchResultFlattens(t *testing.T) {
	b, err := json.Marshal(SearchReply{
		Source:  OpSearch,
		Results: []SearchResult{{UserSummary: UserSummary{Username: "bob", Name: "Bob X"}, Status: "pending-me"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"search","results":[{"username":"bob","name":"Bob X","thumbnail":null,"status":"pending-me"}]}`, string(b))
}
