package integration

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/relaychat/server/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 3 * time.Second

func connectionID(t *testing.T, env map[string]any) float64 {
	t.Helper()
	id, ok := Data(t, env)["id"].(float64)
	require.True(t, ok, "connection envelope without id: %v", env)
	return id
}

// befriend runs request.connect then request.accept and returns the
// connection id, draining the envelopes both sides receive.
func befriend(t *testing.T, a *WSClient, bUsername string, b *WSClient, aUsername string) float64 {
	t.Helper()
	a.Send("request.connect", map[string]any{"username": bUsername})
	reply := a.Recv("request.connect", wait)
	require.Nil(t, reply["data"], "direct reply comes first")
	a.Recv("request.connect", wait)
	id := connectionID(t, b.Recv("request.connect", wait))

	b.Send("request.accept", map[string]any{"username": aUsername})
	assert.Equal(t, id, connectionID(t, a.Recv("request.accept", wait)))
	assert.Equal(t, id, connectionID(t, b.Recv("request.accept", wait)))
	return id
}

func TestChatFlow_ConnectAcceptMessage(t *testing.T) {
	ts := NewTestServer(t)
	alice, bob := UniqueID("alice"), UniqueID("bob")
	_, wa := ts.Online(t, alice)
	_, wb := ts.Online(t, bob)

	// Search shows bob as a stranger.
	wa.Send("search", map[string]any{"query": bob})
	res := wa.Recv("search", wait)["results"].([]any)
	require.Len(t, res, 1)
	hit := res[0].(map[string]any)
	assert.Equal(t, bob, hit["username"])
	assert.Equal(t, "no-connection", hit["status"])

	// Connect: direct reply carries the receiver profile, routed envelope
	// carries the connection record.
	wa.Send("request.connect", map[string]any{"username": bob})
	reply := wa.Recv("request.connect", wait)
	assert.Equal(t, bob, reply["receiver"].(map[string]any)["username"])
	routed := Data(t, wa.Recv("request.connect", wait))
	assert.Equal(t, alice, routed["sender"].(map[string]any)["username"])
	assert.Equal(t, bob, routed["receiver"].(map[string]any)["username"])
	id := connectionID(t, wb.Recv("request.connect", wait))

	// Bob sees the pending request.
	wb.Send("request.list", nil)
	pending := wb.Recv("request.list", wait)["data"].([]any)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].(map[string]any)["id"])

	// Accept reaches both.
	wb.Send("request.accept", map[string]any{"username": alice})
	assert.Equal(t, id, connectionID(t, wa.Recv("request.accept", wait)))
	assert.Equal(t, id, connectionID(t, wb.Recv("request.accept", wait)))

	// Message: each party sees itself as author or not, and the other as friend.
	wa.Send("message.send", map[string]any{"connectionId": id, "message": "hi"})
	mine := Data(t, wa.Recv("message.send", wait))
	assert.Equal(t, true, mine["message"].(map[string]any)["is_me"])
	assert.Equal(t, "hi", mine["message"].(map[string]any)["text"])
	assert.Equal(t, bob, mine["friend"].(map[string]any)["username"])

	theirs := Data(t, wb.Recv("message.send", wait))
	assert.Equal(t, false, theirs["message"].(map[string]any)["is_me"])
	assert.Equal(t, alice, theirs["friend"].(map[string]any)["username"])

	// History from bob's side.
	wb.Send("message.list", map[string]any{"connectionId": id})
	hist := Data(t, wb.Recv("message.list", wait))
	msgs := hist["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].(map[string]any)["text"])
	assert.Equal(t, false, msgs[0].(map[string]any)["is_me"])
	assert.Equal(t, alice, hist["friend"].(map[string]any)["username"])

	// Friends list carries the latest message as preview.
	wa.Send("friends.list", nil)
	friends := wa.Recv("friends.list", wait)["data"].([]any)
	require.Len(t, friends, 1)
	f := friends[0].(map[string]any)
	assert.Equal(t, "hi", f["preview"])
	assert.Equal(t, bob, f["friend"].(map[string]any)["username"])
}

func TestChatFlow_EverySessionReceives(t *testing.T) {
	ts := NewTestServer(t)
	alice, bob := UniqueID("alice"), UniqueID("bob")
	tokenA, wa1 := ts.Online(t, alice)
	wa2 := ts.ConnectWS(t, alice, tokenA)
	_, wb := ts.Online(t, bob)

	id := befriend(t, wb, alice, wa1, bob)
	wa2.Recv("request.accept", wait)

	wb.Send("message.send", map[string]any{"connectionId": id, "message": "to both tabs"})
	for _, w := range []*WSClient{wa1, wa2} {
		got := Data(t, w.Recv("message.send", wait))
		assert.Equal(t, "to both tabs", got["message"].(map[string]any)["text"])
		assert.Equal(t, false, got["message"].(map[string]any)["is_me"])
	}
}

func TestChatFlow_OfflineReceiverSeesRequestLater(t *testing.T) {
	ts := NewTestServer(t)
	alice, bob := UniqueID("alice"), UniqueID("bob")
	_, wa := ts.Online(t, alice)
	tokenB := ts.SignUp(t, bob, "bobpass")

	wa.Send("request.connect", map[string]any{"username": bob})
	wa.Recv("request.connect", wait)
	id := connectionID(t, wa.Recv("request.connect", wait))

	wb := ts.ConnectWS(t, bob, tokenB)
	wb.ExpectSilence(100 * time.Millisecond)
	wb.Send("request.list", nil)
	pending := wb.Recv("request.list", wait)["data"].([]any)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].(map[string]any)["id"])
}

func TestChatFlow_RacingConnectsShareOneConnection(t *testing.T) {
	ts := NewTestServer(t)
	alice, bob := UniqueID("alice"), UniqueID("bob")
	tokenA, wa1 := ts.Online(t, alice)
	wa2 := ts.ConnectWS(t, alice, tokenA)
	_, wb := ts.Online(t, bob)

	var wg sync.WaitGroup
	for _, w := range []*WSClient{wa1, wa2} {
		wg.Add(1)
		go func(w *WSClient) {
			defer wg.Done()
			w.Send("request.connect", map[string]any{"username": bob})
		}(w)
	}
	wg.Wait()

	first := connectionID(t, wb.Recv("request.connect", wait))
	second := connectionID(t, wb.Recv("request.connect", wait))
	assert.Equal(t, first, second)

	var n int64
	require.NoError(t, ts.DB.Model(&model.Connection{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestChatFlow_UnknownTargetsAreIgnored(t *testing.T) {
	ts := NewTestServer(t)
	_, wa := ts.Online(t, UniqueID("alice"))

	wa.Send("request.connect", map[string]any{"username": "nobody"})
	wa.Send("request.accept", map[string]any{"username": "nobody"})
	wa.Send("message.list", map[string]any{"connectionId": 424242})
	wa.Send("message.send", map[string]any{"connectionId": 424242, "message": "x"})
	wa.ExpectSilence(200 * time.Millisecond)

	// The session is still usable.
	wa.Send("search", map[string]any{"query": "nobody"})
	assert.Empty(t, wa.Recv("search", wait)["results"])
}

func TestChatFlow_Thumbnail(t *testing.T) {
	ts := NewTestServer(t)
	alice := UniqueID("alice")
	_, wa := ts.Online(t, alice)

	img := image.NewRGBA(image.Rect(0, 0, 800, 400))
	for x := 0; x < 800; x++ {
		for y := 0; y < 400; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	wa.Send("thumbnail", map[string]any{
		"base64":   "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
		"filename": "me.png",
	})
	user := wa.Recv("thumbnail", wait)["user"].(map[string]any)
	assert.Equal(t, alice, user["username"])
	assert.Contains(t, user["thumbnail_base64"], "data:image/jpeg;base64,")
	url, ok := user["thumbnail"].(string)
	require.True(t, ok)
	assert.Equal(t, "/media/thumbnails/"+alice+".jpg", url)

	resp, err := http.Get(ts.URL + url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decoded, format, err := image.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 400, decoded.Bounds().Dx())
	assert.Equal(t, 200, decoded.Bounds().Dy())
}

func TestChatFlow_BadThumbnailRepliesError(t *testing.T) {
	ts := NewTestServer(t)
	_, wa := ts.Online(t, UniqueID("alice"))

	wa.Send("thumbnail", map[string]any{"base64": "bm90IGFuIGltYWdl", "filename": "x.txt"})
	env, err := wa.RecvAny(wait)
	require.NoError(t, err)
	assert.Contains(t, env["error"], "Error processing image")
}

func TestChatFlow_Audited(t *testing.T) {
	ts := NewTestServer(t)
	alice, bob := UniqueID("alice"), UniqueID("bob")
	_, wa := ts.Online(t, alice)
	ts.SignUp(t, bob, "bobpass")

	wa.Send("request.connect", map[string]any{"username": bob})
	wa.Recv("request.connect", wait)
	wa.Recv("request.connect", wait)
	ts.FlushAudit()

	resp := ts.Admin(t, http.MethodGet, "/api/admin/audit?username="+alice)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Entries []map[string]any `json:"entries"`
	}
	ReadJSON(t, resp, &body)
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "request.connect", body.Entries[0]["action"])
}
