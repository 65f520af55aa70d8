package directory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaychat/server/directory"
	"github.com/relaychat/server/model"
	"github.com/relaychat/server/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDir(t *testing.T) (*directory.Directory, func(username, first, last string) directory.UserRecord) {
	t.Helper()
	d := directory.New(testutil.SetupTestDB(t))
	mk := func(username, first, last string) directory.UserRecord {
		u, err := d.CreateUser(context.Background(), directory.NewUser{
			Username: username, FirstName: first, LastName: last, PasswordHash: "x",
		})
		require.NoError(t, err)
		return u
	}
	return d, mk
}

func TestCreateUser_Duplicate(t *testing.T) {
	d, mk := newDir(t)
	mk("alice", "alice", "smith")
	_, err := d.CreateUser(context.Background(), directory.NewUser{Username: "alice", PasswordHash: "y"})
	assert.ErrorIs(t, err, directory.ErrUsernameTaken)
}

func TestUserLookups(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a := mk("alice", "alice", "smith")

	got, err := d.UserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "Alice Smith", got.DisplayName())

	_, err = d.UserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, directory.ErrNotFound)

	_, err = d.UserByID(ctx, 9999)
	assert.ErrorIs(t, err, directory.ErrNotFound)

	_, hash, err := d.Credentials(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "x", hash)
}

func TestSetThumbnail(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a := mk("alice", "alice", "smith")

	u, err := d.SetThumbnail(ctx, a.ID, "thumbnails/alice.jpg")
	require.NoError(t, err)
	assert.Equal(t, "thumbnails/alice.jpg", u.Thumbnail)

	_, err = d.SetThumbnail(ctx, 9999, "x")
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestGetOrCreateConnection_Idempotent(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b := mk("alice", "a", "a"), mk("bob", "b", "b")

	first, created, err := d.GetOrCreateConnection(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, first.Accepted)
	assert.Equal(t, "alice", first.Sender.Username)
	assert.Equal(t, "bob", first.Receiver.Username)

	second, created, err := d.GetOrCreateConnection(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestGetOrCreateConnection_DoesNotResetAccepted(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b := mk("alice", "a", "a"), mk("bob", "b", "b")

	_, _, err := d.GetOrCreateConnection(ctx, a.ID, b.ID)
	require.NoError(t, err)
	_, err = d.AcceptRequest(ctx, "alice", b.ID)
	require.NoError(t, err)

	again, _, err := d.GetOrCreateConnection(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.True(t, again.Accepted)
}

func TestGetOrCreateConnection_ConcurrentRace(t *testing.T) {
	db := testutil.SetupTestDB(t)
	d := directory.New(db)
	ctx := context.Background()
	a, err := d.CreateUser(ctx, directory.NewUser{Username: "alice", PasswordHash: "x"})
	require.NoError(t, err)
	b, err := d.CreateUser(ctx, directory.NewUser{Username: "bob", PasswordHash: "x"})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	ids := make([]int64, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, _, err := d.GetOrCreateConnection(ctx, a.ID, b.ID)
			ids[i], errs[i] = rec.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	var count int64
	require.NoError(t, db.Model(&model.Connection{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAcceptRequest(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b := mk("alice", "a", "a"), mk("bob", "b", "b")

	_, err := d.AcceptRequest(ctx, "alice", b.ID)
	assert.ErrorIs(t, err, directory.ErrNotFound)

	_, _, err = d.GetOrCreateConnection(ctx, a.ID, b.ID)
	require.NoError(t, err)

	// Only the receiver can accept.
	_, err = d.AcceptRequest(ctx, "bob", a.ID)
	assert.ErrorIs(t, err, directory.ErrNotFound)

	rec, err := d.AcceptRequest(ctx, "alice", b.ID)
	require.NoError(t, err)
	assert.True(t, rec.Accepted)
	assert.Equal(t, "alice", rec.Sender.Username)
	assert.Equal(t, "bob", rec.Receiver.Username)
}

func TestDeclineRequest(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b := mk("alice", "a", "a"), mk("bob", "b", "b")

	_, _, err := d.GetOrCreateConnection(ctx, a.ID, b.ID)
	require.NoError(t, err)

	rec, err := d.DeclineRequest(ctx, "alice", b.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Sender.Username)

	pending, err := d.PendingRequests(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = d.DeclineRequest(ctx, "alice", b.ID)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestDeclineRequest_RemovesMessages(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b := mk("alice", "a", "a"), mk("bob", "b", "b")

	conn, _, err := d.GetOrCreateConnection(ctx, a.ID, b.ID)
	require.NoError(t, err)
	_, err = d.CreateMessage(ctx, conn.ID, a.ID, "before accept")
	require.NoError(t, err)

	_, err = d.DeclineRequest(ctx, "alice", b.ID)
	require.NoError(t, err)

	msgs, err := d.Messages(ctx, conn.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeclineRequest_AcceptedIsKept(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b := mk("alice", "a", "a"), mk("bob", "b", "b")

	_, _, _ = d.GetOrCreateConnection(ctx, a.ID, b.ID)
	_, err := d.AcceptRequest(ctx, "alice", b.ID)
	require.NoError(t, err)

	_, err = d.DeclineRequest(ctx, "alice", b.ID)
	assert.ErrorIs(t, err, directory.ErrNotFound)

	friends, err := d.Friends(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, friends, 1)
}

func TestPendingRequests(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b, c := mk("alice", "a", "a"), mk("bob", "b", "b"), mk("carol", "c", "c")

	_, _, _ = d.GetOrCreateConnection(ctx, a.ID, c.ID)
	_, _, _ = d.GetOrCreateConnection(ctx, b.ID, c.ID)
	_, _, _ = d.GetOrCreateConnection(ctx, c.ID, a.ID) // outgoing, not listed
	_, err := d.AcceptRequest(ctx, "bob", c.ID)
	require.NoError(t, err)

	pending, err := d.PendingRequests(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].Sender.Username)
	assert.Equal(t, "carol", pending[0].Receiver.Username)
}

func TestSearch_StatusAndExclusion(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	viewer := mk("viewer", "vic", "tor")
	them := mk("user_them", "t", "x")
	me := mk("user_me", "m", "x")
	conn := mk("user_conn", "c", "x")
	mk("user_none", "n", "x")

	_, _, _ = d.GetOrCreateConnection(ctx, viewer.ID, them.ID)
	_, _, _ = d.GetOrCreateConnection(ctx, me.ID, viewer.ID)
	_, _, _ = d.GetOrCreateConnection(ctx, conn.ID, viewer.ID)
	_, err := d.AcceptRequest(ctx, "user_conn", viewer.ID)
	require.NoError(t, err)

	hits, err := d.Search(ctx, viewer.ID, "USER")
	require.NoError(t, err)

	got := map[string]directory.Status{}
	var order []string
	for _, h := range hits {
		got[h.User.Username] = h.Status
		order = append(order, h.User.Username)
	}
	assert.Equal(t, []string{"user_conn", "user_me", "user_none", "user_them"}, order)
	assert.Equal(t, directory.StatusPendingThem, got["user_them"])
	assert.Equal(t, directory.StatusPendingMe, got["user_me"])
	assert.Equal(t, directory.StatusConnected, got["user_conn"])
	assert.Equal(t, directory.StatusNoConnection, got["user_none"])

	self, err := d.Search(ctx, viewer.ID, "vic")
	require.NoError(t, err)
	assert.Empty(t, self, "search never returns the viewer")
}

func TestSearch_NamesAndWildcards(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	viewer := mk("viewer", "v", "v")
	mk("jdoe", "john", "doe")
	mk("percent", "100%", "sure")

	hits, err := d.Search(ctx, viewer.ID, "Doe")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "jdoe", hits[0].User.Username)

	hits, err = d.Search(ctx, viewer.ID, "%")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "percent", hits[0].User.Username)

	hits, err = d.Search(ctx, viewer.ID, "   ")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFriends_OrderAndPreview(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b, c := mk("alice", "a", "a"), mk("bob", "b", "b"), mk("carol", "c", "c")

	ab, _, _ := d.GetOrCreateConnection(ctx, a.ID, b.ID)
	_, err := d.AcceptRequest(ctx, "alice", b.ID)
	require.NoError(t, err)
	_, err = d.CreateMessage(ctx, ab.ID, a.ID, "old news")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, _, _ = d.GetOrCreateConnection(ctx, c.ID, a.ID)
	_, err = d.AcceptRequest(ctx, "carol", a.ID)
	require.NoError(t, err)

	friends, err := d.Friends(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, friends, 2)
	assert.Equal(t, "carol", friends[0].Friend.Username, "newer accept sorts first")
	assert.Equal(t, "", friends[0].Preview)
	assert.Equal(t, "bob", friends[1].Friend.Username)
	assert.Equal(t, "old news", friends[1].Preview)

	time.Sleep(5 * time.Millisecond)
	_, err = d.CreateMessage(ctx, ab.ID, b.ID, "fresh")
	require.NoError(t, err)

	friends, err = d.Friends(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", friends[0].Friend.Username, "newer message sorts first")
	assert.Equal(t, "fresh", friends[0].Preview)

	bobs, err := d.Friends(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, "alice", bobs[0].Friend.Username)
}

func TestFriends_BothDirectionsListedOnce(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b := mk("alice", "a", "a"), mk("bob", "b", "b")

	ab, _, err := d.GetOrCreateConnection(ctx, a.ID, b.ID)
	require.NoError(t, err)
	ba, _, err := d.GetOrCreateConnection(ctx, b.ID, a.ID)
	require.NoError(t, err)
	require.NotEqual(t, ab.ID, ba.ID)
	_, err = d.AcceptRequest(ctx, "alice", b.ID)
	require.NoError(t, err)
	_, err = d.AcceptRequest(ctx, "bob", a.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = d.CreateMessage(ctx, ab.ID, b.ID, "hello")
	require.NoError(t, err)

	for _, viewer := range []int64{a.ID, b.ID} {
		friends, err := d.Friends(ctx, viewer)
		require.NoError(t, err)
		require.Len(t, friends, 1)
		assert.Equal(t, ab.ID, friends[0].ConnectionID)
		assert.Equal(t, "hello", friends[0].Preview)
	}
}

func TestFriends_PendingExcluded(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b := mk("alice", "a", "a"), mk("bob", "b", "b")
	_, _, _ = d.GetOrCreateConnection(ctx, a.ID, b.ID)

	friends, err := d.Friends(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, friends)
}

func TestMessages_NewestFirst(t *testing.T) {
	d, mk := newDir(t)
	ctx := context.Background()
	a, b := mk("alice", "a", "a"), mk("bob", "b", "b")
	conn, _, _ := d.GetOrCreateConnection(ctx, a.ID, b.ID)

	for _, text := range []string{"one", "two", "three"} {
		_, err := d.CreateMessage(ctx, conn.ID, a.ID, text)
		require.NoError(t, err)
	}
	msgs, err := d.Messages(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "three", msgs[0].Text)
	assert.Equal(t, "one", msgs[2].Text)
	assert.Equal(t, a.ID, msgs[0].AuthorID)

	got, err := d.Connection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", got.Counterparty(a.ID).Username)
	assert.Equal(t, "alice", got.Counterparty(b.ID).Username)
	assert.True(t, got.Involves(a.ID))
	assert.False(t, got.Involves(9999))

	_, err = d.Connection(ctx, 9999)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}
