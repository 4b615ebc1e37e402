package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"codecollab/internal/models"
)

type frameCapture struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *frameCapture) hook(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
}

func (c *frameCapture) list() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

// fakeConn records writes and counts closes. block stalls every write until closed.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	types   []int
	closes  int
	block   chan struct{}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("eof") }

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	f.types = append(f.types, messageType)
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeConn) snapshot() ([]int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.types...), f.closes
}

func TestClientSendWithHook(t *testing.T) {
	client := NewClient(nil, 0)
	capture := &frameCapture{}
	client.SetSendHook(capture.hook)

	require.NoError(t, client.Send([]byte(`{"type":"ping"}`)))
	got := capture.list()
	require.Len(t, got, 1)
	assert.Equal(t, `{"type":"ping"}`, string(got[0]))
}

func TestClientSendWithoutConnDoesNotPanic(t *testing.T) {
	client := NewClient(nil, 0)
	assert.ErrorIs(t, client.Send([]byte("{}")), websocket.ErrCloseSent)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	client := NewClient(conn, time.Second)

	require.NoError(t, client.SendJSON(models.UsersFrame{Type: models.FrameUsers, List: []string{"a"}}))
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.Equal(t, 1, conn.closes)
	assert.ErrorIs(t, client.Send([]byte("{}")), websocket.ErrCloseSent)
	require.Len(t, conn.written, 2)
	assert.JSONEq(t, `{"type":"users","list":["a"]}`, string(conn.written[0]))
	assert.Equal(t, []int{websocket.TextMessage, websocket.CloseMessage}, conn.types)
}

func TestClientIDsAreUnique(t *testing.T) {
	a, b := NewClient(nil, 0), NewClient(nil, 0)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestClientWriterFlushesThenSendsCloseFrame(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient(conn, time.Second)
	c.Start()

	require.NoError(t, c.Send([]byte(`{"type":"chat"}`)))
	require.NoError(t, c.Send([]byte(`{"type":"draw"}`)))
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		_, closes := conn.snapshot()
		return closes == 1
	}, time.Second, 5*time.Millisecond)
	types, _ := conn.snapshot()
	assert.Equal(t, []int{websocket.TextMessage, websocket.TextMessage, websocket.CloseMessage}, types)
}

func TestClientWriterPings(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient(conn, time.Second)
	c.SetPingInterval(5 * time.Millisecond)
	c.Start()
	defer c.Close()

	require.Eventually(t, func() bool {
		types, _ := conn.snapshot()
		pings := 0
		for _, typ := range types {
			if typ == websocket.PingMessage {
				pings++
			}
		}
		return pings >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestClientSendDoesNotBlockOnStalledPeer(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	defer close(conn.block)
	c := NewClient(conn, time.Second)
	c.Start()
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i <= sendBuffer+1 && err == nil; i++ {
			err = c.Send([]byte("{}"))
		}
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSendBufferFull)
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a stalled peer")
	}
}

func TestRegistryListNamesFallsBackToDefault(t *testing.T) {
	reg := NewRegistry()
	a, b, c := NewClient(nil, 0), NewClient(nil, 0), NewClient(nil, 0)
	reg.Register("r", a)
	reg.Register("r", b)
	reg.Register("r", c)
	reg.BindName(b, "bob")

	assert.Equal(t, []string{DefaultName, "bob", DefaultName}, reg.ListNames("r"))

	reg.BindName(b, "robert")
	assert.Equal(t, []string{DefaultName, "robert", DefaultName}, reg.ListNames("r"))
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	a := NewClient(nil, 0)
	reg.Register("r", a)
	reg.BindName(a, "alice")

	reg.Unregister("r", a)
	reg.Unregister("r", a)
	reg.Unregister("other", a)

	assert.Equal(t, 0, reg.Count("r"))
	assert.Empty(t, reg.ListNames("r"))

	// a re-registered client starts unnamed
	reg.Register("r", a)
	assert.Equal(t, []string{DefaultName}, reg.ListNames("r"))
}

func TestRegistryClientBelongsToOneRoom(t *testing.T) {
	reg := NewRegistry()
	a := NewClient(nil, 0)
	reg.Register("r1", a)
	reg.Register("r1", a)
	assert.Equal(t, 1, reg.Count("r1"))

	reg.Register("r2", a)
	assert.Equal(t, 0, reg.Count("r1"))
	assert.Equal(t, 1, reg.Count("r2"))
}

func TestRegistryMembersIsSnapshot(t *testing.T) {
	reg := NewRegistry()
	a, b := NewClient(nil, 0), NewClient(nil, 0)
	reg.Register("r", a)
	reg.Register("r", b)

	snap := reg.Members("r")
	reg.Unregister("r", a)

	assert.Equal(t, []*Client{a, b}, snap)
	assert.Equal(t, []*Client{b}, reg.Members("r"))
}

func TestRegistryInvariantsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := NewRegistry()
		clients := make([]*Client, 5)
		for i := range clients {
			clients[i] = NewClient(nil, 0)
		}
		rooms := []string{"a", "b", "c"}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			c := clients[rapid.IntRange(0, len(clients)-1).Draw(t, "client")]
			room := rooms[rapid.IntRange(0, len(rooms)-1).Draw(t, "room")]
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				reg.Register(room, c)
			case 1:
				reg.Unregister(room, c)
			case 2:
				reg.BindName(c, rapid.StringMatching(`[a-z]{1,6}`).Draw(t, "name"))
			}

			seen := make(map[*Client]string)
			for _, r := range rooms {
				members := reg.Members(r)
				if len(reg.ListNames(r)) != len(members) || reg.Count(r) != len(members) {
					t.Fatalf("room %s: names/count disagree with members", r)
				}
				for _, m := range members {
					if prev, dup := seen[m]; dup {
						t.Fatalf("client in rooms %s and %s", prev, r)
					}
					seen[m] = r
				}
			}
		}
	})
}

func TestStoreCreate(t *testing.T) {
	store := NewStore()
	assert.False(t, store.Exists("r"))

	require.NoError(t, store.Create("r", "admin-1"))
	assert.True(t, store.Exists("r"))

	doc, err := store.Document("r")
	require.NoError(t, err)
	assert.Equal(t, models.Document{Code: "", Language: models.LangCPP}, doc)

	admin, ok := store.Admin("r")
	assert.True(t, ok)
	assert.Equal(t, "admin-1", admin)

	err = store.Create("r", "admin-2")
	assert.ErrorIs(t, err, ErrRoomAlreadyExists)
	admin, _ = store.Admin("r")
	assert.Equal(t, "admin-1", admin, "admin is set once")
}

func TestStoreApplyUpdate(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Create("r", "a"))

	require.NoError(t, store.ApplyUpdate("r", FieldCode, "print(1)"))
	require.NoError(t, store.ApplyUpdate("r", FieldLanguage, "python"))
	doc, err := store.Document("r")
	require.NoError(t, err)
	assert.Equal(t, "print(1)", doc.Code)
	assert.Equal(t, models.LangPython, doc.Language)

	assert.ErrorIs(t, store.ApplyUpdate("r", Field("cursor"), "x"), ErrUnknownField)
	assert.ErrorIs(t, store.ApplyUpdate("missing", FieldCode, "x"), ErrRoomNotFound)
	_, err = store.Document("missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestStoreRoomsSorted(t *testing.T) {
	store := NewStore()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.Create(id, "x"))
	}
	assert.Equal(t, []string{"a", "b", "c"}, store.Rooms())
}

func TestStoreExistsNeverRevertsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := NewStore()
		created := make(map[string]bool)
		ids := rapid.SliceOfN(rapid.StringMatching(`r[0-9]`), 1, 40).Draw(t, "ids")
		for i, id := range ids {
			if i%2 == 0 {
				err := store.Create(id, fmt.Sprint(i))
				if created[id] != errors.Is(err, ErrRoomAlreadyExists) {
					t.Fatalf("create %s: unexpected result %v", id, err)
				}
				created[id] = true
			} else {
				_ = store.ApplyUpdate(id, FieldCode, "x")
			}
			for _, other := range ids {
				if store.Exists(other) != created[other] {
					t.Fatalf("exists(%s) = %v, want %v", other, store.Exists(other), created[other])
				}
			}
		}
	})
}

func TestParseMessage(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		typ     string
		wantErr bool
	}{
		{"join", `{"type":"join","username":"a"}`, "join", false},
		{"opaque type", `{"type":5,"x":1}`, "", false},
		{"no type", `{"x":1}`, "", false},
		{"not json", `hello`, "", true},
		{"array", `[1,2]`, "", true},
		{"null", `null`, "", true},
		{"string", `"join"`, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := parseMessage([]byte(tc.in))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.typ, msg.Type)
		})
	}
}

func TestMessageStringField(t *testing.T) {
	msg, err := parseMessage([]byte(`{"type":"code","code":"x","n":3}`))
	require.NoError(t, err)

	v, err := msg.stringField("code")
	require.NoError(t, err)
	assert.Equal(t, "x", v)

	_, err = msg.stringField("n")
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = msg.stringField("missing")
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
