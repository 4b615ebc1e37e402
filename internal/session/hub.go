package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"codecollab/internal/events"
	"codecollab/internal/metrics"
	"codecollab/internal/models"
)

const (
	roomMissingMessage = "Room does not exist"
	publishTimeout     = 2 * time.Second
)

// Hub runs the per-connection room protocol on top of a Registry and a Store.
// Every mutation and fan-out for a room happens under that room's lock.
type Hub struct {
	registry *Registry
	store    *Store
	events   events.Publisher
	log      *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewHub(registry *Registry, store *Store, publisher events.Publisher, log *zap.Logger) *Hub {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		registry: registry,
		store:    store,
		events:   publisher,
		log:      log,
		locks:    make(map[string]*sync.Mutex),
	}
}

// roomLock returns the lock for roomID. Locks live as long as their room.
func (h *Hub) roomLock(roomID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[roomID] = l
	}
	return l
}

// Serve drives c through the room protocol until the stream ends. It starts c's
// writer and always closes c.
func (h *Hub) Serve(ctx context.Context, roomID string, c *Client) {
	defer c.Close()
	c.Start()
	log := h.log.With(zap.String("room", roomID), zap.String("conn", c.ID))

	if !h.store.Exists(roomID) && !h.awaitCreate(ctx, roomID, c, log) {
		return
	}

	h.join(ctx, roomID, c, log)
	defer h.leave(ctx, roomID, c, log)

	for {
		data, err := c.Read()
		if err != nil {
			log.Debug("stream closed", zap.Error(err))
			return
		}
		if err := h.handle(roomID, c, data, log); err != nil {
			log.Warn("closing connection", zap.Error(err))
			return
		}
	}
}

// awaitCreate reads the first frame of a connection to an unknown room.
// Anything but a create frame is answered with an error frame.
func (h *Hub) awaitCreate(ctx context.Context, roomID string, c *Client, log *zap.Logger) bool {
	data, err := c.Read()
	if err == nil {
		msg, perr := parseMessage(data)
		if perr == nil && msg.Type == models.FrameCreate {
			err := h.store.Create(roomID, c.ID)
			switch {
			case err == nil:
				metrics.RoomCreated()
				log.Info("room created")
				h.publish(ctx, events.Event{Type: events.RoomCreated, RoomID: roomID, ConnID: c.ID})
				return true
			case errors.Is(err, ErrRoomAlreadyExists):
				// lost a create race; the room is there now so join it
				return true
			}
		}
	}

	metrics.ConnectionRejected()
	log.Info("rejected connection to unknown room")
	if err := c.SendJSON(models.ErrorFrame{Type: models.FrameError, Message: roomMissingMessage}); err != nil {
		log.Debug("error frame not delivered", zap.Error(err))
	}
	return false
}

func (h *Hub) join(ctx context.Context, roomID string, c *Client, log *zap.Logger) {
	lock := h.roomLock(roomID)
	lock.Lock()
	h.registry.Register(roomID, c)
	n := h.registry.Count(roomID)
	lock.Unlock()

	metrics.ConnectionOpened()
	log.Debug("connection registered", zap.Int("members", n))
	h.publish(ctx, events.Event{Type: events.RoomJoined, RoomID: roomID, ConnID: c.ID, Members: n})
}

func (h *Hub) leave(ctx context.Context, roomID string, c *Client, log *zap.Logger) {
	lock := h.roomLock(roomID)
	lock.Lock()
	h.registry.Unregister(roomID, c)
	h.sendUsers(roomID, log)
	n := h.registry.Count(roomID)
	lock.Unlock()

	metrics.ConnectionClosed()
	log.Debug("connection left", zap.Int("members", n))
	h.publish(ctx, events.Event{Type: events.RoomLeft, RoomID: roomID, ConnID: c.ID, Members: n})
}

// handle processes one frame from c. A returned error ends the connection.
func (h *Hub) handle(roomID string, c *Client, data []byte, log *zap.Logger) error {
	msg, err := parseMessage(data)
	if err != nil {
		return err
	}

	lock := h.roomLock(roomID)
	switch msg.Type {
	case models.FrameJoin:
		name, err := msg.stringField("username")
		if err != nil {
			return err
		}
		lock.Lock()
		defer lock.Unlock()
		h.registry.BindName(c, name)
		h.sendUsers(roomID, log)
		doc, err := h.store.Document(roomID)
		if err != nil {
			return err
		}
		if err := c.SendJSON(models.InitFrame{Type: models.FrameInit, Code: doc.Code, Language: doc.Language}); err != nil {
			log.Debug("init not delivered", zap.Error(err))
		}
		return nil

	case models.FrameCode, models.FrameLanguage:
		value, err := msg.stringField(msg.Type)
		if err != nil {
			return err
		}
		lock.Lock()
		defer lock.Unlock()
		if err := h.store.ApplyUpdate(roomID, Field(msg.Type), value); err != nil {
			return err
		}
		h.relay(roomID, c, data, log)
		return nil

	default:
		lock.Lock()
		defer lock.Unlock()
		h.relay(roomID, c, data, log)
		return nil
	}
}

// relay sends data verbatim to every member except the sender. Caller holds the room lock.
func (h *Hub) relay(roomID string, sender *Client, data []byte, log *zap.Logger) {
	sent := 0
	for _, m := range h.registry.Members(roomID) {
		if m == sender {
			continue
		}
		if err := m.Send(data); err != nil {
			log.Debug("relay failed", zap.String("peer", m.ID), zap.Error(err))
			continue
		}
		sent++
	}
	metrics.FramesRelayed(sent)
}

// sendUsers broadcasts the member name list to the whole room. Caller holds the room lock.
func (h *Hub) sendUsers(roomID string, log *zap.Logger) {
	frame := models.UsersFrame{Type: models.FrameUsers, List: h.registry.ListNames(roomID)}
	for _, m := range h.registry.Members(roomID) {
		if err := m.SendJSON(frame); err != nil {
			log.Debug("users frame not delivered", zap.String("peer", m.ID), zap.Error(err))
		}
	}
}

func (h *Hub) publish(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := h.events.Publish(ctx, ev); err != nil {
		h.log.Debug("event dropped", zap.String("type", ev.Type), zap.Error(err))
	}
}

// RoomInfo reports the current state of roomID.
func (h *Hub) RoomInfo(roomID string) models.RoomInfo {
	info := models.RoomInfo{RoomID: roomID, Users: []string{}}
	doc, err := h.store.Document(roomID)
	if err != nil {
		return info
	}
	lock := h.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	info.Exists = true
	info.Language = doc.Language
	info.Users = h.registry.ListNames(roomID)
	info.Members = len(info.Users)
	if admin, ok := h.store.Admin(roomID); ok {
		for _, m := range h.registry.Members(roomID) {
			if m.ID == admin {
				info.AdminConnected = true
				break
			}
		}
	}
	return info
}

// Rooms lists every room created since startup.
func (h *Hub) Rooms() []string { return h.store.Rooms() }
