package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"codecollab/internal/models"
)

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomAlreadyExists = errors.New("room already exists")
	ErrUnknownField      = errors.New("unknown document field")
)

// Field names a mutable part of a Document.
type Field string

const (
	FieldCode     Field = "code"
	FieldLanguage Field = "language"
)

type roomState struct {
	doc   models.Document
	admin string
}

// Store holds the shared document of every room. Rooms are never removed.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
}

func NewStore() *Store { return &Store{rooms: make(map[string]*roomState)} }

func (s *Store) Exists(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[roomID]
	return ok
}

// Create initialises the room with an empty cpp document and records adminID as its creator.
func (s *Store) Create(roomID, adminID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return fmt.Errorf("%w: %s", ErrRoomAlreadyExists, roomID)
	}
	s.rooms[roomID] = &roomState{
		doc:   models.Document{Code: "", Language: models.DefaultLanguage},
		admin: adminID,
	}
	return nil
}

func (s *Store) Document(roomID string) (models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return models.Document{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return st.doc, nil
}

// ApplyUpdate overwrites one document field. Last writer wins.
func (s *Store) ApplyUpdate(roomID string, field Field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	switch field {
	case FieldCode:
		st.doc.Code = value
	case FieldLanguage:
		st.doc.Language = models.Language(value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return nil
}

// Admin returns the connection ID that created the room.
func (s *Store) Admin(roomID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return "", false
	}
	return st.admin, true
}

func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
