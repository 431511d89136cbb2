package models

import (
	"cmp"
	"slices"
	"time"
)

// Note is an independently addressable entry in a list's notes sub-collection.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Completed bool      `json:"completed"`
	Color     int64     `json:"color"`
	Order     int64     `json:"order"`
	Creator   string    `json:"creator"`
	Date      time.Time `json:"date"`
}

func NewNoteFields(s Session, title, content string) (Fields, error) {
	title, err := RequireText("note title", title)
	if err != nil {
		return nil, err
	}
	return Fields{
		"title":     title,
		"content":   content,
		"completed": false,
		"color":     int64(-1),
		"order":     int64(0),
		"creator":   s.Email,
	}, nil
}

func NoteFromDocument(id string, f Fields) Note {
	return Note{
		ID:        id,
		Title:     stringField(f, "title"),
		Content:   stringField(f, "content"),
		Completed: boolField(f, "completed"),
		Color:     intField(f, "color", -1),
		Order:     intField(f, "order", 0),
		Creator:   stringField(f, "creator"),
		Date:      timeField(f, "date"),
	}
}

// SortNotes orders pending notes before completed ones, then by order and date.
func SortNotes(notes []Note) {
	slices.SortStableFunc(notes, func(a, b Note) int {
		if a.Completed != b.Completed {
			if a.Completed {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return a.Date.Compare(b.Date)
	})
}

// StandaloneNote is a personal note, unrelated to lists, shared by membership.
type StandaloneNote struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Owner     string    `json:"owner"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (n StandaloneNote) IsOwner(uid string) bool {
	return uid != "" && n.Owner == uid
}

func (n StandaloneNote) VisibleTo(uid string) bool {
	return n.IsOwner(uid) || slices.Contains(n.Members, uid)
}

func NewStandaloneNoteFields(s Session, title, content string) (Fields, error) {
	title, err := RequireText("note title", title)
	if err != nil {
		return nil, err
	}
	return Fields{
		"title":   title,
		"content": content,
		"owner":   s.UID,
		"members": []any{s.UID},
	}, nil
}

func StandaloneNoteFromDocument(id string, f Fields) StandaloneNote {
	return StandaloneNote{
		ID:        id,
		Title:     stringField(f, "title"),
		Content:   stringField(f, "content"),
		Owner:     stringField(f, "owner"),
		Members:   stringsField(f, "members"),
		CreatedAt: timeField(f, "createdAt"),
		UpdatedAt: timeField(f, "updatedAt"),
	}
}

// SortStandaloneNotes orders notes by most recent update first.
func SortStandaloneNotes(notes []StandaloneNote) {
	slices.SortStableFunc(notes, func(a, b StandaloneNote) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}
