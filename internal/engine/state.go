package engine

import (
	"github.com/ytakahashi/listsync/internal/membership"
	"github.com/ytakahashi/listsync/internal/models"
)

// Status of one materialized view.
type Status string

const (
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

type ListsView struct {
	membership.View
	OwnedStatus  Status `json:"ownedStatus"`
	SharedStatus Status `json:"sharedStatus"`
	Error        string `json:"error,omitempty"`
}

// Ready reports whether both index sets have been delivered at least once and
// neither failed.
func (v ListsView) Ready() bool {
	return v.OwnedStatus == StatusReady && v.SharedStatus == StatusReady
}

type NotesView struct {
	Notes  []models.StandaloneNote `json:"notes"`
	Status Status                  `json:"status"`
	Error  string                  `json:"error,omitempty"`
}

func (v NotesView) Lookup(id string) (models.StandaloneNote, bool) {
	for _, n := range v.Notes {
		if n.ID == id {
			return n, true
		}
	}
	return models.StandaloneNote{}, false
}

// FocusView is the focused list together with its notes sub-collection.
type FocusView struct {
	Ref    models.ListRef `json:"ref"`
	List   *models.List   `json:"list,omitempty"`
	Notes  []models.Note  `json:"notes"`
	Status Status         `json:"status"`
	Error  string         `json:"error,omitempty"`
}

func (v FocusView) Note(id string) (models.Note, bool) {
	for _, n := range v.Notes {
		if n.ID == id {
			return n, true
		}
	}
	return models.Note{}, false
}

// Pending counts notes not yet completed.
func (v FocusView) Pending() int {
	n := 0
	for _, note := range v.Notes {
		if !note.Completed {
			n++
		}
	}
	return n
}

// State is the canonical local view of everything the user can see. Version
// increases with every published change.
type State struct {
	Version uint64     `json:"version"`
	Mode    Mode       `json:"mode"`
	Lists   ListsView  `json:"lists"`
	Notes   NotesView  `json:"notes"`
	Focus   *FocusView `json:"focus,omitempty"`
}

func (s State) clone() State {
	if s.Focus != nil {
		f := *s.Focus
		if f.List != nil {
			l := *f.List
			f.List = &l
		}
		s.Focus = &f
	}
	return s
}
