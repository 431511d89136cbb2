package engine

import "github.com/ytakahashi/listsync/internal/models"

// Mode is the navigation state of a workspace.
type Mode string

const (
	// Browsing shows the list-of-lists and the standalone notes; no list
	// subscription is held.
	Browsing Mode = "browsing"
	// Focused shows one list and holds the subscription to its notes.
	Focused Mode = "focused"
)

// Selection is the Browsing/Focused state machine. The engine consults it to
// decide which list subscription must be released before another is opened.
type Selection struct {
	mode Mode
	ref  models.ListRef
}

func (s Selection) Mode() Mode {
	if s.mode == "" {
		return Browsing
	}
	return s.mode
}

// Ref returns the focused list, if any.
func (s Selection) Ref() (models.ListRef, bool) {
	return s.ref, s.Mode() == Focused
}

// Focus moves to ref. release reports whether a previous focus existed and
// must be released first.
func (s *Selection) Focus(ref models.ListRef) (release bool) {
	release = s.Mode() == Focused
	s.mode = Focused
	s.ref = ref
	return release
}

// Browse leaves the focused list. release reports whether there was one.
func (s *Selection) Browse() (release bool) {
	release = s.Mode() == Focused
	s.mode = Browsing
	s.ref = models.ListRef{}
	return release
}
