package models

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Item is one entry of a list's embedded items array. It has no identity
// outside its list; the id is generated on the client so a retried append
// stays idempotent.
type Item struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`

	// raw is the element exactly as observed in the store.
	raw Fields
}

// NewItem returns an incomplete item with a fresh id. createdAt is truncated to
// microseconds, the store's timestamp resolution, so the element round-trips.
func NewItem(text string, now time.Time) (Item, error) {
	text, err := RequireText("item text", text)
	if err != nil {
		return Item{}, err
	}
	return Item{
		ID:        uuid.New().String(),
		Text:      text,
		CreatedAt: now.UTC().Truncate(time.Microsecond),
	}, nil
}

func ItemFromFields(f Fields) Item {
	return Item{
		ID:        stringField(f, "id"),
		Text:      stringField(f, "text"),
		Completed: boolField(f, "completed"),
		CreatedAt: timeField(f, "createdAt"),
		raw:       f,
	}
}

// Fields encodes the item from its typed fields.
func (it Item) Fields() Fields {
	return Fields{
		"id":        it.ID,
		"text":      it.Text,
		"completed": it.Completed,
		"createdAt": it.CreatedAt,
	}
}

// Element is the value to hand to an array removal: the exact element last
// observed in the store when there is one, so fields this version does not
// know about still match.
func (it Item) Element() Fields {
	if it.raw != nil {
		return maps.Clone(it.raw)
	}
	return it.Fields()
}

// Toggled returns the element that replaces it once its completion flips.
func (it Item) Toggled() Fields {
	next := it.Element()
	next["completed"] = !it.Completed
	return next
}
