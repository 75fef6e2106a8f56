package models

import (
	"time"

	"github.com/google/uuid"
)

// OccurrenceRating expresses how often a group wants a restaurant to
// come up. It is carried for the UI; the selection engine draws
// uniformly and does not weight by it.
type OccurrenceRating string

const (
	OccurrenceSeldom    OccurrenceRating = "SELDOM"
	OccurrenceSometimes OccurrenceRating = "SOMETIMES"
	OccurrenceOften     OccurrenceRating = "OFTEN"
)

// Restaurant represents a lunch option that groups can be associated with
type Restaurant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupRestaurant is the association between a group and a restaurant
type GroupRestaurant struct {
	GroupID      uuid.UUID        `json:"group_id"`
	RestaurantID uuid.UUID        `json:"restaurant_id"`
	Occurrence   OccurrenceRating `json:"occurrence"`
}
