package models

import (
	"time"

	"github.com/google/uuid"
)

// Group represents a set of users who share a lunch vote and a
// notification schedule. The vote-state fields are authoritative in
// storage; in-memory copies are never kept between operations.
type Group struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	CurrentRestaurantID *uuid.UUID `json:"current_restaurant_id,omitempty"`
	YesVotes            int        `json:"yes_votes"`
	NoVotes             int        `json:"no_votes"`
	IsConfirmed         bool       `json:"is_confirmed"`
	NotificationTime    *string    `json:"notification_time,omitempty"` // "HH:MM" local time of day
	Timezone            string     `json:"timezone"`                    // IANA zone id
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// GroupSchedule is the slice of a group the scheduler reads: a
// wall-clock notification time in the group's own timezone.
type GroupSchedule struct {
	GroupID          uuid.UUID `json:"group_id"`
	GroupName        string    `json:"group_name"`
	NotificationTime string    `json:"notification_time"` // "HH:MM"
	Timezone         string    `json:"timezone"`
}
