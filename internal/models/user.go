package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a user in the system
type User struct {
	ID         uuid.UUID  `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	IsAdmin    bool       `json:"is_admin"`
	IsLoggedIn bool       `json:"is_logged_in"`
	GroupID    *uuid.UUID `json:"group_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
