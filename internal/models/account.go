package models

import (
	"time"
)

const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
)

type Account struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Role         string // e.g., "user", "admin"
	Status       string // "active", "suspended"
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
