package models

import "time"

// User is an account owning robots and runs.
type User struct {
	UserID    string    `json:"userId" badgerhold:"key"`
	Email     string    `json:"email" badgerholdIndex:"Email"`
	CreatedAt time.Time `json:"createdAt"`
}
