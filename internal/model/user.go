package model

import "time"

// User stores Telegram user metadata and the actor timezone used for
// date-only boundary calculations.
type User struct {
	ID         uint  `gorm:"primaryKey"`
	TelegramID int64 `gorm:"uniqueIndex"`
	FirstName  string
	LastName   string
	Username   string
	Timezone   string // IANA name, e.g. Europe/Moscow
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Location resolves the user's timezone, falling back to UTC when the name
// is empty or unknown.
func (u *User) Location() *time.Location {
	if u == nil || u.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
