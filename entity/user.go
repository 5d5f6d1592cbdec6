package entity

import (
	"net/http"
	"time"

	"apiseller/lib/validate"
)

// User is the identity anchor for every entitlement record.
// Created by an idempotent upsert on first contact with the bot; never deleted.
// TelegramId is unique and immutable, DisplayName is refreshed on each upsert.
type User struct {
	TelegramId  int64     `json:"telegram_id" bson:"telegram_id" validate:"required"`
	DisplayName string    `json:"display_name" bson:"display_name" validate:"omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" bson:"updated_at"`
}

func (u *User) Bind(_ *http.Request) error {
	return validate.Struct(u)
}
