package domain

import (
	"github.com/google/uuid"
)

// UserID represents a unique user identifier
type UserID struct {
	ID string `json:"id" bson:"id"`
}

// NewUserID creates a new user ID
func NewUserID() UserID {
	return UserID{ID: uuid.New().String()}
}

// UserIDFromString creates a UserID from a string
func UserIDFromString(id string) UserID {
	return UserID{ID: id}
}

// String returns the string representation
func (u UserID) String() string {
	return u.ID
}

// IsZero reports whether the ID is unset
func (u UserID) IsZero() bool {
	return u.ID == ""
}

// AsUserHandle returns the ID as bytes for WebAuthn
func (u UserID) AsUserHandle() []byte {
	return []byte(u.ID)
}

// UserIDFromUserHandle creates a UserID from a WebAuthn user handle
func UserIDFromUserHandle(handle []byte) UserID {
	return UserID{ID: string(handle)}
}
