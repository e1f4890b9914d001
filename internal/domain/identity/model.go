package identity

import (
	"time"

	"github.com/oralvis/oralvis/internal/platform/auth"
	"github.com/oralvis/oralvis/pkg/pagination"
)

// User is an account. Patients carry a unique PatientID; admins never do.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         auth.Role `json:"role"`
	PatientID    *string   `json:"patientId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Actor returns the principal a token for u represents.
func (u *User) Actor() auth.Actor {
	a := auth.Actor{UserID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
	if u.PatientID != nil {
		a.PatientID = *u.PatientID
	}
	return a
}

type RegisterInput struct {
	Name      string `json:"name" validate:"required,min=2,max=50"`
	Email     string `json:"email" validate:"required,email,max=255"`
	Password  string `json:"password" validate:"required,min=8,max=128,password"`
	Role      string `json:"role" validate:"omitempty,oneof=patient admin"`
	PatientID string `json:"patientId" validate:"max=64"`
}

type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// ProfileInput is a partial profile update.
type ProfileInput struct {
	Name      *string `json:"name" validate:"omitempty,min=2,max=50"`
	PatientID *string `json:"patientId" validate:"omitempty,min=1,max=64"`
}

type ChangePasswordInput struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=8,max=128,password"`
}

// AuthResult is returned by register, login and refresh.
type AuthResult struct {
	User         *User     `json:"user"`
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expiresAt"`
	RefreshToken string    `json:"refreshToken,omitempty"`
}

// UserFilter narrows the admin user listing.
type UserFilter struct {
	Role auth.Role
}

type UserPage struct {
	Items []*User
	Meta  pagination.Meta
}
