package domain

import (
	"encoding/json"
	"time"
)

// Supported social identity providers.
const (
	ProviderGoogle   = "google"
	ProviderFacebook = "facebook"
	ProviderGitHub   = "github"
)

// IsValidProvider reports whether p is a supported provider.
func IsValidProvider(p string) bool {
	switch p {
	case ProviderGoogle, ProviderFacebook, ProviderGitHub:
		return true
	}
	return false
}

// ExternalIdentity links a provider account to a local user. The pair
// (Provider, ProviderUserID) is unique.
type ExternalIdentity struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	Provider       string          `json:"provider"`
	ProviderUserID string          `json:"providerUserId"`
	AccessToken    string          `json:"-"`
	Profile        json.RawMessage `json:"profile,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// SocialProfile is the provider profile a client presents with its
// provider access token.
type SocialProfile struct {
	ID        string `json:"id" validate:"required"`
	Email     string `json:"email" validate:"required,email"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}
