package authclient

import "time"

// User is the identity returned by the auth service.
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Role        string     `json:"role"`
	IsVerified  bool       `json:"isVerified"`
	IsActive    bool       `json:"isActive"`
	IsLocked    bool       `json:"isLocked"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TokenPair is an access/refresh pair. ExpiresIn is in seconds.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

// AuthResult is returned by Login, Register and SocialAuth.
type AuthResult struct {
	User      *User      `json:"user"`
	Tokens    *TokenPair `json:"tokens"`
	IsNewUser bool       `json:"isNewUser"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// SocialProfile is the provider profile sent with a provider access token.
type SocialProfile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type socialRequest struct {
	Token   string        `json:"token"`
	Profile SocialProfile `json:"profile"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}
