package domain

import "strings"

// Profile is the flat record that crosses execution-context boundaries in
// binary form. Optional fields are pointers so that "absent" survives a
// round trip; a zero-length value is not representable and is treated as
// absent. Timestamps are integer milliseconds since the Unix epoch.
type Profile struct {
	ID          string  `json:"id"`
	Username    *string `json:"username,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
	Bio         *string `json:"bio,omitempty"`
	Website     *string `json:"website,omitempty"`
	Metadata    *string `json:"metadata,omitempty"`
	CreatedAt   uint64  `json:"created_at"`
	UpdatedAt   uint64  `json:"updated_at"`
}

// ProfileFromSession derives a minimal profile for a user that has no stored
// record yet. The username falls back to the local part of the email address.
func ProfileFromSession(s *Session, nowMillis uint64) *Profile {
	if s == nil {
		return nil
	}
	p := &Profile{
		ID:        s.UserID,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	if local, _, found := strings.Cut(s.Email, "@"); found && local != "" {
		p.Username = &local
	}
	return p
}
