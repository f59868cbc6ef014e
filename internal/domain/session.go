package domain

// Session is the single authenticated state owned by the broker. Every
// connected channel observes the same Session; a nil *Session means no one
// is signed in.
type Session struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Credentials is the payload exchanged for a Session.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}
