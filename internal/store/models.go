package store

import "time"

type Account struct {
	ID                    string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Hospital is the identity messages are exchanged between. One hospital per
// account; resolved once at sign-in and immutable for the session.
type Hospital struct {
	ID        string
	AccountID string
	Name      string
	City      string
	CreatedAt time.Time
}

type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// Message is one row of the messages relation. Immutable once persisted
// except for the single read_at transition: null -> timestamp.
type Message struct {
	ID                  string
	SenderHospitalID    string
	RecipientHospitalID string
	Content             string
	Kind                MessageKind
	CreatedAt           time.Time
	ReadAt              *time.Time
	SenderName          string
}

// Counterparty returns the other hospital of the pair, relative to self.
func (m Message) Counterparty(self string) string {
	if m.SenderHospitalID == self {
		return m.RecipientHospitalID
	}
	return m.SenderHospitalID
}
