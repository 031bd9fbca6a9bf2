package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, account Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password_hash, role, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, account.ID, account.Email, account.PasswordHash, account.Role, nullableString(account.VerificationToken), account.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	var token sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, is_email_verified, COALESCE(verification_token, ''), verification_expires_at, created_at
		FROM accounts WHERE email = $1
	`, email).Scan(&account.ID, &account.Email, &account.PasswordHash, &account.Role,
		&account.IsEmailVerified, &token, &account.VerificationExpiresAt, &account.CreatedAt)
	if err != nil {
		return Account{}, err
	}
	account.VerificationToken = token.String
	return account, nil
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, accountID string) (Account, error) {
	var account Account
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, role, is_email_verified, created_at
		FROM accounts WHERE id = $1
	`, accountID).Scan(&account.ID, &account.Email, &account.PasswordHash, &account.Role,
		&account.IsEmailVerified, &account.CreatedAt)
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

func (s *PostgresStore) VerifyAccountEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET is_email_verified = TRUE, verification_token = NULL, verification_expires_at = NULL, updated_at = NOW()
		WHERE verification_token = $1
			AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify account email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify account email: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

// --- hospitals ---

func (s *PostgresStore) CreateHospital(ctx context.Context, hospital Hospital) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hospitals (id, account_id, name, city)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, hospital.ID, hospital.AccountID, hospital.Name, hospital.City)
	if err != nil {
		return fmt.Errorf("insert hospital: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHospitalByID(ctx context.Context, hospitalID string) (Hospital, error) {
	var hospital Hospital
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(account_id, ''), name, city, created_at
		FROM hospitals WHERE id = $1
	`, hospitalID).Scan(&hospital.ID, &hospital.AccountID, &hospital.Name, &hospital.City, &hospital.CreatedAt)
	if err != nil {
		return Hospital{}, err
	}
	return hospital, nil
}

func (s *PostgresStore) GetHospitalByAccountID(ctx context.Context, accountID string) (Hospital, error) {
	var hospital Hospital
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(account_id, ''), name, city, created_at
		FROM hospitals WHERE account_id = $1
	`, accountID).Scan(&hospital.ID, &hospital.AccountID, &hospital.Name, &hospital.City, &hospital.CreatedAt)
	if err != nil {
		return Hospital{}, err
	}
	return hospital, nil
}

func (s *PostgresStore) ListHospitals(ctx context.Context) ([]Hospital, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(account_id, ''), name, city, created_at
		FROM hospitals
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list hospitals: %w", err)
	}
	defer rows.Close()

	items := make([]Hospital, 0)
	for rows.Next() {
		var item Hospital
		if err := rows.Scan(&item.ID, &item.AccountID, &item.Name, &item.City, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan hospital: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hospitals: %w", err)
	}
	return items, nil
}

// --- messages ---

// InsertMessage persists one message row and returns it with the
// server-assigned created_at. The caller assigns the id.
func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, sender_hospital_id, recipient_hospital_id, content, kind)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, m.ID, m.SenderHospitalID, m.RecipientHospitalID, m.Content, string(m.Kind)).Scan(&m.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	m.ReadAt = nil
	return m, nil
}

// FetchConversation returns all messages between the unordered hospital pair
// {a, b}, ascending by created_at with id as the deterministic tie-break.
func (s *PostgresStore) FetchConversation(ctx context.Context, a, b string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.sender_hospital_id, m.recipient_hospital_id, m.content, m.kind, m.created_at, m.read_at, h.name
		FROM messages m
		JOIN hospitals h ON h.id = m.sender_hospital_id
		WHERE (m.sender_hospital_id = $1 AND m.recipient_hospital_id = $2)
			OR (m.sender_hospital_id = $2 AND m.recipient_hospital_id = $1)
		ORDER BY m.created_at ASC, m.id ASC
	`, a, b)
	if err != nil {
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		var kind string
		if err := rows.Scan(&item.ID, &item.SenderHospitalID, &item.RecipientHospitalID,
			&item.Content, &kind, &item.CreatedAt, &item.ReadAt, &item.SenderName); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		item.Kind = MessageKind(kind)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var item Message
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_hospital_id, recipient_hospital_id, content, kind, created_at, read_at
		FROM messages WHERE id = $1
	`, messageID).Scan(&item.ID, &item.SenderHospitalID, &item.RecipientHospitalID,
		&item.Content, &kind, &item.CreatedAt, &item.ReadAt)
	if err != nil {
		return Message{}, err
	}
	item.Kind = MessageKind(kind)
	return item, nil
}

// GetMessageByAttachmentKey resolves the file message carrying an object
// key. Used to decide whether a hospital may download the attachment.
func (s *PostgresStore) GetMessageByAttachmentKey(ctx context.Context, key string) (Message, error) {
	var item Message
	var kind string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_hospital_id, recipient_hospital_id, content, kind, created_at, read_at
		FROM messages WHERE kind = 'file' AND content = $1
		LIMIT 1
	`, key).Scan(&item.ID, &item.SenderHospitalID, &item.RecipientHospitalID,
		&item.Content, &kind, &item.CreatedAt, &item.ReadAt)
	if err != nil {
		return Message{}, err
	}
	item.Kind = MessageKind(kind)
	return item, nil
}

// MarkConversationRead sets read_at on every unread message from sender to
// recipient and returns the ids that transitioned. Repeated calls with
// nothing pending return an empty slice.
func (s *PostgresStore) MarkConversationRead(ctx context.Context, recipient, sender string, readAt time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages
		SET read_at = $3
		WHERE recipient_hospital_id = $1
			AND sender_hospital_id = $2
			AND read_at IS NULL
		RETURNING id
	`, recipient, sender, readAt)
	if err != nil {
		return nil, fmt.Errorf("mark conversation read: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan marked id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate marked ids: %w", err)
	}
	return ids, nil
}

// UnreadBySender recounts unread incoming messages grouped by sender. The
// ledger's unread map must be rebuildable from this query alone.
func (s *PostgresStore) UnreadBySender(ctx context.Context, recipient string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_hospital_id, COUNT(*)
		FROM messages
		WHERE recipient_hospital_id = $1 AND read_at IS NULL
		GROUP BY sender_hospital_id
	`, recipient)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var n int
		if err := rows.Scan(&sender, &n); err != nil {
			return nil, fmt.Errorf("scan unread count: %w", err)
		}
		counts[sender] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread counts: %w", err)
	}
	return counts, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
