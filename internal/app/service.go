package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mednet/api/internal/archive"
	"mednet/api/internal/attach"
	"mednet/api/internal/auth"
	"mednet/api/internal/authpw"
	"mednet/api/internal/config"
	"mednet/api/internal/convo"
	"mednet/api/internal/email"
	"mednet/api/internal/ledger"
	"mednet/api/internal/messages"
	"mednet/api/internal/search"
	"mednet/api/internal/session"
	"mednet/api/internal/store"
	"mednet/api/internal/util"
)

// Session is an authenticated hospital session.
type Session struct {
	Token        string
	RefreshToken string
	AccountID    string
	HospitalID   string
	HospitalName string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// ConversationSummary is one row of the conversation list: identity plus
// the ledger-derived unread count and preview.
type ConversationSummary struct {
	HospitalID  string          `json:"hospitalId"`
	Name        string          `json:"name"`
	City        string          `json:"city,omitempty"`
	Unread      int             `json:"unread"`
	LastMessage *ledger.Preview `json:"lastMessage,omitempty"`
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetAccountByID(ctx context.Context, accountID string) (store.Account, error)
	GetHospitalByID(ctx context.Context, hospitalID string) (store.Hospital, error)
	GetHospitalByAccountID(ctx context.Context, accountID string) (store.Hospital, error)
	ListHospitals(ctx context.Context) ([]store.Hospital, error)
	FetchConversation(ctx context.Context, a, b string) ([]store.Message, error)
	InsertMessage(ctx context.Context, m store.Message) (store.Message, error)
	MarkConversationRead(ctx context.Context, recipient, sender string, readAt time.Time) ([]string, error)
	UnreadBySender(ctx context.Context, recipient string) (map[string]int, error)
	GetMessageByAttachmentKey(ctx context.Context, key string) (store.Message, error)
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, data session.TokenData, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (session.TokenData, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// hospitalRuntime holds the long-lived per-hospital state: the store
// client, its realtime subscription, the reconciliation engine, and the
// ledger.
type hospitalRuntime struct {
	client *messages.Client
	engine *convo.Engine
	ledger *ledger.Ledger
	sub    *messages.Subscription
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   sessionStore
	rdb        *redis.Client
	publisher  messages.Publisher
	feedSource messages.FeedSource

	authpw  *authpw.Service
	email   *email.Service
	search  *search.Service
	attach  *attach.Store
	archive *archive.Service

	mu       sync.Mutex
	runtimes map[string]*hospitalRuntime
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, rdb *redis.Client, publisher messages.Publisher, feedSource messages.FeedSource) *Service {
	return &Service{
		cfg:        cfg,
		store:      dataStore,
		sessions:   sessions,
		rdb:        rdb,
		publisher:  publisher,
		feedSource: feedSource,
		runtimes:   make(map[string]*hospitalRuntime),
	}
}

func (s *Service) SetAuthPassword(svc *authpw.Service) { s.authpw = svc }
func (s *Service) SetEmail(svc *email.Service)         { s.email = svc }
func (s *Service) SetSearch(svc *search.Service)       { s.search = svc }
func (s *Service) SetAttachments(st *attach.Store)     { s.attach = st }
func (s *Service) SetArchive(svc *archive.Service)     { s.archive = svc }

func (s *Service) AuthPasswordService() *authpw.Service { return s.authpw }

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail is best-effort; sign-up succeeds regardless.
func (s *Service) SendVerificationEmail(to, hospitalName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/verify-email?token=" + token
	go func() {
		if err := s.email.SendVerificationEmail(to, hospitalName, url); err != nil {
			log.Printf("app: send verification email to %s: %v", to, err)
		}
	}()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// Bootstrap reindexes search from the primary store when configured.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// Shutdown closes every hospital runtime's realtime subscription.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rt := range s.runtimes {
		if rt.sub != nil {
			rt.sub.Close()
		}
		delete(s.runtimes, id)
	}
}

// --- sessions ---

func (s *Service) CreateSession(ctx context.Context, account store.Account, hospital store.Hospital) (Session, error) {
	return s.issueSession(ctx, account, hospital)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	account, err := s.store.GetAccountByID(ctx, data.AccountID)
	if err != nil {
		return Session{}, err
	}
	hospital, err := s.store.GetHospitalByID(ctx, data.HospitalID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, account, hospital)
}

func (s *Service) issueSession(ctx context.Context, account store.Account, hospital store.Hospital) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:      account.ID,
		Hospital: hospital.ID,
		Name:     hospital.Name,
		Role:     account.Role,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), session.TokenData{
		AccountID:  account.ID,
		HospitalID: hospital.ID,
		Role:       account.Role,
	}, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		AccountID:    account.ID,
		HospitalID:   hospital.ID,
		HospitalName: hospital.Name,
		Role:         account.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:        token,
		AccountID:    claims.Sub,
		HospitalID:   claims.Hospital,
		HospitalName: claims.Name,
		Role:         claims.Role,
		JTI:          claims.JTI,
		ExpiresAt:    time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- per-hospital runtime ---

// runtime returns the hospital's engine and ledger, creating them and the
// realtime subscription on first use.
func (s *Service) runtime(ctx context.Context, hospitalID string) (*hospitalRuntime, error) {
	s.mu.Lock()
	if rt, ok := s.runtimes[hospitalID]; ok {
		s.mu.Unlock()
		return rt, nil
	}
	s.mu.Unlock()

	hospital, err := s.store.GetHospitalByID(ctx, hospitalID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[hospitalID]; ok {
		return rt, nil
	}

	client := messages.NewClient(hospital, s.store, s.publisher, s.feedSource)
	convLedger := ledger.New(s.rdb, hospitalID)
	engine := convo.NewEngine(client, convLedger)

	rt := &hospitalRuntime{client: client, engine: engine, ledger: convLedger}
	// The subscription outlives any single request.
	rt.sub = client.Subscribe(context.Background(),
		func(m store.Message) { engine.HandleInsert(context.Background(), m) },
		func(m store.Message) { engine.HandleRead(context.Background(), m) },
		func() {
			if err := engine.RefreshUnread(context.Background()); err != nil {
				log.Printf("app: unread recount after reconnect for %s: %v", hospitalID, err)
			}
		},
	)
	s.runtimes[hospitalID] = rt
	return rt, nil
}

// --- directory and conversations ---

func (s *Service) Directory(ctx context.Context) ([]store.Hospital, error) {
	return s.store.ListHospitals(ctx)
}

// Conversations returns the ledger-ordered list, most recent first, with
// unread counts and previews. Hospitals never messaged follow
// alphabetically so a new hospital can start a first conversation.
func (s *Service) Conversations(ctx context.Context, hospitalID string) ([]ConversationSummary, error) {
	rt, err := s.runtime(ctx, hospitalID)
	if err != nil {
		return nil, err
	}

	order, err := rt.ledger.Order(ctx)
	if err != nil {
		return nil, err
	}
	unread, err := rt.ledger.Unread(ctx)
	if err != nil {
		return nil, err
	}
	previews, err := rt.ledger.Previews(ctx)
	if err != nil {
		return nil, err
	}
	hospitals, err := s.store.ListHospitals(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]store.Hospital, len(hospitals))
	for _, h := range hospitals {
		byID[h.ID] = h
	}

	summaries := make([]ConversationSummary, 0, len(hospitals))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		h, ok := byID[id]
		if !ok {
			continue
		}
		seen[id] = true
		summaries = append(summaries, summarize(h, unread, previews))
	}

	rest := make([]ConversationSummary, 0, len(hospitals))
	for _, h := range hospitals {
		if h.ID == hospitalID || seen[h.ID] {
			continue
		}
		rest = append(rest, summarize(h, unread, previews))
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Name < rest[j].Name })

	return append(summaries, rest...), nil
}

func summarize(h store.Hospital, unread map[string]int, previews map[string]ledger.Preview) ConversationSummary {
	summary := ConversationSummary{
		HospitalID: h.ID,
		Name:       h.Name,
		City:       h.City,
		Unread:     unread[h.ID],
	}
	if preview, ok := previews[h.ID]; ok {
		p := preview
		summary.LastMessage = &p
	}
	return summary
}

// OpenConversation makes counterpartyID the hospital's active conversation
// and returns the fetched history.
func (s *Service) OpenConversation(ctx context.Context, hospitalID, counterpartyID string) ([]convo.MessageView, error) {
	if counterpartyID == hospitalID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Cannot open a conversation with yourself", nil)
	}
	if _, err := s.store.GetHospitalByID(ctx, counterpartyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Hospital not found", nil)
		}
		return nil, err
	}
	rt, err := s.runtime(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	return rt.engine.Open(ctx, counterpartyID)
}

// ConversationMessages reads the history directly from the store without
// touching the engine's open conversation.
func (s *Service) ConversationMessages(ctx context.Context, hospitalID, counterpartyID string) ([]store.Message, error) {
	return s.store.FetchConversation(ctx, hospitalID, counterpartyID)
}

// SendMessage sends through the hospital's engine, opening the
// conversation first if a different one is active.
func (s *Service) SendMessage(ctx context.Context, hospitalID, counterpartyID, content string, kind store.MessageKind) (convo.MessageView, error) {
	rt, err := s.runtime(ctx, hospitalID)
	if err != nil {
		return convo.MessageView{}, err
	}

	open, _, _ := rt.engine.Snapshot()
	if open != counterpartyID {
		if _, err := s.OpenConversation(ctx, hospitalID, counterpartyID); err != nil {
			return convo.MessageView{}, err
		}
	}

	var view convo.MessageView
	if kind == store.KindFile {
		view, err = rt.engine.SendFile(ctx, content)
	} else {
		view, err = rt.engine.SendText(ctx, content)
	}
	if err != nil {
		return view, err
	}

	if s.search != nil {
		s.search.IndexMessage(store.Message{
			ID:                  view.ID,
			SenderHospitalID:    view.SenderHospitalID,
			RecipientHospitalID: view.RecipientHospitalID,
			Content:             view.Content,
			Kind:                view.Kind,
			CreatedAt:           view.CreatedAt,
			SenderName:          view.SenderName,
		})
	}
	return view, nil
}

// MarkConversationRead clears the unread state for a conversation whether
// or not it is currently open.
func (s *Service) MarkConversationRead(ctx context.Context, hospitalID, counterpartyID string) error {
	rt, err := s.runtime(ctx, hospitalID)
	if err != nil {
		return err
	}

	open, _, _ := rt.engine.Snapshot()
	if open == counterpartyID {
		return rt.engine.MarkCurrentRead(ctx)
	}

	if err := rt.ledger.Clear(ctx, counterpartyID); err != nil {
		log.Printf("app: clear unread for %s/%s: %v", hospitalID, counterpartyID, err)
	}
	return rt.client.MarkRead(ctx, counterpartyID)
}

func (s *Service) SetFocused(ctx context.Context, hospitalID string, focused bool) error {
	rt, err := s.runtime(ctx, hospitalID)
	if err != nil {
		return err
	}
	rt.engine.SetFocused(focused)
	if focused {
		// Refocus is a recount point: correct any drift accumulated while
		// the view was hidden.
		if err := rt.engine.RefreshUnread(ctx); err != nil {
			log.Printf("app: unread recount on refocus for %s: %v", hospitalID, err)
		}
	}
	return nil
}

func (s *Service) RefreshUnread(ctx context.Context, hospitalID string) (map[string]int, error) {
	rt, err := s.runtime(ctx, hospitalID)
	if err != nil {
		return nil, err
	}
	if err := rt.engine.RefreshUnread(ctx); err != nil {
		return nil, err
	}
	return rt.ledger.Unread(ctx)
}

// WatchLedger subscribes to the hospital's ledger change notifications.
func (s *Service) WatchLedger(ctx context.Context, hospitalID string) (<-chan ledger.Notification, func(), error) {
	rt, err := s.runtime(ctx, hospitalID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := rt.ledger.Watch()
	return ch, cancel, nil
}

// --- search ---

func (s *Service) SearchMessages(q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search not configured", nil)
	}
	return s.search.Search(q), nil
}

// --- attachments ---

func (s *Service) UploadAttachment(ctx context.Context, hospitalID, filename, contentType string, size int64, body io.Reader) (string, error) {
	if s.attach == nil {
		return "", domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	return s.attach.Upload(ctx, hospitalID, filename, contentType, size, body)
}

// AttachmentURL returns a presigned download URL. The requester must be
// the uploader or a participant of the file message carrying the key.
func (s *Service) AttachmentURL(ctx context.Context, hospitalID, key string) (string, error) {
	if s.attach == nil {
		return "", domainError(http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	if attach.Owner(key) != hospitalID {
		m, err := s.store.GetMessageByAttachmentKey(ctx, key)
		if err != nil {
			return "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
		if m.SenderHospitalID != hospitalID && m.RecipientHospitalID != hospitalID {
			return "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		}
	}
	return s.attach.PresignedGet(ctx, key)
}

// --- transcript archive ---

func (s *Service) ArchiveConversation(ctx context.Context, hospitalID, counterpartyID, author string) (archive.CommitInfo, error) {
	if s.archive == nil {
		return archive.CommitInfo{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Archive not configured", nil)
	}
	history, err := s.store.FetchConversation(ctx, hospitalID, counterpartyID)
	if err != nil {
		return archive.CommitInfo{}, err
	}
	if len(history) == 0 {
		return archive.CommitInfo{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Nothing to archive", nil)
	}
	message := fmt.Sprintf("Archive conversation (%d messages)", len(history))
	return s.archive.Snapshot(hospitalID, counterpartyID, history, author, message)
}

func (s *Service) ArchiveHistory(hospitalID, counterpartyID string, limit int) ([]archive.CommitInfo, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Archive not configured", nil)
	}
	return s.archive.History(hospitalID, counterpartyID, limit)
}

func (s *Service) ArchiveTranscript(hospitalID, counterpartyID, hash string) (archive.Transcript, error) {
	if s.archive == nil {
		return archive.Transcript{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", "Archive not configured", nil)
	}
	return s.archive.GetByHash(hospitalID, counterpartyID, hash)
}

