package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"eigochat/api/internal/assistant"
	"eigochat/api/internal/auth"
	"eigochat/api/internal/authpw"
	"eigochat/api/internal/config"
	"eigochat/api/internal/email"
	"eigochat/api/internal/metrics"
	"eigochat/api/internal/search"
	"eigochat/api/internal/store"
	"eigochat/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	DisplayName  string
	JTI          string
	ExpiresAt    time.Time
}

const (
	minSpeechRate = 0.5
	maxSpeechRate = 2.0
)

var allowedMessageRoles = map[string]struct{}{
	"user":      {},
	"assistant": {},
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	GetOrCreateProfile(context.Context, string, string) (store.Profile, error)
	UpdateProfile(context.Context, string, string, float64, string) (store.Profile, error)
	ListChatGroups(context.Context, string, bool) ([]store.ChatGroup, error)
	ListChatGroupSummaries(context.Context, string) ([]store.ChatGroupSummary, error)
	GetChatGroup(context.Context, string) (store.ChatGroup, error)
	InsertChatGroup(context.Context, store.ChatGroup) (store.ChatGroup, error)
	UpdateChatGroup(context.Context, string, string, string) (store.ChatGroup, error)
	SetChatGroupActive(context.Context, string, bool) error
	DeleteChatGroup(context.Context, string) error
	ListChatMessages(context.Context, string, int, int) ([]store.ChatMessage, error)
	GetChatMessage(context.Context, string) (store.ChatMessage, error)
	InsertChatMessage(context.Context, store.ChatMessage) (store.ChatMessage, error)
	FindBookmark(context.Context, string, string) (store.Bookmark, error)
	InsertBookmark(context.Context, store.Bookmark) (store.Bookmark, error)
	DeleteBookmark(context.Context, string, string) error
	ListBookmarks(context.Context, string) ([]store.Bookmark, error)
	UpdateBookmarkNote(context.Context, string, string, string) (store.Bookmark, error)
	Ping(ctx context.Context) error
}

// refreshStore is satisfied by both the Redis store and the Postgres store,
// so refresh tokens survive either deployment shape.
type refreshStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type assistantClient interface {
	Complete(ctx context.Context, messages []assistant.Message) (string, error)
	Model() string
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexBookmark(b search.BookmarkRecord)
	DeleteBookmark(id string)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	refresh   refreshStore
	authpw    *authpw.Service
	email     *email.Service
	assistant assistantClient
	search    searchIndex
	recorder  metrics.Recorder
}

func New(cfg config.Config, dataStore *store.PostgresStore, authSvc *authpw.Service, emailSvc *email.Service, assistantClient *assistant.Client, searchService *search.Service, recorder metrics.Recorder) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		refresh:   dataStore,
		authpw:    authSvc,
		email:     emailSvc,
		assistant: assistantClient,
		search:    searchService,
		recorder:  recorder,
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions refreshStore, authSvc *authpw.Service, emailSvc *email.Service, assistantClient *assistant.Client, searchService *search.Service, recorder metrics.Recorder) *Service {
	svc := New(cfg, dataStore, authSvc, emailSvc, assistantClient, searchService, recorder)
	svc.refresh = sessions
	return svc
}

// AuthPasswordService exposes the email/password auth service to the HTTP layer.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

// SMTPConfigured reports whether outbound email is available.
func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail mails the signup verification link. No-op failure
// when SMTP is not configured; the HTTP layer falls back to a dev token.
func (s *Service) SendVerificationEmail(to, userName, token string) error {
	if !s.SMTPConfigured() {
		return errors.New("email not configured")
	}
	url := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/auth/verify?token=" + token
	return s.email.SendVerificationEmail(to, userName, url)
}

// SendPasswordResetEmail mails the reset link.
func (s *Service) SendPasswordResetEmail(to, userName, token string) error {
	if !s.SMTPConfigured() {
		return errors.New("email not configured")
	}
	url := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/auth/password-reset-callback?token=" + token
	return s.email.SendPasswordResetEmail(to, userName, url)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ── Sessions ──

// CreateSession issues a fresh access/refresh token pair for a user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The Redis store only keeps the user ID; re-read the full record.
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		JTI:         claims.JTI,
		ExpiresAt:   time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ExchangeCode spends a one-time auth code for a full session. Used by the
// verification and password-reset callbacks.
func (s *Service) ExchangeCode(ctx context.Context, code string) (Session, error) {
	if s.authpw == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	user, err := s.authpw.ExchangeCode(ctx, code)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CODE", "Invalid or expired auth code", nil)
	}
	return s.issueSession(ctx, user)
}

// ── Profiles ──

func (s *Service) profileFor(ctx context.Context, session Session) (store.Profile, error) {
	return s.store.GetOrCreateProfile(ctx, session.UserID, session.DisplayName)
}

func (s *Service) Profile(ctx context.Context, session Session) (map[string]any, error) {
	profile, err := s.profileFor(ctx, session)
	if err != nil {
		return nil, err
	}
	return map[string]any{"profile": profileJSON(profile)}, nil
}

func (s *Service) UpdateProfile(ctx context.Context, session Session, displayName string, speechRate float64, speechLang string) (map[string]any, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "displayName is required", nil)
	}
	if speechRate < minSpeechRate || speechRate > maxSpeechRate {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("speechRate must be between %.1f and %.1f", minSpeechRate, maxSpeechRate), nil)
	}
	if strings.TrimSpace(speechLang) == "" {
		speechLang = "en-US"
	}

	profile, err := s.profileFor(ctx, session)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateProfile(ctx, profile.ID, displayName, speechRate, speechLang)
	if err != nil {
		return nil, err
	}
	return map[string]any{"profile": profileJSON(updated)}, nil
}

// ── Chat groups ──

func (s *Service) ListGroups(ctx context.Context, session Session, activeOnly, withSummaries bool) (map[string]any, error) {
	profile, err := s.profileFor(ctx, session)
	if err != nil {
		return nil, err
	}

	if withSummaries {
		summaries, err := s.store.ListChatGroupSummaries(ctx, profile.ID)
		if err != nil {
			return nil, err
		}
		items := make([]map[string]any, 0, len(summaries))
		for _, g := range summaries {
			item := groupJSON(g.ChatGroup)
			item["messageCount"] = g.MessageCount
			item["lastMessage"] = g.LastMessage
			if g.LastMessageAt != nil {
				item["lastMessageAt"] = g.LastMessageAt.Unix()
			}
			items = append(items, item)
		}
		return map[string]any{"groups": items}, nil
	}

	groups, err := s.store.ListChatGroups(ctx, profile.ID, activeOnly)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(groups))
	for _, g := range groups {
		items = append(items, groupJSON(g))
	}
	return map[string]any{"groups": items}, nil
}

func (s *Service) CreateGroup(ctx context.Context, session Session, name, description string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	profile, err := s.profileFor(ctx, session)
	if err != nil {
		return nil, err
	}

	group, err := s.store.InsertChatGroup(ctx, store.ChatGroup{
		ID:          util.NewID("grp"),
		ProfileID:   profile.ID,
		Name:        name,
		Description: strings.TrimSpace(description),
		IsActive:    true,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": groupJSON(group)}, nil
}

// ownedGroup loads a group and checks it belongs to the session's profile.
// Foreign groups surface as NOT_FOUND so IDs don't leak across accounts.
func (s *Service) ownedGroup(ctx context.Context, session Session, groupID string) (store.ChatGroup, store.Profile, error) {
	profile, err := s.profileFor(ctx, session)
	if err != nil {
		return store.ChatGroup{}, store.Profile{}, err
	}
	group, err := s.store.GetChatGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ChatGroup{}, store.Profile{}, domainError(http.StatusNotFound, "NOT_FOUND", "Chat group not found", nil)
		}
		return store.ChatGroup{}, store.Profile{}, err
	}
	if group.ProfileID != profile.ID {
		return store.ChatGroup{}, store.Profile{}, domainError(http.StatusNotFound, "NOT_FOUND", "Chat group not found", nil)
	}
	return group, profile, nil
}

func (s *Service) GetGroup(ctx context.Context, session Session, groupID string) (map[string]any, error) {
	group, _, err := s.ownedGroup(ctx, session, groupID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": groupJSON(group)}, nil
}

func (s *Service) UpdateGroup(ctx context.Context, session Session, groupID, name, description string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if _, _, err := s.ownedGroup(ctx, session, groupID); err != nil {
		return nil, err
	}
	group, err := s.store.UpdateChatGroup(ctx, groupID, name, strings.TrimSpace(description))
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": groupJSON(group)}, nil
}

func (s *Service) SetGroupActive(ctx context.Context, session Session, groupID string, active bool) (map[string]any, error) {
	if _, _, err := s.ownedGroup(ctx, session, groupID); err != nil {
		return nil, err
	}
	if err := s.store.SetChatGroupActive(ctx, groupID, active); err != nil {
		return nil, err
	}
	group, err := s.store.GetChatGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"group": groupJSON(group)}, nil
}

func (s *Service) DeleteGroup(ctx context.Context, session Session, groupID string) error {
	if _, _, err := s.ownedGroup(ctx, session, groupID); err != nil {
		return err
	}
	return s.store.DeleteChatGroup(ctx, groupID)
}

// ── Chat messages ──

func (s *Service) Messages(ctx context.Context, session Session, groupID string, limit, offset int) (map[string]any, error) {
	if _, _, err := s.ownedGroup(ctx, session, groupID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListChatMessages(ctx, groupID, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, messageJSON(m))
	}
	return map[string]any{"messages": items, "limit": limit, "offset": offset}, nil
}

// Chat persists the user's latest turn, asks the assistant for phrase
// suggestions, persists the reply, and returns both.
func (s *Service) Chat(ctx context.Context, session Session, groupID string, turns []assistant.Message) (map[string]any, error) {
	if s.assistant == nil {
		return nil, domainError(http.StatusServiceUnavailable, "ASSISTANT_UNAVAILABLE", "Assistant not configured", nil)
	}
	if len(turns) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "messages are required", nil)
	}
	for _, turn := range turns {
		if _, ok := allowedMessageRoles[turn.Role]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "role must be user or assistant", nil)
		}
	}
	last := turns[len(turns)-1]
	if last.Role != "user" || strings.TrimSpace(last.Content) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "last message must be a non-empty user message", nil)
	}

	if _, _, err := s.ownedGroup(ctx, session, groupID); err != nil {
		return nil, err
	}

	userMessage, err := s.store.InsertChatMessage(ctx, store.ChatMessage{
		ID:          util.NewID("msg"),
		ChatGroupID: groupID,
		Role:        "user",
		Content:     last.Content,
	})
	if err != nil {
		return nil, err
	}

	started := time.Now()
	reply, err := s.assistant.Complete(ctx, turns)
	if s.recorder != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.recorder.RecordCompletion(outcome, time.Since(started))
	}
	if err != nil {
		return nil, fmt.Errorf("assistant completion: %w", err)
	}

	assistantMessage, err := s.store.InsertChatMessage(ctx, store.ChatMessage{
		ID:          util.NewID("msg"),
		ChatGroupID: groupID,
		Role:        "assistant",
		Content:     reply,
		Model:       s.assistant.Model(),
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"reply":       reply,
		"suggestions": assistant.ParseSuggestions(reply),
		"userMessage": messageJSON(userMessage),
		"message":     messageJSON(assistantMessage),
	}, nil
}

// ── Bookmarks ──

type ToggleBookmarkInput struct {
	MessageID    string
	EnglishText  string
	JapaneseText string
	Note         string
}

// ToggleBookmark adds or removes a bookmark for (profile, message) with a
// single store write. A concurrent duplicate insert is reported by the store
// as ErrDuplicateBookmark and resolved here to bookmarked=true, since the
// caller's intent (have this message bookmarked) already holds.
func (s *Service) ToggleBookmark(ctx context.Context, session Session, input ToggleBookmarkInput) (map[string]any, error) {
	if strings.TrimSpace(input.MessageID) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "messageId is required", nil)
	}

	profile, err := s.profileFor(ctx, session)
	if err != nil {
		return nil, err
	}

	message, err := s.store.GetChatMessage(ctx, input.MessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Message not found", nil)
		}
		return nil, err
	}
	group, err := s.store.GetChatGroup(ctx, message.ChatGroupID)
	if err != nil {
		return nil, err
	}
	if group.ProfileID != profile.ID {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Message not found", nil)
	}

	existing, err := s.store.FindBookmark(ctx, profile.ID, input.MessageID)
	if err == nil {
		if err := s.store.DeleteBookmark(ctx, profile.ID, existing.ID); err != nil {
			return nil, err
		}
		if s.search != nil {
			s.search.DeleteBookmark(existing.ID)
		}
		s.recordToggle("removed")
		return map[string]any{"bookmarked": false}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	englishText := strings.TrimSpace(input.EnglishText)
	if englishText == "" {
		englishText = message.Content
	}

	bookmark, err := s.store.InsertBookmark(ctx, store.Bookmark{
		ID:           util.NewID("bmk"),
		ProfileID:    profile.ID,
		MessageID:    input.MessageID,
		EnglishText:  englishText,
		JapaneseText: strings.TrimSpace(input.JapaneseText),
		Note:         strings.TrimSpace(input.Note),
	})
	if errors.Is(err, store.ErrDuplicateBookmark) {
		// Lost the insert race to a concurrent toggle; the end state the
		// caller asked for is already in place.
		s.recordToggle("duplicate")
		return map[string]any{"bookmarked": true}, nil
	}
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexBookmark(search.BookmarkRecord{
			ID:           bookmark.ID,
			ProfileID:    bookmark.ProfileID,
			MessageID:    bookmark.MessageID,
			EnglishText:  bookmark.EnglishText,
			JapaneseText: bookmark.JapaneseText,
			Note:         bookmark.Note,
		})
	}
	s.recordToggle("added")
	return map[string]any{"bookmarked": true, "bookmark": bookmarkJSON(bookmark)}, nil
}

func (s *Service) recordToggle(outcome string) {
	if s.recorder != nil {
		s.recorder.RecordBookmarkToggle(outcome)
	}
}

func (s *Service) ListBookmarks(ctx context.Context, session Session) (map[string]any, error) {
	profile, err := s.profileFor(ctx, session)
	if err != nil {
		return nil, err
	}
	bookmarks, err := s.store.ListBookmarks(ctx, profile.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(bookmarks))
	for _, b := range bookmarks {
		items = append(items, bookmarkJSON(b))
	}
	return map[string]any{"bookmarks": items}, nil
}

func (s *Service) UpdateBookmarkNote(ctx context.Context, session Session, bookmarkID, note string) (map[string]any, error) {
	profile, err := s.profileFor(ctx, session)
	if err != nil {
		return nil, err
	}
	bookmark, err := s.store.UpdateBookmarkNote(ctx, profile.ID, bookmarkID, strings.TrimSpace(note))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Bookmark not found", nil)
		}
		return nil, err
	}
	if s.search != nil {
		s.search.IndexBookmark(search.BookmarkRecord{
			ID:           bookmark.ID,
			ProfileID:    bookmark.ProfileID,
			MessageID:    bookmark.MessageID,
			EnglishText:  bookmark.EnglishText,
			JapaneseText: bookmark.JapaneseText,
			Note:         bookmark.Note,
		})
	}
	return map[string]any{"bookmark": bookmarkJSON(bookmark)}, nil
}

func (s *Service) DeleteBookmark(ctx context.Context, session Session, bookmarkID string) error {
	profile, err := s.profileFor(ctx, session)
	if err != nil {
		return err
	}
	if err := s.store.DeleteBookmark(ctx, profile.ID, bookmarkID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteBookmark(bookmarkID)
	}
	return nil
}

func (s *Service) SearchBookmarks(ctx context.Context, session Session, text string, limit, offset int) (map[string]any, error) {
	if s.search == nil {
		return map[string]any{"results": []any{}, "total": 0, "query": text}, nil
	}
	profile, err := s.profileFor(ctx, session)
	if err != nil {
		return nil, err
	}
	resp := s.search.Search(search.Query{
		Text:      text,
		ProfileID: profile.ID,
		Limit:     limit,
		Offset:    offset,
	})
	return map[string]any{"results": resp.Results, "total": resp.Total, "query": resp.Query}, nil
}

// ── JSON shaping ──

func profileJSON(p store.Profile) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"displayName": p.DisplayName,
		"speechRate":  p.SpeechRate,
		"speechLang":  p.SpeechLang,
	}
}

func groupJSON(g store.ChatGroup) map[string]any {
	return map[string]any{
		"id":          g.ID,
		"name":        g.Name,
		"description": g.Description,
		"isActive":    g.IsActive,
		"createdAt":   g.CreatedAt.Unix(),
		"updatedAt":   g.UpdatedAt.Unix(),
	}
}

func messageJSON(m store.ChatMessage) map[string]any {
	return map[string]any{
		"id":        m.ID,
		"groupId":   m.ChatGroupID,
		"role":      m.Role,
		"content":   m.Content,
		"model":     m.Model,
		"createdAt": m.CreatedAt.Unix(),
	}
}

func bookmarkJSON(b store.Bookmark) map[string]any {
	return map[string]any{
		"id":           b.ID,
		"messageId":    b.MessageID,
		"englishText":  b.EnglishText,
		"japaneseText": b.JapaneseText,
		"note":         b.Note,
		"createdAt":    b.CreatedAt.Unix(),
	}
}
