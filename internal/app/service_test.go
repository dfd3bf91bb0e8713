package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"eigochat/api/internal/assistant"
	"eigochat/api/internal/config"
	"eigochat/api/internal/search"
	"eigochat/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn            func(context.Context, string) (store.User, error)
	getOrCreateProfileFn     func(context.Context, string, string) (store.Profile, error)
	updateProfileFn          func(context.Context, string, string, float64, string) (store.Profile, error)
	listChatGroupsFn         func(context.Context, string, bool) ([]store.ChatGroup, error)
	listChatGroupSummariesFn func(context.Context, string) ([]store.ChatGroupSummary, error)
	getChatGroupFn           func(context.Context, string) (store.ChatGroup, error)
	insertChatGroupFn        func(context.Context, store.ChatGroup) (store.ChatGroup, error)
	updateChatGroupFn        func(context.Context, string, string, string) (store.ChatGroup, error)
	setChatGroupActiveFn     func(context.Context, string, bool) error
	deleteChatGroupFn        func(context.Context, string) error
	listChatMessagesFn       func(context.Context, string, int, int) ([]store.ChatMessage, error)
	getChatMessageFn         func(context.Context, string) (store.ChatMessage, error)
	insertChatMessageFn      func(context.Context, store.ChatMessage) (store.ChatMessage, error)
	findBookmarkFn           func(context.Context, string, string) (store.Bookmark, error)
	insertBookmarkFn         func(context.Context, store.Bookmark) (store.Bookmark, error)
	deleteBookmarkFn         func(context.Context, string, string) error
	listBookmarksFn          func(context.Context, string) ([]store.Bookmark, error)
	updateBookmarkNoteFn     func(context.Context, string, string, string) (store.Bookmark, error)
	isAccessTokenRevokedFn   func(context.Context, string) (bool, error)
	pingFn                   func(context.Context) error

	mu       sync.Mutex
	sessions map[string]string
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{ID: id, Email: "avery@example.com", DisplayName: "Avery"}, nil
}

func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) GetOrCreateProfile(ctx context.Context, userID, displayName string) (store.Profile, error) {
	if f.getOrCreateProfileFn != nil {
		return f.getOrCreateProfileFn(ctx, userID, displayName)
	}
	return store.Profile{ID: "prof-" + userID, UserID: userID, DisplayName: displayName, SpeechRate: 1.0, SpeechLang: "en-US"}, nil
}

func (f *fakeStore) UpdateProfile(ctx context.Context, profileID, displayName string, speechRate float64, speechLang string) (store.Profile, error) {
	if f.updateProfileFn != nil {
		return f.updateProfileFn(ctx, profileID, displayName, speechRate, speechLang)
	}
	return store.Profile{ID: profileID, DisplayName: displayName, SpeechRate: speechRate, SpeechLang: speechLang}, nil
}

func (f *fakeStore) ListChatGroups(ctx context.Context, profileID string, activeOnly bool) ([]store.ChatGroup, error) {
	if f.listChatGroupsFn != nil {
		return f.listChatGroupsFn(ctx, profileID, activeOnly)
	}
	return nil, nil
}

func (f *fakeStore) ListChatGroupSummaries(ctx context.Context, profileID string) ([]store.ChatGroupSummary, error) {
	if f.listChatGroupSummariesFn != nil {
		return f.listChatGroupSummariesFn(ctx, profileID)
	}
	return nil, nil
}

func (f *fakeStore) GetChatGroup(ctx context.Context, id string) (store.ChatGroup, error) {
	if f.getChatGroupFn != nil {
		return f.getChatGroupFn(ctx, id)
	}
	return store.ChatGroup{}, sql.ErrNoRows
}

func (f *fakeStore) InsertChatGroup(ctx context.Context, group store.ChatGroup) (store.ChatGroup, error) {
	if f.insertChatGroupFn != nil {
		return f.insertChatGroupFn(ctx, group)
	}
	return group, nil
}

func (f *fakeStore) UpdateChatGroup(ctx context.Context, id, name, description string) (store.ChatGroup, error) {
	if f.updateChatGroupFn != nil {
		return f.updateChatGroupFn(ctx, id, name, description)
	}
	return store.ChatGroup{ID: id, Name: name, Description: description}, nil
}

func (f *fakeStore) SetChatGroupActive(ctx context.Context, id string, active bool) error {
	if f.setChatGroupActiveFn != nil {
		return f.setChatGroupActiveFn(ctx, id, active)
	}
	return nil
}

func (f *fakeStore) DeleteChatGroup(ctx context.Context, id string) error {
	if f.deleteChatGroupFn != nil {
		return f.deleteChatGroupFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) ListChatMessages(ctx context.Context, groupID string, limit, offset int) ([]store.ChatMessage, error) {
	if f.listChatMessagesFn != nil {
		return f.listChatMessagesFn(ctx, groupID, limit, offset)
	}
	return nil, nil
}

func (f *fakeStore) GetChatMessage(ctx context.Context, id string) (store.ChatMessage, error) {
	if f.getChatMessageFn != nil {
		return f.getChatMessageFn(ctx, id)
	}
	return store.ChatMessage{}, sql.ErrNoRows
}

func (f *fakeStore) InsertChatMessage(ctx context.Context, message store.ChatMessage) (store.ChatMessage, error) {
	if f.insertChatMessageFn != nil {
		return f.insertChatMessageFn(ctx, message)
	}
	message.CreatedAt = time.Now()
	return message, nil
}

func (f *fakeStore) FindBookmark(ctx context.Context, profileID, messageID string) (store.Bookmark, error) {
	if f.findBookmarkFn != nil {
		return f.findBookmarkFn(ctx, profileID, messageID)
	}
	return store.Bookmark{}, sql.ErrNoRows
}

func (f *fakeStore) InsertBookmark(ctx context.Context, bookmark store.Bookmark) (store.Bookmark, error) {
	if f.insertBookmarkFn != nil {
		return f.insertBookmarkFn(ctx, bookmark)
	}
	return bookmark, nil
}

func (f *fakeStore) DeleteBookmark(ctx context.Context, profileID, bookmarkID string) error {
	if f.deleteBookmarkFn != nil {
		return f.deleteBookmarkFn(ctx, profileID, bookmarkID)
	}
	return nil
}

func (f *fakeStore) ListBookmarks(ctx context.Context, profileID string) ([]store.Bookmark, error) {
	if f.listBookmarksFn != nil {
		return f.listBookmarksFn(ctx, profileID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateBookmarkNote(ctx context.Context, profileID, bookmarkID, note string) (store.Bookmark, error) {
	if f.updateBookmarkNoteFn != nil {
		return f.updateBookmarkNoteFn(ctx, profileID, bookmarkID, note)
	}
	return store.Bookmark{}, sql.ErrNoRows
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		f.sessions = make(map[string]string)
	}
	f.sessions[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

type fakeAssistant struct {
	completeFn func(context.Context, []assistant.Message) (string, error)
}

func (f *fakeAssistant) Complete(ctx context.Context, messages []assistant.Message) (string, error) {
	if f.completeFn != nil {
		return f.completeFn(ctx, messages)
	}
	return `1. "Nice to meet you" (はじめまして)`, nil
}

func (f *fakeAssistant) Model() string { return "fake-model" }

type fakeSearch struct {
	mu      sync.Mutex
	indexed []search.BookmarkRecord
	deleted []string
}

func (f *fakeSearch) Search(search.Query) search.Response { return search.Response{} }

func (f *fakeSearch) IndexBookmark(b search.BookmarkRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, b)
}

func (f *fakeSearch) DeleteBookmark(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:   fs,
		refresh: fs,
	}
}

func testSession() Session {
	return Session{UserID: "user-1", Email: "avery@example.com", DisplayName: "Avery"}
}

// ownedGroupStore wires a single group and message owned by user-1's profile.
func ownedGroupStore() *fakeStore {
	return &fakeStore{
		getChatGroupFn: func(_ context.Context, id string) (store.ChatGroup, error) {
			if id != "grp-1" {
				return store.ChatGroup{}, sql.ErrNoRows
			}
			return store.ChatGroup{ID: "grp-1", ProfileID: "prof-user-1", Name: "Travel", IsActive: true}, nil
		},
		getChatMessageFn: func(_ context.Context, id string) (store.ChatMessage, error) {
			if id != "msg-1" {
				return store.ChatMessage{}, sql.ErrNoRows
			}
			return store.ChatMessage{ID: "msg-1", ChatGroupID: "grp-1", Role: "assistant", Content: `1. "Where is the station?" (駅はどこですか)`}, nil
		},
	}
}

func TestToggleBookmarkAddsWhenAbsent(t *testing.T) {
	fs := ownedGroupStore()
	var inserted store.Bookmark
	fs.insertBookmarkFn = func(_ context.Context, b store.Bookmark) (store.Bookmark, error) {
		inserted = b
		return b, nil
	}
	svc := newTestService(fs)
	idx := &fakeSearch{}
	svc.search = idx

	payload, err := svc.ToggleBookmark(context.Background(), testSession(), ToggleBookmarkInput{
		MessageID:   "msg-1",
		EnglishText: "Where is the station?",
		Note:        "asked in Kyoto",
	})
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if payload["bookmarked"] != true {
		t.Fatalf("expected bookmarked true, got %v", payload["bookmarked"])
	}
	if inserted.ProfileID != "prof-user-1" || inserted.MessageID != "msg-1" {
		t.Fatalf("unexpected insert: %+v", inserted)
	}
	if len(idx.indexed) != 1 || idx.indexed[0].ID != inserted.ID {
		t.Fatalf("expected bookmark indexed, got %+v", idx.indexed)
	}
}

func TestToggleBookmarkRemovesWhenPresent(t *testing.T) {
	fs := ownedGroupStore()
	fs.findBookmarkFn = func(context.Context, string, string) (store.Bookmark, error) {
		return store.Bookmark{ID: "bmk-1", ProfileID: "prof-user-1", MessageID: "msg-1"}, nil
	}
	var deletedProfile, deletedID string
	fs.deleteBookmarkFn = func(_ context.Context, profileID, bookmarkID string) error {
		deletedProfile = profileID
		deletedID = bookmarkID
		return nil
	}
	fs.insertBookmarkFn = func(context.Context, store.Bookmark) (store.Bookmark, error) {
		t.Fatal("insert must not be called when a bookmark exists")
		return store.Bookmark{}, nil
	}
	svc := newTestService(fs)
	idx := &fakeSearch{}
	svc.search = idx

	payload, err := svc.ToggleBookmark(context.Background(), testSession(), ToggleBookmarkInput{MessageID: "msg-1"})
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if payload["bookmarked"] != false {
		t.Fatalf("expected bookmarked false, got %v", payload["bookmarked"])
	}
	if deletedProfile != "prof-user-1" || deletedID != "bmk-1" {
		t.Fatalf("unexpected delete args: %s %s", deletedProfile, deletedID)
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != "bmk-1" {
		t.Fatalf("expected bookmark deindexed, got %+v", idx.deleted)
	}
}

func TestToggleBookmarkDuplicateInsertResolvesToBookmarked(t *testing.T) {
	fs := ownedGroupStore()
	fs.insertBookmarkFn = func(context.Context, store.Bookmark) (store.Bookmark, error) {
		return store.Bookmark{}, store.ErrDuplicateBookmark
	}
	svc := newTestService(fs)

	payload, err := svc.ToggleBookmark(context.Background(), testSession(), ToggleBookmarkInput{MessageID: "msg-1"})
	if err != nil {
		t.Fatalf("duplicate insert must not surface as an error, got %v", err)
	}
	if payload["bookmarked"] != true {
		t.Fatalf("expected bookmarked true after duplicate insert, got %v", payload["bookmarked"])
	}
	if _, ok := payload["bookmark"]; ok {
		t.Fatal("duplicate resolution should not fabricate a bookmark payload")
	}
}

func TestToggleBookmarkRequiresMessageID(t *testing.T) {
	svc := newTestService(ownedGroupStore())
	_, err := svc.ToggleBookmark(context.Background(), testSession(), ToggleBookmarkInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestToggleBookmarkForeignMessageIsNotFound(t *testing.T) {
	fs := ownedGroupStore()
	fs.getChatGroupFn = func(context.Context, string) (store.ChatGroup, error) {
		return store.ChatGroup{ID: "grp-1", ProfileID: "prof-somebody-else"}, nil
	}
	svc := newTestService(fs)

	_, err := svc.ToggleBookmark(context.Background(), testSession(), ToggleBookmarkInput{MessageID: "msg-1"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND for foreign message, got %v", err)
	}
}

func TestToggleBookmarkDefaultsEnglishTextToMessageContent(t *testing.T) {
	fs := ownedGroupStore()
	var inserted store.Bookmark
	fs.insertBookmarkFn = func(_ context.Context, b store.Bookmark) (store.Bookmark, error) {
		inserted = b
		return b, nil
	}
	svc := newTestService(fs)

	if _, err := svc.ToggleBookmark(context.Background(), testSession(), ToggleBookmarkInput{MessageID: "msg-1"}); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !strings.Contains(inserted.EnglishText, "Where is the station?") {
		t.Fatalf("expected english text to default to message content, got %q", inserted.EnglishText)
	}
}

func TestChatPersistsBothTurnsAndParsesSuggestions(t *testing.T) {
	fs := ownedGroupStore()
	var saved []store.ChatMessage
	fs.insertChatMessageFn = func(_ context.Context, m store.ChatMessage) (store.ChatMessage, error) {
		m.CreatedAt = time.Now()
		saved = append(saved, m)
		return m, nil
	}
	svc := newTestService(fs)
	svc.assistant = &fakeAssistant{
		completeFn: func(_ context.Context, messages []assistant.Message) (string, error) {
			if len(messages) != 1 || messages[0].Content != "駅はどこ？" {
				t.Fatalf("unexpected turns: %+v", messages)
			}
			return "1. \"Where is the station?\" (駅はどこですか)\n2. \"How do I get to the station?\" (駅へはどう行けばいいですか)", nil
		},
	}

	payload, err := svc.Chat(context.Background(), testSession(), "grp-1", []assistant.Message{
		{Role: "user", Content: "駅はどこ？"},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if len(saved) != 2 {
		t.Fatalf("expected user and assistant turns persisted, got %d", len(saved))
	}
	if saved[0].Role != "user" || saved[1].Role != "assistant" {
		t.Fatalf("unexpected roles: %s %s", saved[0].Role, saved[1].Role)
	}
	if saved[1].Model != "fake-model" {
		t.Fatalf("expected model recorded on assistant turn, got %q", saved[1].Model)
	}

	suggestions, ok := payload["suggestions"].([]assistant.Suggestion)
	if !ok || len(suggestions) != 2 {
		t.Fatalf("expected 2 parsed suggestions, got %v", payload["suggestions"])
	}
	if suggestions[0].EnglishText != "Where is the station?" {
		t.Fatalf("unexpected suggestion: %+v", suggestions[0])
	}
}

func TestChatRejectsAssistantFinalTurn(t *testing.T) {
	svc := newTestService(ownedGroupStore())
	svc.assistant = &fakeAssistant{}

	_, err := svc.Chat(context.Background(), testSession(), "grp-1", []assistant.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "reply"},
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestChatDoesNotPersistAssistantTurnOnFailure(t *testing.T) {
	fs := ownedGroupStore()
	var saved []store.ChatMessage
	fs.insertChatMessageFn = func(_ context.Context, m store.ChatMessage) (store.ChatMessage, error) {
		saved = append(saved, m)
		return m, nil
	}
	svc := newTestService(fs)
	svc.assistant = &fakeAssistant{
		completeFn: func(context.Context, []assistant.Message) (string, error) {
			return "", errors.New("model unavailable")
		},
	}

	_, err := svc.Chat(context.Background(), testSession(), "grp-1", []assistant.Message{
		{Role: "user", Content: "hi"},
	})
	if err == nil {
		t.Fatal("expected error when the assistant fails")
	}
	if len(saved) != 1 || saved[0].Role != "user" {
		t.Fatalf("expected only the user turn persisted, got %+v", saved)
	}
}

func TestUpdateProfileValidatesSpeechRate(t *testing.T) {
	svc := newTestService(&fakeStore{})

	for _, rate := range []float64{0.4, 2.1, -1} {
		_, err := svc.UpdateProfile(context.Background(), testSession(), "Avery", rate, "en-US")
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
			t.Fatalf("rate %v: expected VALIDATION_ERROR, got %v", rate, err)
		}
	}

	if _, err := svc.UpdateProfile(context.Background(), testSession(), "Avery", 1.5, "en-US"); err != nil {
		t.Fatalf("valid rate rejected: %v", err)
	}
}

func TestUpdateProfileDefaultsSpeechLang(t *testing.T) {
	fs := &fakeStore{}
	var gotLang string
	fs.updateProfileFn = func(_ context.Context, profileID, displayName string, speechRate float64, speechLang string) (store.Profile, error) {
		gotLang = speechLang
		return store.Profile{ID: profileID, DisplayName: displayName, SpeechRate: speechRate, SpeechLang: speechLang}, nil
	}
	svc := newTestService(fs)

	if _, err := svc.UpdateProfile(context.Background(), testSession(), "Avery", 1.0, "  "); err != nil {
		t.Fatalf("update: %v", err)
	}
	if gotLang != "en-US" {
		t.Fatalf("expected speechLang default en-US, got %q", gotLang)
	}
}

func TestGroupOwnershipHidesForeignGroups(t *testing.T) {
	fs := &fakeStore{
		getChatGroupFn: func(context.Context, string) (store.ChatGroup, error) {
			return store.ChatGroup{ID: "grp-9", ProfileID: "prof-somebody-else"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.GetGroup(context.Background(), testSession(), "grp-9")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404 for foreign group, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fs := &fakeStore{}
	svc := newTestService(fs)

	first, err := svc.CreateSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("expected refresh token rotation")
	}

	if _, err := svc.Refresh(context.Background(), first.RefreshToken); err == nil {
		t.Fatal("expected spent refresh token to be rejected")
	}
}

func TestSessionFromTokenRejectsRevokedJTI(t *testing.T) {
	fs := &fakeStore{
		isAccessTokenRevokedFn: func(context.Context, string) (bool, error) { return true, nil },
	}
	svc := newTestService(fs)

	session, err := svc.CreateSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
}
