package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"

	"github.com/yakshears/passgate/internal/ceremony"
	"github.com/yakshears/passgate/internal/directory"
	"github.com/yakshears/passgate/internal/gate"
	"github.com/yakshears/passgate/internal/models"
	"github.com/yakshears/passgate/internal/session"
)

// stubVerifier accepts any response whose signed challenge matches the
// expected one. Responses are plain JSON, same wire shape the engine hands
// through untouched.
type stubVerifier struct {
	n int
}

type stubResponse struct {
	CredentialID string `json:"credential_id"`
	Challenge    string `json:"challenge"`
	PublicKey    string `json:"public_key"`
	SignCount    uint32 `json:"sign_count"`
}

func (s *stubVerifier) nextChallenge() string {
	s.n++
	return fmt.Sprintf("challenge-%d", s.n)
}

func (s *stubVerifier) RegistrationOptions(user *models.User) (*protocol.CredentialCreation, string, error) {
	challenge := s.nextChallenge()
	options := &protocol.CredentialCreation{}
	options.Response.Challenge = protocol.URLEncodedBase64(challenge)
	return options, challenge, nil
}

func (s *stubVerifier) AuthenticationOptions(user *models.User) (*protocol.CredentialAssertion, string, error) {
	challenge := s.nextChallenge()
	options := &protocol.CredentialAssertion{}
	options.Response.Challenge = protocol.URLEncodedBase64(challenge)
	return options, challenge, nil
}

func (s *stubVerifier) VerifyRegistration(user *models.User, challenge string, response []byte) (*models.CredentialEntry, error) {
	var resp stubResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, err
	}
	if resp.Challenge != challenge {
		return nil, fmt.Errorf("challenge mismatch")
	}
	return &models.CredentialEntry{ID: resp.CredentialID, PublicKey: []byte(resp.PublicKey), SignCount: resp.SignCount}, nil
}

func (s *stubVerifier) AssertionCredentialID(response []byte) (string, error) {
	var resp stubResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return "", err
	}
	return resp.CredentialID, nil
}

func (s *stubVerifier) VerifyAuthentication(user *models.User, challenge string, credential *models.CredentialEntry, response []byte) (uint32, error) {
	var resp stubResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return 0, err
	}
	if resp.Challenge != challenge {
		return 0, fmt.Errorf("challenge mismatch")
	}
	return resp.SignCount, nil
}

// newTestServer wires the handlers behind the same gate pipeline main uses,
// plus a protected /home page.
func newTestServer(t *testing.T) (http.Handler, *directory.Directory) {
	t.Helper()
	store := session.NewMemoryStore()
	t.Cleanup(store.Close)
	dir, err := directory.Open(context.Background(), directory.NewMemorySnapshot(), session.NewIssuer(store, 0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	engine := ceremony.NewEngine(dir, &stubVerifier{})
	handlers, err := NewHandlers(engine, dir)
	if err != nil {
		t.Fatalf("NewHandlers: %v", err)
	}

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.HandleFunc("GET /home", func(w http.ResponseWriter, r *http.Request) {
		user := gate.Identity(r.Context())
		fmt.Fprintf(w, "home of %s", user.Name)
	})

	policy := gate.NewPolicy([]string{"/", "/health"}, []string{"/auth/"})
	return gate.Chain(mux, gate.RequireAuth(dir, policy)), dir
}

func verifyBody(t *testing.T, username string, resp stubResponse) *strings.Reader {
	t.Helper()
	credential, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal credential: %v", err)
	}
	body, err := json.Marshal(map[string]json.RawMessage{
		"username":   json.RawMessage(fmt.Sprintf("%q", username)),
		"credential": credential,
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return strings.NewReader(string(body))
}

func currentChallenge(t *testing.T, dir *directory.Directory, name string) string {
	t.Helper()
	user := dir.UserByName(name)
	if user == nil {
		t.Fatalf("user %q not found", name)
	}
	return user.CurrentChallenge
}

func sessionCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == gate.SessionCookie {
			return cookie
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestHealth(t *testing.T) {
	handler, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRegistrationFlow(t *testing.T) {
	handler, dir := newTestServer(t)

	// Step 1: submit the registration form.
	form := strings.NewReader("username=alice&display_name=Alice+A")
	req := httptest.NewRequest("POST", "/auth/register", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("register begin status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "challenge") {
		t.Error("register page does not embed the ceremony options")
	}

	// Step 2: post the attestation response.
	req = httptest.NewRequest("POST", "/auth/verify_register", verifyBody(t, "alice", stubResponse{
		CredentialID: "c1",
		Challenge:    currentChallenge(t, dir, "alice"),
		PublicKey:    "pk1",
	}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify_register status = %d, body = %s", rec.Code, rec.Body.String())
	}

	cookie := sessionCookie(t, rec)
	if cookie.Value == "" || !cookie.HttpOnly {
		t.Errorf("session cookie = %+v, want non-empty HttpOnly", cookie)
	}

	user := dir.UserByName("alice")
	if len(user.Credentials) != 1 || user.Credentials[0].ID != "c1" {
		t.Errorf("credentials after registration = %+v", user.Credentials)
	}

	// The minted session admits the caller to a protected page.
	req = httptest.NewRequest("GET", "/home", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "alice") {
		t.Errorf("GET /home with session = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRegisterNameTaken(t *testing.T) {
	handler, dir := newTestServer(t)
	ctx := context.Background()
	if _, err := dir.CreateUser(ctx, "alice", "Alice A"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	form := strings.NewReader("username=alice&display_name=Imposter")
	req := httptest.NewRequest("POST", "/auth/register", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "already taken") {
		t.Errorf("body = %q, want a name-taken message", rec.Body.String())
	}
}

func TestLoginFlow(t *testing.T) {
	handler, dir := newTestServer(t)
	ctx := context.Background()

	user, err := dir.CreateUser(ctx, "alice", "Alice A")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := dir.AddCredential(ctx, user.ID, models.CredentialEntry{ID: "c1", PublicKey: []byte("pk1"), SignCount: 5}); err != nil {
		t.Fatalf("AddCredential: %v", err)
	}

	form := strings.NewReader("username=alice")
	req := httptest.NewRequest("POST", "/auth/login", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login begin status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("POST", "/auth/verify_login", verifyBody(t, "alice", stubResponse{
		CredentialID: "c1",
		Challenge:    currentChallenge(t, dir, "alice"),
		SignCount:    6,
	}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify_login status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if got := dir.UserByName("alice").Credential("c1").SignCount; got != 6 {
		t.Errorf("sign count = %d, want 6", got)
	}

	cookie := sessionCookie(t, rec)
	resolved, err := dir.ResolveSession(context.Background(), cookie.Value)
	if err != nil || resolved != user.ID {
		t.Errorf("ResolveSession = %q, %v; want %q", resolved, err, user.ID)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	handler, _ := newTestServer(t)

	form := strings.NewReader("username=nobody")
	req := httptest.NewRequest("POST", "/auth/login", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Invalid username") {
		t.Errorf("body = %q, want invalid-username message", rec.Body.String())
	}
}

func TestVerifyLoginWithoutBegin(t *testing.T) {
	handler, dir := newTestServer(t)
	ctx := context.Background()

	user, _ := dir.CreateUser(ctx, "alice", "Alice A")
	dir.AddCredential(ctx, user.ID, models.CredentialEntry{ID: "c1", SignCount: 0})

	req := httptest.NewRequest("POST", "/auth/verify_login", verifyBody(t, "alice", stubResponse{
		CredentialID: "c1",
		Challenge:    "anything",
		SignCount:    1,
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "no ceremony in progress") {
		t.Errorf("body = %q, want no-ceremony message", rec.Body.String())
	}
}

func TestLogout(t *testing.T) {
	handler, dir := newTestServer(t)
	ctx := context.Background()

	user, _ := dir.CreateUser(ctx, "alice", "Alice A")
	sessionID, err := dir.CreateSession(ctx, user.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	req := httptest.NewRequest("GET", "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: gate.SessionCookie, Value: sessionID})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/home" {
		t.Errorf("Location = %q, want /home", got)
	}
	cookie := sessionCookie(t, rec)
	if cookie.Value != "" || cookie.MaxAge >= 0 {
		t.Errorf("cookie not cleared: %+v", cookie)
	}

	resolved, err := dir.ResolveSession(ctx, sessionID)
	if err != nil || resolved != "" {
		t.Errorf("session still resolvable after logout: %q, %v", resolved, err)
	}
}

func TestStatus(t *testing.T) {
	handler, dir := newTestServer(t)
	ctx := context.Background()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/auth/status", nil))
	var anon struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&anon); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if anon.Authenticated {
		t.Error("anonymous status reports authenticated")
	}

	user, _ := dir.CreateUser(ctx, "alice", "Alice A")
	sessionID, _ := dir.CreateSession(ctx, user.ID)

	req := httptest.NewRequest("GET", "/auth/status", nil)
	req.AddCookie(&http.Cookie{Name: gate.SessionCookie, Value: sessionID})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var authed struct {
		Authenticated bool `json:"authenticated"`
		User          struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			DisplayName string `json:"display_name"`
		} `json:"user"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&authed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !authed.Authenticated || authed.User.Name != "alice" || authed.User.ID != user.ID {
		t.Errorf("status = %+v, want authenticated alice", authed)
	}
}

func TestLoginPageRedirectsWhenAuthenticated(t *testing.T) {
	handler, dir := newTestServer(t)
	ctx := context.Background()

	user, _ := dir.CreateUser(ctx, "alice", "Alice A")
	sessionID, _ := dir.CreateSession(ctx, user.ID)

	req := httptest.NewRequest("GET", "/auth/login", nil)
	req.AddCookie(&http.Cookie{Name: gate.SessionCookie, Value: sessionID})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "/home" {
		t.Errorf("Location = %q, want /home", got)
	}
}
