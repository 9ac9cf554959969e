package handler_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tarefev/calorimeter-backend/internal/config"
	"github.com/tarefev/calorimeter-backend/internal/database"
	"github.com/tarefev/calorimeter-backend/internal/middleware"
	"github.com/tarefev/calorimeter-backend/internal/models"
	"github.com/tarefev/calorimeter-backend/internal/router"
	"github.com/tarefev/calorimeter-backend/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testBotSecret = "test-bot-secret"

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{Mode: gin.TestMode},
		Security: config.SecurityConfig{BcryptCost: 4},
		Session: config.SessionConfig{
			TTLHours:             1,
			RevokedRetentionDays: 30,
		},
		Bot: config.BotConfig{Secret: testBotSecret},
		RateLimit: config.RateLimitConfig{
			IPLimit:                1000,
			IPWindowSeconds:        60,
			LoginFailLimit:         1000,
			LoginFailWindowSeconds: 3600,
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*gin.Engine, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	return router.SetupRouter(cfg, db), db
}

func doRequest(r *gin.Engine, method, path, body string, cookie *http.Cookie, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, ck := range w.Result().Cookies() {
		if ck.Name == util.SessionCookieName {
			return ck
		}
	}
	t.Fatal("response has no session cookie")
	return nil
}

func responseData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var envelope struct {
		Code int                    `json:"code"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("parse response %q: %v", w.Body.String(), err)
	}
	return envelope.Data
}

func register(t *testing.T, r *gin.Engine, email, password string) (string, *http.Cookie) {
	t.Helper()
	w := doRequest(r, http.MethodPost, "/auth/register",
		fmt.Sprintf(`{"email":%q,"password":%q}`, email, password), nil, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", w.Code, w.Body.String())
	}
	data := responseData(t, w)
	return data["id"].(string), sessionCookie(t, w)
}

// ---------- register / login ----------

func TestRegisterAndLogin(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	id, ck := register(t, r, "a@x.com", "p")
	if id == "" {
		t.Fatal("register should return the user id")
	}
	if !ck.HttpOnly {
		t.Error("session cookie should be httpOnly")
	}

	w := doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"p"}`, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	if got := responseData(t, w)["id"]; got != id {
		t.Errorf("login returned user %v, want %v", got, id)
	}
	sessionCookie(t, w)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	register(t, r, "a@x.com", "p")

	w := doRequest(r, http.MethodPost, "/auth/register", `{"email":"a@x.com","password":"q"}`, nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestRegister_MissingFields(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	w := doRequest(r, http.MethodPost, "/auth/register", `{"email":"a@x.com"}`, nil, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	register(t, r, "a@x.com", "p")

	w := doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"wrong"}`, nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestLogin_UnknownEmail(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	w := doRequest(r, http.MethodPost, "/auth/login", `{"email":"who@x.com","password":"p"}`, nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// six consecutive failures lock the account for an hour; the correct
// password no longer helps until the lock expires
func TestLogin_Lockout(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	register(t, r, "a@x.com", "p")

	for i := 0; i < 5; i++ {
		w := doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"wrong"}`, nil, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("failure %d: status = %d, want 401", i+1, w.Code)
		}
	}

	w := doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"wrong"}`, nil, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("6th failure: status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 should carry a Retry-After header")
	}

	w = doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"p"}`, nil, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("locked login with correct password: status = %d, want 429", w.Code)
	}
}

func TestLogin_IPThrottle(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.IPLimit = 2
	r, _ := newTestServer(t, cfg)
	register(t, r, "a@x.com", "p")

	for i := 0; i < 2; i++ {
		doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"p"}`, nil, nil)
	}
	w := doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"p"}`, nil, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 after the IP window is spent", w.Code)
	}
}

// ---------- logout ----------

func TestLogout(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	_, ck := register(t, r, "a@x.com", "p")

	w := doRequest(r, http.MethodPost, "/auth/logout", "", ck, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout status = %d, want 204", w.Code)
	}
	cleared := sessionCookie(t, w)
	if cleared.Value != "" || cleared.MaxAge >= 0 {
		t.Error("logout should clear the session cookie")
	}

	w = doRequest(r, http.MethodGet, "/auth/me", "", ck, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("me after logout: status = %d, want 401", w.Code)
	}
}

func TestLogout_WithoutCookie(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	w := doRequest(r, http.MethodPost, "/auth/logout", "", nil, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 even without a session", w.Code)
	}
}

func TestLogoutAll(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	_, ck1 := register(t, r, "a@x.com", "p")

	w := doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"p"}`, nil, nil)
	ck2 := sessionCookie(t, w)

	w = doRequest(r, http.MethodPost, "/auth/logout/all", "", ck1, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout-all status = %d, want 204", w.Code)
	}

	for i, ck := range []*http.Cookie{ck1, ck2} {
		w = doRequest(r, http.MethodGet, "/auth/me", "", ck, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("session %d should be revoked, got %d", i+1, w.Code)
		}
	}
}

func TestLogoutAll_Unauthenticated(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	w := doRequest(r, http.MethodPost, "/auth/logout/all", "", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// ---------- password rotation ----------

func TestChangePassword(t *testing.T) {
	r, db := newTestServer(t, testConfig())
	id, ck1 := register(t, r, "a@x.com", "p")

	w := doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"p"}`, nil, nil)
	ck2 := sessionCookie(t, w)

	w = doRequest(r, http.MethodPatch, "/auth/password",
		`{"old_password":"p","new_password":"p2"}`, ck1, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rotate status = %d, body %s", w.Code, w.Body.String())
	}
	ck3 := sessionCookie(t, w)

	// both prior sessions are dead, the fresh one works
	for i, ck := range []*http.Cookie{ck1, ck2} {
		w = doRequest(r, http.MethodGet, "/auth/me", "", ck, nil)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("pre-rotation session %d should fail, got %d", i+1, w.Code)
		}
	}
	w = doRequest(r, http.MethodGet, "/auth/me", "", ck3, nil)
	if w.Code != http.StatusOK {
		t.Errorf("new session should authenticate, got %d", w.Code)
	}

	// exactly one valid session remains
	var count int64
	db.Model(&models.Session{}).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", id, time.Now()).
		Count(&count)
	if count != 1 {
		t.Errorf("valid sessions = %d, want 1", count)
	}

	// old credential is gone, new one works
	w = doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"p"}`, nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("old password should fail, got %d", w.Code)
	}
	w = doRequest(r, http.MethodPost, "/auth/login", `{"email":"a@x.com","password":"p2"}`, nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("new password should work, got %d", w.Code)
	}
}

func TestChangePassword_WrongOld(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	_, ck := register(t, r, "a@x.com", "p")

	w := doRequest(r, http.MethodPatch, "/auth/password",
		`{"old_password":"nope","new_password":"p2"}`, ck, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestChangePassword_Unauthenticated(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	w := doRequest(r, http.MethodPatch, "/auth/password",
		`{"old_password":"p","new_password":"p2"}`, nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// ---------- me / bot channel ----------

func TestMe_Web(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	id, ck := register(t, r, "a@x.com", "p")

	w := doRequest(r, http.MethodGet, "/auth/me", "", ck, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	user := responseData(t, w)["user"].(map[string]interface{})
	if user["id"] != id {
		t.Errorf("user id = %v, want %v", user["id"], id)
	}
}

func TestMe_Unauthenticated(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	w := doRequest(r, http.MethodGet, "/auth/me", "", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func botHeaders(extID string) map[string]string {
	return map[string]string{
		middleware.BotTokenHeader:  testBotSecret,
		middleware.BotUserIDHeader: extID,
	}
}

func botSecretOnly() map[string]string {
	return map[string]string{middleware.BotTokenHeader: testBotSecret}
}

// repeated bot calls resolve to the same provisioned user and keep a single
// bot-channel session whose last_seen_at moves forward
func TestMe_BotProvisionIdempotent(t *testing.T) {
	r, db := newTestServer(t, testConfig())

	w := doRequest(r, http.MethodGet, "/auth/me", "", nil, botHeaders("555001"))
	if w.Code != http.StatusOK {
		t.Fatalf("first bot call: status = %d, body %s", w.Code, w.Body.String())
	}
	first := responseData(t, w)["user"].(map[string]interface{})
	if first["email"] != "bot-555001@bot.local" {
		t.Errorf("placeholder email = %v", first["email"])
	}

	var firstSeen models.Session
	if err := db.First(&firstSeen, "channel = ?", models.ChannelBot).Error; err != nil {
		t.Fatalf("bot session should exist: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	w = doRequest(r, http.MethodGet, "/auth/me", "", nil, botHeaders("555001"))
	if w.Code != http.StatusOK {
		t.Fatalf("second bot call: status = %d", w.Code)
	}
	second := responseData(t, w)["user"].(map[string]interface{})
	if second["id"] != first["id"] {
		t.Errorf("bot identity resolved to a different user: %v != %v", second["id"], first["id"])
	}

	var count int64
	db.Model(&models.Session{}).Where("channel = ?", models.ChannelBot).Count(&count)
	if count != 1 {
		t.Errorf("bot sessions = %d, want 1", count)
	}

	var renewed models.Session
	db.First(&renewed, "id = ?", firstSeen.ID)
	if renewed.LastSeenAt == nil || firstSeen.LastSeenAt == nil ||
		!renewed.LastSeenAt.After(*firstSeen.LastSeenAt) {
		t.Error("last_seen_at should strictly increase across bot calls")
	}
}

func TestMe_BotBadSecret(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	headers := map[string]string{
		middleware.BotTokenHeader:  "wrong",
		middleware.BotUserIDHeader: "555001",
	}
	w := doRequest(r, http.MethodGet, "/auth/me", "", nil, headers)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// ---------- link tokens ----------

func TestLinkFlow(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	id, ck := register(t, r, "a@x.com", "p")

	w := doRequest(r, http.MethodPost, "/auth/link-token", "", ck, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("issue status = %d, body %s", w.Code, w.Body.String())
	}
	token := responseData(t, w)["token"].(string)
	if token == "" {
		t.Fatal("issue should return a token")
	}

	body := fmt.Sprintf(`{"token":%q,"external_id":"555001"}`, token)
	w = doRequest(r, http.MethodPost, "/auth/link/confirm", body, nil, botSecretOnly())
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body %s", w.Code, w.Body.String())
	}
	user := responseData(t, w)["user"].(map[string]interface{})
	if user["id"] != id {
		t.Errorf("linked user = %v, want %v", user["id"], id)
	}

	// second redemption of the same token
	w = doRequest(r, http.MethodPost, "/auth/link/confirm", body, nil, botSecretOnly())
	if w.Code != http.StatusGone {
		t.Errorf("reused token: status = %d, want 410", w.Code)
	}

	// /me over the freshly linked bot identity resolves to the same user
	w = doRequest(r, http.MethodGet, "/auth/me", "", nil, botHeaders("555001"))
	if w.Code != http.StatusOK {
		t.Fatalf("bot me after link: status = %d", w.Code)
	}
	linked := responseData(t, w)["user"].(map[string]interface{})
	if linked["id"] != id {
		t.Errorf("bot channel resolved %v, want %v", linked["id"], id)
	}
}

func TestLinkToken_Unauthenticated(t *testing.T) {
	r, _ := newTestServer(t, testConfig())

	w := doRequest(r, http.MethodPost, "/auth/link-token", "", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestLinkConfirm_Errors(t *testing.T) {
	r, _ := newTestServer(t, testConfig())
	_, ck := register(t, r, "a@x.com", "p")
	_, ck2 := register(t, r, "b@x.com", "p")

	// bad secret
	w := doRequest(r, http.MethodPost, "/auth/link/confirm",
		`{"token":"ABC123","external_id":"555001"}`, nil,
		map[string]string{middleware.BotTokenHeader: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad secret: status = %d, want 401", w.Code)
	}

	// missing fields
	w = doRequest(r, http.MethodPost, "/auth/link/confirm",
		`{"token":"ABC123"}`, nil, botSecretOnly())
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing fields: status = %d, want 400", w.Code)
	}

	// unknown token
	w = doRequest(r, http.MethodPost, "/auth/link/confirm",
		`{"token":"ZZZZZZ","external_id":"555001"}`, nil, botSecretOnly())
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown token: status = %d, want 404", w.Code)
	}

	// identity already linked to another user
	w = doRequest(r, http.MethodPost, "/auth/link-token", "", ck, nil)
	token1 := responseData(t, w)["token"].(string)
	w = doRequest(r, http.MethodPost, "/auth/link/confirm",
		fmt.Sprintf(`{"token":%q,"external_id":"555001"}`, token1), nil, botSecretOnly())
	if w.Code != http.StatusOK {
		t.Fatalf("first link: status = %d", w.Code)
	}

	w = doRequest(r, http.MethodPost, "/auth/link-token", "", ck2, nil)
	token2 := responseData(t, w)["token"].(string)
	w = doRequest(r, http.MethodPost, "/auth/link/confirm",
		fmt.Sprintf(`{"token":%q,"external_id":"555001"}`, token2), nil, botSecretOnly())
	if w.Code != http.StatusConflict {
		t.Errorf("already linked: status = %d, want 409", w.Code)
	}
}
