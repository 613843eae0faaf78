package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/openpulse/pulse/internal/config"
	"github.com/openpulse/pulse/internal/data/db"
	"github.com/openpulse/pulse/internal/http/handlers"
	"github.com/openpulse/pulse/internal/platform/logger"
	"github.com/openpulse/pulse/internal/ratelimit"
	"github.com/openpulse/pulse/internal/server"
	"github.com/openpulse/pulse/internal/services/eventstore"
	"github.com/openpulse/pulse/internal/services/ipgeolocator"
	"github.com/openpulse/pulse/internal/services/originregistry"
	"github.com/openpulse/pulse/internal/services/saltmanager"
	"github.com/openpulse/pulse/internal/services/sessions"
	"github.com/openpulse/pulse/internal/services/uaparser"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func testLogger() *logger.Logger {
	return &logger.Logger{SugaredLogger: zap.NewNop().Sugar()}
}

type testEnv struct {
	router *gin.Engine
	db     *gorm.DB
	store  eventstore.Service
}

func newTestEnv(t *testing.T, rateMax int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger()

	gdb, err := db.NewSQLiteMemory()
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}

	saltManager, err := saltmanager.NewService(log)
	if err != nil {
		t.Fatalf("saltmanager: %v", err)
	}
	ipGeolocator, err := ipgeolocator.NewService(log, map[string]string{"192.0.2.0/24": "FR"})
	if err != nil {
		t.Fatalf("ipgeolocator: %v", err)
	}
	sessionStore := sessions.NewService(log, sessions.Config{
		InactiveTTL:           30 * time.Minute,
		GCInterval:            time.Hour,
		MaxSessionsPerVisitor: 16,
	}, nil)
	t.Cleanup(sessionStore.Stop)

	store := eventstore.NewService(log, gdb, eventstore.Config{
		MaxBatchSize:    64,
		MaxBatchTimeout: 10 * time.Millisecond,
		BufferSize:      256,
	}, nil)

	events := handlers.NewEventsHandler(
		log,
		uaparser.NewService(log),
		ipGeolocator,
		saltManager,
		sessionStore,
		store,
		100*time.Millisecond,
	)

	router := server.NewRouter(server.RouterConfig{
		Log:            log,
		Proxy:          config.Proxy{ForwardedForHeader: "X-Forwarded-For", RequestIDHeader: "X-Request-Id"},
		Limiter:        ratelimit.NewMemory(log, ratelimit.Config{Max: rateMax, Window: time.Hour}),
		OriginRegistry: originregistry.NewService(log, "site.test"),
		Events:         events,
	})

	return &testEnv{router: router, db: gdb, store: store}
}

// flush closes the event store, forcing the final batch into the database.
func (env *testEnv) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.store.Close(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (env *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func beaconRequest(method, target, page, body string) *http.Request {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Origin", "http://site.test")
	req.Header.Set("User-Agent", chromeUA)
	if page != "" {
		req.Header.Set("X-Pulse-Referrer", page)
	}
	return req
}

func (env *testEnv) pageview(t *testing.T, page, documentReferrer string) *httptest.ResponseRecorder {
	t.Helper()
	req := beaconRequest(http.MethodPost, "/api/v1/events/pageviews", page, "")
	if documentReferrer != "" {
		req.Header.Set("X-Pulse-Document-Referrer", documentReferrer)
	}
	return env.do(req)
}

func TestPageviewSessionLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	if rec := env.pageview(t, "http://site.test/foo?utm_source=github", ""); rec.Code != http.StatusOK {
		t.Fatalf("root pageview: got=%d want=%d body=%s", rec.Code, http.StatusOK, rec.Body)
	}
	if rec := env.pageview(t, "http://site.test/bar", "http://site.test/foo"); rec.Code != http.StatusOK {
		t.Fatalf("continuation pageview: got=%d want=%d body=%s", rec.Code, http.StatusOK, rec.Body)
	}

	rec := env.do(beaconRequest(http.MethodPost, "/api/v1/sessions/this", "http://site.test/bar", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("sessions/this: got=%d want=%d body=%s", rec.Code, http.StatusOK, rec.Body)
	}
	var snapshot struct {
		SessionUUID   string `json:"SessionUuid"`
		PageviewCount uint16 `json:"PageviewCount"`
		VisitorID     string `json:"VisitorId"`
		UTM           struct {
			Source string `json:"source"`
		} `json:"Utm"`
		CountryCode string `json:"CountryCode"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode session snapshot: %v", err)
	}
	if snapshot.PageviewCount != 2 {
		t.Fatalf("unexpected pageview count: got=%d want=%d", snapshot.PageviewCount, 2)
	}
	if snapshot.UTM.Source != "github" {
		t.Fatalf("utm source not fixed at session root: got=%q", snapshot.UTM.Source)
	}
	if !strings.HasPrefix(snapshot.VisitorID, "pulse_") {
		t.Fatalf("unexpected visitor id: %q", snapshot.VisitorID)
	}
	if snapshot.CountryCode != "FR" {
		t.Fatalf("unexpected country code: got=%q want=%q", snapshot.CountryCode, "FR")
	}

	env.flush(t)

	var rows []eventstore.SessionRow
	if err := env.db.Where("session_uuid = ?", snapshot.SessionUUID).Find(&rows).Error; err != nil {
		t.Fatalf("query sessions: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("unexpected session row count: got=%d want=%d", len(rows), 3)
	}
	signSum := 0
	for _, row := range rows {
		signSum += int(row.Sign)
	}
	if signSum != 1 {
		t.Fatalf("sign sum invariant violated: got=%d", signSum)
	}

	var current eventstore.SessionRow
	if err := env.db.Where("session_uuid = ? AND sign = 1", snapshot.SessionUUID).Order("version DESC").First(&current).Error; err != nil {
		t.Fatalf("query current row: %v", err)
	}
	if current.Version != 2 || current.EntryPath != "/foo" || current.ExitPath != "/bar" {
		t.Fatalf("unexpected current row: %+v", current)
	}
	if current.UtmSource != "github" || current.ReferrerDomain != "direct" {
		t.Fatalf("version-1 fields mutated: %+v", current)
	}
}

func TestPageviewExternalReferrerRootsNewSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	if rec := env.pageview(t, "http://site.test/landing", "http://news.ycombinator.com/item"); rec.Code != http.StatusOK {
		t.Fatalf("pageview: got=%d body=%s", rec.Code, rec.Body)
	}
	env.flush(t)

	var row eventstore.SessionRow
	if err := env.db.First(&row).Error; err != nil {
		t.Fatalf("query session: %v", err)
	}
	if row.Version != 1 || row.Sign != 1 {
		t.Fatalf("external referrer should root a fresh chain: %+v", row)
	}
	if row.ReferrerDomain != "news.ycombinator.com" {
		t.Fatalf("unexpected referrer domain: got=%q", row.ReferrerDomain)
	}
	if row.EntryPath != "/landing" || row.ExitPath != "/landing" {
		t.Fatalf("entry and exit path must match at the root: %+v", row)
	}
}

func TestPageviewUnregisteredOrigin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	req := beaconRequest(http.MethodPost, "/api/v1/events/pageviews", "http://evil.test/foo", "")
	req.Header.Set("Origin", "http://evil.test")
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("unregistered origin: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestPageviewBotRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	req := beaconRequest(http.MethodPost, "/api/v1/events/pageviews", "http://site.test/foo", "")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("bot pageview: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}

	env.flush(t)
	var count int64
	env.db.Model(&eventstore.SessionRow{}).Count(&count)
	if count != 0 {
		t.Fatalf("bot traffic produced %d session rows", count)
	}
}

func TestPageviewMalformedPageURI(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	if rec := env.pageview(t, "/relative/path", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed page uri: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestCustomEventSessionless(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	req := beaconRequest(http.MethodPost, "/api/v1/events/custom/click", "http://site.test/foo", `{"x":1}`)
	req.Header.Set("Content-Type", "application/json")
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("sessionless custom event: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestCustomEventRecorded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	if rec := env.pageview(t, "http://site.test/pricing", ""); rec.Code != http.StatusOK {
		t.Fatalf("pageview: got=%d", rec.Code)
	}

	req := beaconRequest(http.MethodPost, "/api/v1/events/custom/plan-selected", "http://site.test/pricing", `{"plan":"pro","seats":3}`)
	req.Header.Set("Content-Type", "application/json")
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("custom event: got=%d body=%s", rec.Code, rec.Body)
	}

	env.flush(t)
	var row eventstore.CustomEventRow
	if err := env.db.First(&row).Error; err != nil {
		t.Fatalf("query custom event: %v", err)
	}
	if row.Name != "plan-selected" {
		t.Fatalf("unexpected event name: got=%q", row.Name)
	}
	// Keys are sorted, values JSON encoded.
	if len(row.Keys) != 2 || row.Keys[0] != "plan" || row.Keys[1] != "seats" {
		t.Fatalf("unexpected keys: %v", row.Keys)
	}
	if row.Values[0] != `"pro"` || row.Values[1] != "3" {
		t.Fatalf("unexpected values: %v", row.Values)
	}
	if row.Path != "/pricing" {
		t.Fatalf("unexpected path: got=%q", row.Path)
	}
}

func TestCustomEventMalformedJSON(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	if rec := env.pageview(t, "http://site.test/foo", ""); rec.Code != http.StatusOK {
		t.Fatalf("pageview: got=%d", rec.Code)
	}

	req := beaconRequest(http.MethodPost, "/api/v1/events/custom/click", "http://site.test/foo", `{oops`)
	req.Header.Set("Content-Type", "application/json")
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestCustomEventInvalidName(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	req := beaconRequest(http.MethodPost, "/api/v1/events/custom/bad.name", "http://site.test/foo", "")
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid event name: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}
}

func TestIdentifyMergeEndToEnd(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	if rec := env.pageview(t, "http://site.test/app", ""); rec.Code != http.StatusOK {
		t.Fatalf("pageview: got=%d", rec.Code)
	}

	identify := func(body string) {
		t.Helper()
		req := beaconRequest(http.MethodPost, "/api/v1/events/identify", "http://site.test/app", body)
		req.Header.Set("Content-Type", "application/json")
		if rec := env.do(req); rec.Code != http.StatusOK {
			t.Fatalf("identify: got=%d body=%s", rec.Code, rec.Body)
		}
	}

	identify(`{"set":{"plan":"free"},"setOnce":{"signup":"organic"}}`)
	identify(`{"set":{"plan":"pro","dropped":null},"setOnce":{"signup":"paid"}}`)

	env.flush(t)

	var row eventstore.UserPropsRow
	if err := env.db.First(&row).Error; err != nil {
		t.Fatalf("query user props: %v", err)
	}
	if len(row.Keys) != 1 || row.Keys[0] != "plan" || row.Values[0] != `"pro"` {
		t.Fatalf("set semantics broken: keys=%v values=%v", row.Keys, row.Values)
	}
	if len(row.InitialKeys) != 1 || row.InitialValues[0] != `"organic"` {
		t.Fatalf("setOnce semantics broken: keys=%v values=%v", row.InitialKeys, row.InitialValues)
	}
}

func TestOutboundLinkClick(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	if rec := env.pageview(t, "http://site.test/blog", ""); rec.Code != http.StatusOK {
		t.Fatalf("pageview: got=%d", rec.Code)
	}

	req := beaconRequest(http.MethodPost, "/api/v1/events/clicks/outbound-link", "http://site.test/blog", "http://external.test/dest")
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("outbound click: got=%d body=%s", rec.Code, rec.Body)
	}

	// A same-site target is not outbound.
	req = beaconRequest(http.MethodPost, "/api/v1/events/clicks/outbound-link", "http://site.test/blog", "http://site.test/other")
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("internal link: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}

	// A relative target is rejected.
	req = beaconRequest(http.MethodPost, "/api/v1/events/clicks/outbound-link", "http://site.test/blog", "/dest")
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Fatalf("relative link: got=%d want=%d", rec.Code, http.StatusBadRequest)
	}

	env.flush(t)
	var row eventstore.OutboundLinkClickRow
	if err := env.db.First(&row).Error; err != nil {
		t.Fatalf("query click: %v", err)
	}
	if row.Link != "http://external.test/dest" {
		t.Fatalf("unexpected link: got=%q", row.Link)
	}
}

func TestPageviewExplicitVisitorRebindsClaimedChain(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	if rec := env.pageview(t, "http://site.test/foo", ""); rec.Code != http.StatusOK {
		t.Fatalf("root pageview: got=%d", rec.Code)
	}

	req := beaconRequest(http.MethodPost, "/api/v1/events/pageviews", "http://site.test/bar", "")
	req.Header.Set("X-Pulse-Document-Referrer", "http://site.test/foo")
	req.Header.Set("X-Pulse-Visitor-Id", "user-7")
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("continuation pageview: got=%d body=%s", rec.Code, rec.Body)
	}

	env.flush(t)

	var current eventstore.SessionRow
	if err := env.db.Where("sign = 1").Order("version DESC").First(&current).Error; err != nil {
		t.Fatalf("query current row: %v", err)
	}
	if current.Version != 2 {
		t.Fatalf("unexpected version: got=%d want=%d", current.Version, 2)
	}
	if current.VisitorID != "user-7" {
		t.Fatalf("explicit visitor id did not rebind the chain: got=%q want=%q", current.VisitorID, "user-7")
	}
}

func TestPageviewStatusReported(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	req := beaconRequest(http.MethodPost, "/api/v1/events/pageviews", "http://site.test/missing", "")
	req.Header.Set("X-Pulse-Status", "404")
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Fatalf("pageview with status: got=%d body=%s", rec.Code, rec.Body)
	}

	env.flush(t)

	var row eventstore.PageviewRow
	if err := env.db.First(&row).Error; err != nil {
		t.Fatalf("query pageview: %v", err)
	}
	if row.Status != 404 {
		t.Fatalf("unexpected status: got=%d want=%d", row.Status, 404)
	}
}

func TestPageviewInvalidStatusRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	for _, status := range []string{"banana", "42", "700"} {
		req := beaconRequest(http.MethodPost, "/api/v1/events/pageviews", "http://site.test/foo", "")
		req.Header.Set("X-Pulse-Status", status)
		if rec := env.do(req); rec.Code != http.StatusBadRequest {
			t.Fatalf("status %q: got=%d want=%d", status, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestNoscriptPageviewRespondsGIF(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/noscript/events/pageviews", nil)
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("Referer", "http://site.test/foo")
	rec := env.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("noscript pageview: got=%d body=%s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/gif" {
		t.Fatalf("unexpected content type: got=%q want=%q", got, "image/gif")
	}
}

func TestNoscriptOutboundLinkRedirects(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/noscript/events/outbound-link?url=http%3A%2F%2Fexternal.test%2Fdest", nil)
	req.Header.Set("User-Agent", chromeUA)
	req.Header.Set("Referer", "http://site.test/blog")
	rec := env.do(req)

	if rec.Code != http.StatusFound {
		t.Fatalf("noscript outbound link: got=%d want=%d", rec.Code, http.StatusFound)
	}
	if got := rec.Header().Get("Location"); got != "http://external.test/dest" {
		t.Fatalf("unexpected redirect target: got=%q", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 1000)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/pageviews", nil)
	req.Header.Set("Origin", "http://site.test")
	if rec := env.do(req); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("wrong method: got=%d want=%d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestRateLimitRejects(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, 2)

	for i := 0; i < 2; i++ {
		if rec := env.pageview(t, "http://site.test/foo", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d within budget: got=%d", i+1, rec.Code)
		}
	}
	if rec := env.pageview(t, "http://site.test/foo", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("request above budget: got=%d want=%d", rec.Code, http.StatusTooManyRequests)
	}
}
