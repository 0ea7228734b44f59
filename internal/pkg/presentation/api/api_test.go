package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/cues"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/directory"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/fallalert"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/liveness"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/monitor"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/session"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/webevents"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/identity"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/localstate"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/push"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/router"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/storage"
)

func TestHealth(t *testing.T) {
	is, f := testSetup(t)

	resp, _ := testRequest(f.server, http.MethodGet, "/health", "", nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestLoginAndMe(t *testing.T) {
	is, f := testSetup(t)

	token := f.login(is, "admin@x.com", "adminpw")

	resp, body := testRequest(f.server, http.MethodGet, "/api/v0/me", token, nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, `"role":"admin"`))
}

func TestLoginWithWrongPasswordIsUnauthorized(t *testing.T) {
	is, f := testSetup(t)

	resp, _ := testRequest(f.server, http.MethodPost, "/api/v0/auth/login", "", loginRequest{Email: "admin@x.com", Password: "nope"})
	is.Equal(resp.StatusCode, http.StatusUnauthorized)
}

func TestRequestWithoutTokenIsUnauthorized(t *testing.T) {
	is, f := testSetup(t)

	resp, _ := testRequest(f.server, http.MethodGet, "/api/v0/devices", "", nil)
	is.Equal(resp.StatusCode, http.StatusUnauthorized)

	resp, _ = testRequest(f.server, http.MethodGet, "/api/v0/devices", "not-a-jwt", nil)
	is.Equal(resp.StatusCode, http.StatusUnauthorized)
}

func TestAccountWithoutRecordIsForbiddenWithHint(t *testing.T) {
	is, f := testSetup(t)

	_, err := f.idp.CreateAccount(context.Background(), "orphan@x.com", "secret1")
	is.NoErr(err)

	resp, body := testRequest(f.server, http.MethodPost, "/api/v0/auth/login", "", loginRequest{Email: "orphan@x.com", Password: "secret1"})
	is.Equal(resp.StatusCode, http.StatusForbidden)

	response := struct {
		Hint    string          `json:"hint"`
		Session session.Session `json:"session"`
	}{}
	is.NoErr(json.Unmarshal([]byte(body), &response))
	is.Equal(response.Hint, profileMissingHint)
	is.True(response.Session.Token != "")

	resp, _ = testRequest(f.server, http.MethodGet, "/api/v0/me", response.Session.Token, nil)
	is.Equal(resp.StatusCode, http.StatusForbidden)
}

func TestAdminManagesGuardiansAndDevices(t *testing.T) {
	is, f := testSetup(t)

	admin := f.login(is, "admin@x.com", "adminpw")

	resp, body := testRequest(f.server, http.MethodPost, "/api/v0/guardians", admin, guardianRequest{Email: "g@x.com", Name: "G", Password: "secret1"})
	is.Equal(resp.StatusCode, http.StatusCreated)

	guardian := struct {
		ID string `json:"id"`
	}{}
	is.NoErr(json.Unmarshal([]byte(body), &guardian))

	resp, _ = testRequest(f.server, http.MethodPost, "/api/v0/guardians", admin, guardianRequest{Email: "G@x.com", Name: "G", Password: "secret1"})
	is.Equal(resp.StatusCode, http.StatusConflict)

	resp, _ = testRequest(f.server, http.MethodPost, "/api/v0/devices", admin, deviceRequest{ID: "STICK-001", DataSource: "esp32-a"})
	is.Equal(resp.StatusCode, http.StatusCreated)

	resp, _ = testRequest(f.server, http.MethodPost, "/api/v0/devices", admin, deviceRequest{ID: "STICK-001"})
	is.Equal(resp.StatusCode, http.StatusConflict)

	resp, _ = testRequest(f.server, http.MethodPost, "/api/v0/devices/STICK-001/link", admin, linkRequest{GuardianID: guardian.ID})
	is.Equal(resp.StatusCode, http.StatusNoContent)

	g := f.login(is, "g@x.com", "secret1")

	resp, body = testRequest(f.server, http.MethodPatch, "/api/v0/devices/STICK-001", g, map[string]string{"userName": "Ravi", "dataSource": "esp32-z"})
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, `"userName":"Ravi"`))
	is.True(strings.Contains(body, `"dataSource":"esp32-a"`))

	resp, _ = testRequest(f.server, http.MethodGet, "/api/v0/devices/STICK-001/fallhistory", g, nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	resp, _ = testRequest(f.server, http.MethodPost, "/api/v0/alerts/STICK-001/acknowledge", g, nil)
	is.Equal(resp.StatusCode, http.StatusConflict)

	resp, body = testRequest(f.server, http.MethodGet, "/api/v0/alerts", g, nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.Equal(body, `{"alerts":[],"banners":[]}`)

	resp, _ = testRequest(f.server, http.MethodDelete, "/api/v0/guardians/"+guardian.ID, admin, nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, _ = testRequest(f.server, http.MethodDelete, "/api/v0/devices/STICK-001", admin, nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, _ = testRequest(f.server, http.MethodDelete, "/api/v0/devices/STICK-001", admin, nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestGuardianIsKeptToOwnDevices(t *testing.T) {
	is, f := testSetup(t)
	ctx := context.Background()

	f.dir.AddGuardian(ctx, directory.Profile{Email: "g1@x.com", Name: "G1"}, "secret1")
	f.dir.AddDevice(ctx, "STICK-001", "")

	g := f.login(is, "g1@x.com", "secret1")

	resp, _ := testRequest(f.server, http.MethodGet, "/api/v0/guardians", g, nil)
	is.Equal(resp.StatusCode, http.StatusForbidden)

	resp, _ = testRequest(f.server, http.MethodPatch, "/api/v0/devices/STICK-001", g, map[string]string{"userName": "x"})
	is.Equal(resp.StatusCode, http.StatusForbidden)

	resp, _ = testRequest(f.server, http.MethodPost, "/api/v0/alerts/STICK-001/acknowledge", g, nil)
	is.Equal(resp.StatusCode, http.StatusForbidden)

	resp, _ = testRequest(f.server, http.MethodPost, "/api/v0/alerts/banners/nope/dismiss", g, nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)

	resp, _ = testRequest(f.server, http.MethodPost, "/api/v0/push/tokens", g, tokenRequest{Token: "browser-token"})
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestDeviceListFollowsMonitor(t *testing.T) {
	is, f := testSetup(t)
	ctx := context.Background()

	f.dir.AddDevice(ctx, "STICK-001", "esp32-a")
	f.store.SaveSample(ctx, "esp32-b", []byte(`{}`))
	f.store.SaveSample(ctx, "esp32-a", []byte(`{"uptime_seconds":120,"latitude":28.61,"longitude":77.20}`))

	admin := f.login(is, "admin@x.com", "adminpw")

	var body string
	is.True(eventually(func() bool {
		_, body = testRequest(f.server, http.MethodGet, "/api/v0/devices", admin, nil)
		return strings.Contains(body, `"isOnline":true`)
	}))
	is.True(strings.Contains(body, `"count":1`))

	_, body = testRequest(f.server, http.MethodGet, "/api/v0/sources/unassigned", admin, nil)
	is.Equal(body, `{"meta":{"count":1},"data":["esp32-b"]}`)
}

type fixture struct {
	server *httptest.Server
	idp    identity.Provider
	dir    directory.Directory
	store  storage.Store
}

func (f *fixture) login(is *is.I, email, password string) string {
	resp, body := testRequest(f.server, http.MethodPost, "/api/v0/auth/login", "", loginRequest{Email: email, Password: password})
	is.Equal(resp.StatusCode, http.StatusOK)

	s := session.Session{}
	is.NoErr(json.Unmarshal([]byte(body), &s))
	return s.Token
}

func testSetup(t *testing.T) (*is.I, *fixture) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())

	connect := storage.NewSQLiteConnector(zerolog.Nop(), "")

	store, err := storage.New(connect)
	is.NoErr(err)

	idp, err := identity.New(connect, "test-secret", time.Hour)
	is.NoErr(err)

	tokens, err := push.NewRegistry(connect)
	is.NoErr(err)

	dir := directory.New(store, idp, nil)
	_, err = dir.AddAdmin(ctx, directory.Profile{Email: "admin@x.com"}, "adminpw")
	is.NoErr(err)

	events := webevents.New(EventChannel)
	alerts := fallalert.New(ctx, fallalert.SystemClock(), cues.New(events, nil), dir, localstate.NewMemoryStore(), nil)
	mon := monitor.New(store, liveness.New(), alerts, events)
	mon.Start(ctx)

	policies, err := os.Open("../../../../assets/config/authz.rego")
	is.NoErr(err)
	defer policies.Close()

	r, err := RegisterHandlers(ctx, router.New(ctx, "guardian-monitor"), policies, Services{
		Sessions:  session.New(ctx, idp, store, localstate.NewMemoryStore()),
		Directory: dir,
		Monitor:   mon,
		Alerts:    alerts,
		Tokens:    tokens,
		Events:    events,
	})
	is.NoErr(err)

	server := httptest.NewServer(r)

	t.Cleanup(func() {
		server.Close()
		mon.Stop()
		alerts.Stop()
		events.Shutdown()
		cancel()
	})

	return is, &fixture{server: server, idp: idp, dir: dir, store: store}
}

func testRequest(ts *httptest.Server, method, path, token string, body any) (*http.Response, string) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}

	req, _ := http.NewRequest(method, ts.URL+path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, ""
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	return resp, string(respBody)
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
