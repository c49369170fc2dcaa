package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/IliaW/enrich-worker/config"
	"github.com/IliaW/enrich-worker/internal/model"
	"github.com/IliaW/enrich-worker/internal/policy"
	"github.com/stretchr/testify/require"
)

func testSourcePolitenessConfig() *config.PolitenessConfig {
	return &config.PolitenessConfig{
		MinDelay:      time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2.0,
		RespectRobots: false,
		RobotsTtl:     time.Hour,
		TrapDetection: false,
	}
}

func testHttpClientConfig() *config.HttpClientConfig {
	return &config.HttpClientConfig{RequestTimeout: 5 * time.Second}
}

func newPressServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *PressSource) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	engine := policy.NewEngine(testSourcePolitenessConfig(), "test-agent", nil)
	src := NewPressSource(engine, &config.PressSourceConfig{
		Enabled: true,
		BaseUrl: srv.URL + "/v2/everything",
		ApiKey:  "secret-key",
	}, testHttpClientConfig(), nil, "test-agent")

	return srv, src
}

func TestPressSource_MapsArticlesToFinding(t *testing.T) {
	var gotApiKey, gotQuery string
	_, src := newPressServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotApiKey = r.Header.Get("X-Api-Key")
		gotQuery = r.URL.Query().Get("q")
		fmt.Fprint(w, `{
			"status": "ok",
			"totalResults": 42,
			"articles": [
				{"source": {"name": "The Star"}, "title": "Acme expands",
				 "url": "https://press.example.com/acme-expands", "publishedAt": "2026-08-20T10:00:00Z"},
				{"source": {"name": "Post"}, "title": "Older story", "url": "https://press.example.com/older"}
			]
		}`)
	})

	finding, err := src.Lookup(context.Background(), "acme corp", "ontario")

	require.NoError(t, err)
	require.Equal(t, "secret-key", gotApiKey)
	require.Equal(t, "acme corp ontario", gotQuery)
	require.Equal(t, "press", finding.SourceName)
	require.Equal(t, "42", finding.Attributes["mentions"])
	require.Equal(t, "Acme expands", finding.Attributes["latest_headline"])
	require.Equal(t, "The Star", finding.Attributes["latest_outlet"])
	require.Equal(t, "2026-08-20T10:00:00Z", finding.Attributes["latest_published_at"])
}

func TestPressSource_NoResultsReturnsNoFinding(t *testing.T) {
	_, src := newPressServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "ok", "totalResults": 0, "articles": []}`)
	})

	_, err := src.Lookup(context.Background(), "ghost inc", "")

	require.ErrorIs(t, err, model.ErrNoFinding)
}

func TestPressSource_ServerErrorIsTransient(t *testing.T) {
	_, src := newPressServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := src.Lookup(context.Background(), "acme corp", "")

	require.Error(t, err)
	require.False(t, model.IsPermanent(err), "5xx should stay retryable")
}

func TestPressSource_ClientErrorIsPermanent(t *testing.T) {
	_, src := newPressServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := src.Lookup(context.Background(), "acme corp", "")

	require.Error(t, err)
	require.True(t, model.IsPermanent(err), "auth failures will not fix themselves on retry")
}

func TestPressSource_BlockedHostIsDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("blocked host must not be contacted")
	}))
	defer srv.Close()

	cfg := testSourcePolitenessConfig()
	cfg.BlockedHosts = []string{srv.Listener.Addr().String()}
	engine := policy.NewEngine(cfg, "test-agent", nil)
	src := NewPressSource(engine, &config.PressSourceConfig{BaseUrl: srv.URL + "/v2/everything"},
		testHttpClientConfig(), nil, "test-agent")

	_, err := src.Lookup(context.Background(), "acme corp", "")

	require.ErrorIs(t, err, policy.ErrFetchNotAllowed)
}
