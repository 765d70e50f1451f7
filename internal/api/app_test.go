package api

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/go-realtime/internal/config"
	"github.com/npezzotti/go-realtime/internal/database"
	"github.com/npezzotti/go-realtime/internal/queue"
	"github.com/npezzotti/go-realtime/internal/server"
	"github.com/npezzotti/go-realtime/internal/stats"
	"github.com/npezzotti/go-realtime/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testSigningKey = []byte("test-signing-key-0123456789abcdef")

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.NewConfig(
		"localhost:0",
		"postgres://localhost/test",
		base64.StdEncoding.EncodeToString(testSigningKey),
		[]string{"http://allowed.example.com"},
	)
	require.NoError(t, err, "expected test config to be valid")
	return cfg
}

func newTestManager(t *testing.T) *server.Manager {
	t.Helper()

	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Maybe()
	su.On("RegisterGaugeFunc", mock.Anything, mock.Anything).Maybe()
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	cfg := server.DefaultConfig()
	cfg.HeartbeatInterval = time.Hour
	cfg.TokenCost = bcrypt.MinCost

	cm := server.NewManager(testutil.TestLogger(t), cfg, queue.New(queue.DefaultConfig()), nil, su)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cm.Shutdown(ctx), "expected manager to shut down")
	})

	return cm
}

func newTestApp(t *testing.T, db database.Repository) (*App, *server.Manager, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	cm := newTestManager(t)
	return NewApp(mux, testutil.TestLogger(t), cm, db, testConfig(t)), cm, mux
}

func bearer(t *testing.T, userId string) string {
	t.Helper()
	token, err := IssueToken(testSigningKey, userId, time.Hour)
	require.NoError(t, err, "expected token to be issued")
	return "Bearer " + token
}

func TestNewApp(t *testing.T) {
	app, cm, _ := newTestApp(t, &database.MockRepository{})

	assert.Equal(t, "localhost:0", app.srv.Addr, "expected server address from config")
	assert.Equal(t, testSigningKey, app.signingKey, "expected decoded signing key")
	assert.Equal(t, []string{"http://allowed.example.com"}, app.allowedOrigins)
	assert.Same(t, cm, app.cm)
	assert.NotNil(t, app.srv.Handler, "expected handler to be set")
}

func TestAppShutdown(t *testing.T) {
	app, _, _ := newTestApp(t, &database.MockRepository{})

	errCh := make(chan error, 1)
	go func() { errCh <- app.Start() }()

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx), "expected shutdown to succeed")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(time.Second):
		t.Fatal("expected Start to return after shutdown")
	}
}
