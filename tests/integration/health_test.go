package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nexus-im/nexus/client/api"
	"github.com/nexus-im/nexus/tests/testutil"
)

func server(t *testing.T) testutil.Env {
	t.Helper()
	env, ok := testutil.FromEnv()
	if !ok {
		t.Skip("TEST_SERVER_ADDR not set")
	}
	return env
}

func TestHealth(t *testing.T) {
	env := server(t)

	resp, err := http.Get(env.Addr + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := server(t)
	ctx := context.Background()
	username := "it-" + uuid.NewString()[:8]

	c := api.New(api.Options{BaseURL: env.Addr, Log: zerolog.Nop()})
	registered, err := c.Register(ctx, username, "secret1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := c.Register(ctx, username, "secret1"); !api.IsStatus(err, http.StatusConflict) {
		t.Fatalf("expected conflict on duplicate username, got %v", err)
	}
	if _, err := c.Login(ctx, username, "wrong-password"); !api.IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	loggedIn, err := c.Login(ctx, username, "secret1")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if loggedIn.User.ID != registered.User.ID {
		t.Errorf("login returned user %s, want %s", loggedIn.User.ID, registered.User.ID)
	}

	if _, err := c.Conversations(ctx); err != nil {
		t.Errorf("list conversations: %v", err)
	}
}

func TestMetricsExposed(t *testing.T) {
	env := server(t)

	resp, err := http.Get(env.Addr + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
