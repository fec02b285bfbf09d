package leader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/makorehaps/dkpbot/internal/config"
)

func TestIdentity_FromPodName(t *testing.T) {
	t.Setenv("POD_NAME", "dkpbot-abc123")
	if got := identity(); got != "dkpbot-abc123" {
		t.Errorf("identity() = %q, want %q", got, "dkpbot-abc123")
	}
}

func TestIdentity_Hostname(t *testing.T) {
	t.Setenv("POD_NAME", "")
	host, err := os.Hostname()
	if err != nil {
		t.Skip("cannot get hostname")
	}
	if got := identity(); got != host {
		t.Errorf("identity() = %q, want %q", got, host)
	}
}

func testConfig() config.LeaderElectionConfig {
	return config.LeaderElectionConfig{
		Enabled:        true,
		LeaseName:      "dkpbot-unit",
		LeaseNamespace: "default",
		LeaseDuration:  2 * time.Second,
		RenewDeadline:  time.Second,
		RetryPeriod:    100 * time.Millisecond,
	}
}

func fakeClients() (kubernetes.Interface, error) {
	return fake.NewClientset(), nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestElector_RunsLeadFunction(t *testing.T) {
	t.Setenv("POD_NAME", "replica-0")
	e := NewElector(testConfig(), fakeClients, discard())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	called := false
	err := e.Run(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !called {
		t.Fatal("lead function was not called")
	}
	if e.Identity() != "replica-0" {
		t.Errorf("Identity() = %q, want %q", e.Identity(), "replica-0")
	}
}

func TestElector_ReturnsLeadError(t *testing.T) {
	e := NewElector(testConfig(), fakeClients, discard())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := errors.New("discord down")
	err := e.Run(ctx, func(context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("Run() error = %v, want %v", err, want)
	}
}

func TestElector_ShutdownIsNotLeadershipLoss(t *testing.T) {
	e := NewElector(testConfig(), fakeClients, discard())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.Run(ctx, func(leadCtx context.Context) error {
		cancel()
		<-leadCtx.Done()
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil on shutdown", err)
	}
}

func TestElector_ClientError(t *testing.T) {
	e := NewElector(testConfig(), func() (kubernetes.Interface, error) {
		return nil, errors.New("no cluster")
	}, discard())

	err := e.Run(context.Background(), func(context.Context) error {
		t.Error("lead must not run without a client")
		return nil
	})
	if err == nil {
		t.Fatal("expected error when the client cannot be built")
	}
}

func TestElector_InvalidTimings(t *testing.T) {
	cfg := testConfig()
	cfg.RenewDeadline = cfg.LeaseDuration * 2
	e := NewElector(cfg, fakeClients, discard())

	if err := e.Run(context.Background(), func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected configuration error for renew deadline above lease duration")
	}
}
