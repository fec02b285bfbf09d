// Package leader keeps a single bot replica connected to Discord by holding a
// Kubernetes Lease.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/makorehaps/dkpbot/internal/config"
)

// ErrLeadershipLost is returned by Run when the lease is lost while the
// lead function is still running.
var ErrLeadershipLost = errors.New("leadership lost")

// ClientFactory creates a Kubernetes clientset.
type ClientFactory func() (kubernetes.Interface, error)

// InCluster builds a clientset from the pod's service account.
func InCluster() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// Elector runs a function only while this replica holds the lease.
type Elector struct {
	cfg      config.LeaderElectionConfig
	identity string
	clients  ClientFactory
	logger   *slog.Logger
}

// NewElector returns an Elector. A nil factory means InCluster.
func NewElector(cfg config.LeaderElectionConfig, clients ClientFactory, logger *slog.Logger) *Elector {
	if clients == nil {
		clients = InCluster
	}
	return &Elector{cfg: cfg, identity: identity(), clients: clients, logger: logger}
}

// Identity is the holder name written to the lease.
func (e *Elector) Identity() string { return e.identity }

// Run blocks until ctx is done or leadership is lost. lead is called once
// this replica becomes leader and receives a context that is canceled when
// the lease is lost; its error is returned. Losing the lease before lead
// returns yields ErrLeadershipLost.
func (e *Elector) Run(ctx context.Context, lead func(ctx context.Context) error) error {
	e.logger.Info("starting leader election",
		slog.String("identity", e.identity),
		slog.String("lease", e.cfg.LeaseName),
		slog.String("namespace", e.cfg.LeaseNamespace),
	)

	client, err := e.clients()
	if err != nil {
		return fmt.Errorf("leader election client: %w", err)
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      e.cfg.LeaseName,
			Namespace: e.cfg.LeaseNamespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: e.identity,
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		led      atomic.Bool
		finished = make(chan struct{})
		leadErr  error
		// interrupted is set when lead returned because its context ended.
		interrupted bool
	)
	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   e.cfg.LeaseDuration,
		RenewDeadline:   e.cfg.RenewDeadline,
		RetryPeriod:     e.cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            e.cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				led.Store(true)
				e.logger.Info("acquired leadership", slog.String("identity", e.identity))
				leadErr = lead(ctx)
				interrupted = ctx.Err() != nil
				close(finished)
				// Release the lease once the bot has stopped.
				cancel()
			},
			OnStoppedLeading: func() {
				e.logger.Info("lost leadership", slog.String("identity", e.identity))
				cancel()
			},
			OnNewLeader: func(newID string) {
				if newID == e.identity {
					return
				}
				e.logger.Info("new leader elected", slog.String("leader", newID))
			},
		},
	})
	if err != nil {
		return fmt.Errorf("configuring leader election: %w", err)
	}

	elector.Run(runCtx)

	if !led.Load() {
		return nil
	}
	<-finished
	switch {
	case leadErr != nil:
		return leadErr
	case ctx.Err() != nil:
		return nil
	case interrupted:
		return ErrLeadershipLost
	}
	return nil
}

// identity returns a unique identity for this instance.
// It uses the POD_NAME env var if set, otherwise the hostname.
func identity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
