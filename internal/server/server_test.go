package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/convcache/internal/worker"
)

type fakePool struct {
	mu    sync.Mutex
	stats worker.Stats
}

func (f *fakePool) Stats() worker.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakePool) set(refs, slots int) {
	f.mu.Lock()
	f.stats.Refs, f.stats.Slots = refs, slots
	f.mu.Unlock()
}

func TestStatusOf(t *testing.T) {
	cases := []struct {
		name  string
		stats worker.Stats
		want  healthpb.HealthCheckResponse_ServingStatus
	}{
		{"idle", worker.Stats{}, healthpb.HealthCheckResponse_NOT_SERVING},
		{"active", worker.Stats{Refs: 1, Slots: 4}, healthpb.HealthCheckResponse_SERVING},
		{"all slots retired", worker.Stats{Refs: 2, Slots: 0}, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusOf(tc.stats))
		})
	}
}

func TestServer_TracksPool(t *testing.T) {
	s := NewServer(10*time.Millisecond, nil)
	defer s.Stop()

	pool := &fakePool{}
	s.Watch("aapt2", pool)
	s.Start()

	ctx := context.Background()
	status, err := s.Check(ctx, "aapt2")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	pool.set(1, 2)
	assert.Eventually(t, func() bool {
		st, _ := s.Check(ctx, "aapt2")
		return st == healthpb.HealthCheckResponse_SERVING
	}, time.Second, 10*time.Millisecond)

	pool.set(1, 0)
	assert.Eventually(t, func() bool {
		st, _ := s.Check(ctx, "aapt2")
		return st == healthpb.HealthCheckResponse_NOT_SERVING
	}, time.Second, 10*time.Millisecond)

	_, err = s.Check(ctx, "unknown")
	assert.Error(t, err)
}

func TestServer_ServesOverGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	s := NewServer(10*time.Millisecond, nil)
	pool := &fakePool{}
	pool.set(1, 1)
	s.Watch("d8", pool)

	served := make(chan error, 1)
	go func() { served <- s.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "d8"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	require.NoError(t, conn.Close())
	s.Stop()
	assert.NoError(t, <-served)

	status, err := s.Check(context.Background(), "d8")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status, "stop marks every service down")
}
