package rpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/sjs/internal/protocol"
	"github.com/ChuLiYu/sjs/pkg/types"
)

type fakeSource struct{}

func (fakeSource) Stat() protocol.StatResponse {
	return protocol.StatResponse{
		Envelope:       protocol.OK(""),
		JobsRunning:    1,
		NumJobsQueued:  2,
		JobsQueued:     []types.Job{{ID: 5, Command: "make test"}, {ID: 6, Command: "make lint"}},
		MaxJobsRunning: 3,
		JobsRunningList: []protocol.RunningJob{
			{PID: 4242, JobID: 4, Command: "sleep 60", StartedAt: time.Unix(1700000000, 0).UTC()},
		},
		InstanceID: "instance-1",
	}
}

func startBufconn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	ln := bufconn.Listen(1 << 20)
	s := New("bufnet", fakeSource{}, nil)
	go s.Serve(ln)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return ln.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStat(t *testing.T) {
	c := NewClient(startBufconn(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, raw, err := c.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.CodeOK, reply.Code)
	assert.Equal(t, 1, *reply.JobsRunning)
	assert.Equal(t, 2, *reply.NumJobsQueued)
	assert.Equal(t, 3, *reply.MaxJobsRunning)
	assert.Equal(t, "instance-1", reply.InstanceID)
	require.Len(t, reply.JobsQueued, 2)
	assert.Equal(t, "make lint", reply.JobsQueued[1].Command)
	require.Len(t, reply.JobsRunningList, 1)
	assert.Equal(t, 4242, reply.JobsRunningList[0].PID)
	assert.Contains(t, string(raw), `"max_jobs_running":3`)

	assert.NoError(t, c.Close(), "closing a wrapped connection is a no-op")
}

func TestHealth(t *testing.T) {
	conn := startBufconn(t)
	hc := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, service := range []string{"", ServiceName} {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status, "service %q", service)
	}
}

func TestStartAndDial(t *testing.T) {
	s := New("127.0.0.1:0", fakeSource{}, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	c, err := Dial(s.Addr())
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, _, err := c.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, *reply.MaxJobsRunning)
}

func TestToStructMatchesJSON(t *testing.T) {
	st, err := toStruct(protocol.ConfigureResponse{
		Envelope:          protocol.OK("changed"),
		OldMaxJobsRunning: 2,
		NewMaxJobsRunning: 5,
	})
	require.NoError(t, err)
	m := st.AsMap()
	assert.Equal(t, float64(5), m["new_max_jobs_running"])
	assert.Equal(t, "OK", m["status"])
}
