package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sjs/internal/admission"
	"github.com/ChuLiYu/sjs/internal/jobqueue"
	"github.com/ChuLiYu/sjs/internal/metrics"
	"github.com/ChuLiYu/sjs/internal/protocol"
	"github.com/ChuLiYu/sjs/pkg/types"
)

// ============================================================================
// Test doubles
// ============================================================================

type recordedReply struct {
	path string
	resp protocol.Response
}

type fakeReplies struct {
	mu      sync.Mutex
	replies []recordedReply
	err     error
}

func (f *fakeReplies) WriteReply(_ context.Context, path string, resp protocol.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, recordedReply{path: path, resp: resp})
	return f.err
}

func (f *fakeReplies) all() []recordedReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedReply(nil), f.replies...)
}

// fakeHooks records hook executions and the hook slot count seen while running.
type fakeHooks struct {
	adm       *admission.Controller
	ran       []string
	slotsSeen []int
	fail      map[string]error
}

func (f *fakeHooks) Run(_ context.Context, hook string) error {
	f.ran = append(f.ran, hook)
	f.slotsSeen = append(f.slotsSeen, f.adm.Snapshot().Hooks)
	return f.fail[hook]
}

type fixture struct {
	d       *Dispatcher
	queue   *jobqueue.JobQueue
	adm     *admission.Controller
	replies *fakeReplies
}

func newFixture(t *testing.T, maxJobs int, cfg Config) *fixture {
	t.Helper()
	adm, err := admission.New(maxJobs)
	require.NoError(t, err)
	queue := jobqueue.NewJobQueue()
	replies := &fakeReplies{}
	return &fixture{
		d:       New(queue, adm, nil, replies, cfg),
		queue:   queue,
		adm:     adm,
		replies: replies,
	}
}

func submit(t *testing.T, d *Dispatcher, cmd string) types.JobID {
	t.Helper()
	resp := d.Handle(context.Background(), protocol.Request{Type: protocol.TypeSubmitJob, Run: cmd})
	sr, ok := resp.(protocol.SubmitResponse)
	require.True(t, ok, "unexpected response %#v", resp)
	require.Equal(t, protocol.CodeOK, sr.Code)
	return sr.JobID
}

func stat(t *testing.T, d *Dispatcher) protocol.StatResponse {
	t.Helper()
	resp := d.Handle(context.Background(), protocol.Request{Type: protocol.TypeStat})
	sr, ok := resp.(protocol.StatResponse)
	require.True(t, ok)
	return sr
}

func cancelReq(raw string) protocol.Request {
	return protocol.Request{Type: protocol.TypeCancel, JobToCancel: json.RawMessage(raw)}
}

func intPtr(n int) *int { return &n }

// ============================================================================
// Handlers
// ============================================================================

func TestSubmitAssignsMonotonicIDs(t *testing.T) {
	f := newFixture(t, 0, Config{})

	var ids []types.JobID
	for i := 0; i < 3; i++ {
		ids = append(ids, submit(t, f.d, "true"))
	}
	assert.Equal(t, []types.JobID{1, 2, 3}, ids)

	queued := f.queue.Snapshot()
	require.Len(t, queued, 3)
	assert.Equal(t, types.JobID(1), queued[0].ID)
	assert.False(t, queued[0].EnqueuedAt.IsZero())
}

func TestSubmitCarriesPreHookFlags(t *testing.T) {
	f := newFixture(t, 0, Config{})
	f.d.Handle(context.Background(), protocol.Request{Type: protocol.TypeSubmitJob, Run: "make test", Make: true})

	head, ok := f.queue.PeekHead()
	require.True(t, ok)
	assert.Equal(t, types.PreHooks{Make: true}, head.PreHooks)
}

func TestStat(t *testing.T) {
	f := newFixture(t, 2, Config{InstanceID: "abc"})
	submit(t, f.d, "sleep 1")

	res, ok := f.adm.TryReserve(admission.PurposeJob)
	require.True(t, ok)
	require.NoError(t, res.Bind(100, types.Job{ID: 99, Command: "sleep 9"}))

	s := stat(t, f.d)
	assert.Equal(t, protocol.CodeOK, s.Code)
	assert.Equal(t, 1, s.JobsRunning)
	assert.Equal(t, 1, s.NumJobsQueued)
	assert.Equal(t, 2, s.MaxJobsRunning)
	assert.Equal(t, "abc", s.InstanceID)
	require.Len(t, s.JobsRunningList, 1)
	assert.Equal(t, 100, s.JobsRunningList[0].PID)
	assert.Equal(t, types.JobID(99), s.JobsRunningList[0].JobID)
}

func TestStatHidesReservations(t *testing.T) {
	f := newFixture(t, 2, Config{})
	_, ok := f.adm.TryReserve(admission.PurposeJob)
	require.True(t, ok)

	s := stat(t, f.d)
	assert.Equal(t, 0, s.JobsRunning)
}

// 任務從佇列移到 running 的過程中，stat 不會同時在兩邊看到它
func TestStatNeverCountsJobTwice(t *testing.T) {
	const jobs = 200
	f := newFixture(t, jobs, Config{})
	for i := 0; i < jobs; i++ {
		submit(t, f.d, "true")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// 與 Scheduler 相同的順序：先取出佇列頭，再綁定
		for pid := 1000; ; pid++ {
			res, ok := f.adm.TryReserve(admission.PurposeJob)
			if !ok {
				return
			}
			job, ok := f.queue.RemoveHead()
			if !ok {
				res.Cancel()
				return
			}
			if err := res.Bind(pid, job); err != nil {
				return
			}
		}
	}()

	for {
		s := stat(t, f.d)
		queued := make(map[types.JobID]bool, len(s.JobsQueued))
		for _, j := range s.JobsQueued {
			queued[j.ID] = true
		}
		for _, r := range s.JobsRunningList {
			require.False(t, queued[r.JobID], "job %d reported both queued and running", r.JobID)
		}
		assert.LessOrEqual(t, s.JobsRunning+s.NumJobsQueued, jobs)

		select {
		case <-done:
			final := stat(t, f.d)
			assert.Equal(t, jobs, final.JobsRunning)
			assert.Equal(t, 0, final.NumJobsQueued)
			return
		default:
		}
	}
}

// Scenario 2: cancel a queued job by id.
func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t, 0, Config{})
	var id types.JobID
	for i := 0; i < 7; i++ {
		id = submit(t, f.d, "echo hi")
	}
	require.Equal(t, types.JobID(7), id)

	resp := f.d.Handle(context.Background(), cancelReq(`7`))
	cr, ok := resp.(protocol.CancelResponse)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeOK, cr.Code)
	assert.Equal(t, types.JobID(7), cr.JobCancelled.ID)
	assert.Equal(t, "echo hi", cr.JobCancelled.Command)

	s := stat(t, f.d)
	assert.Equal(t, 6, s.NumJobsQueued)
	assert.Equal(t, 0, s.JobsRunning)
	for _, j := range s.JobsQueued {
		assert.NotEqual(t, types.JobID(7), j.ID)
	}
}

// Scenario 3: cancel an id that is not queued.
func TestCancelNotFound(t *testing.T) {
	f := newFixture(t, 1, Config{})

	resp := f.d.Handle(context.Background(), cancelReq(`999`))
	assert.Equal(t, protocol.CodeNotFound, resp.Header().Code)
	assert.Equal(t, protocol.StatusError, resp.Header().Status)

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"requested_job_to_cancel":999`)
}

func TestCancelNeverTouchesRunningJobs(t *testing.T) {
	f := newFixture(t, 1, Config{})
	res, ok := f.adm.TryReserve(admission.PurposeJob)
	require.True(t, ok)
	require.NoError(t, res.Bind(55, types.Job{ID: 1}))

	resp := f.d.Handle(context.Background(), cancelReq(`1`))
	assert.Equal(t, protocol.CodeNotFound, resp.Header().Code)
	assert.Equal(t, 1, f.adm.Snapshot().RunningCount)
}

func TestCancelWildcard(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"all", `"all"`},
		{"star", `"*"`},
		{"upper", `"ALL"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0, Config{})
			submit(t, f.d, "a")
			submit(t, f.d, "b")

			resp := f.d.Handle(context.Background(), cancelReq(tt.raw))
			car, ok := resp.(protocol.CancelAllResponse)
			require.True(t, ok)
			assert.Equal(t, protocol.CodeOK, car.Code)
			assert.Equal(t, 2, car.NumCancelled)
			assert.Equal(t, types.JobID(1), car.JobCancelled[0].ID)
			assert.Equal(t, 0, f.queue.Len())
		})
	}
}

func TestCancelWildcardOnEmptyQueue(t *testing.T) {
	f := newFixture(t, 0, Config{})
	resp := f.d.Handle(context.Background(), cancelReq(`"*"`))
	car, ok := resp.(protocol.CancelAllResponse)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeOK, car.Code)
	assert.Empty(t, car.JobCancelled)
}

func TestCancelInvalidTarget(t *testing.T) {
	f := newFixture(t, 0, Config{})
	for _, raw := range []string{`"abc"`, `-3`, ``} {
		resp := f.d.Handle(context.Background(), cancelReq(raw))
		assert.Equal(t, protocol.CodeInvalidArgument, resp.Header().Code, "target %q", raw)
	}
}

// Scenario 4: negative limit is rejected and leaves the limit unchanged.
func TestConfigure(t *testing.T) {
	tests := []struct {
		name     string
		maxJobs  *int
		wantCode protocol.Code
		wantMax  int
	}{
		{"negative", intPtr(-5), protocol.CodeInvalidArgument, 4},
		{"missing", nil, protocol.CodeInvalidArgument, 4},
		{"zero", intPtr(0), protocol.CodeOK, 0},
		{"widen", intPtr(8), protocol.CodeOK, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 4, Config{})
			resp := f.d.Handle(context.Background(), protocol.Request{Type: protocol.TypeConfigure, MaxJobs: tt.maxJobs})
			assert.Equal(t, tt.wantCode, resp.Header().Code)
			assert.Equal(t, tt.wantMax, stat(t, f.d).MaxJobsRunning)

			if tt.wantCode == protocol.CodeOK {
				cr := resp.(protocol.ConfigureResponse)
				assert.Equal(t, 4, cr.OldMaxJobsRunning)
				assert.Equal(t, tt.wantMax, cr.NewMaxJobsRunning)
			}
		})
	}
}

func TestInvalidFieldTypesAnswered(t *testing.T) {
	frames := []string{
		`{"type":"configure","max_jobs":2.5,"reply_channel":"/tmp/1.port"}`,
		`{"type":"configure","max_jobs":"3","reply_channel":"/tmp/1.port"}`,
		`{"type":"submit_job","run":1,"reply_channel":"/tmp/1.port"}`,
		`{"type":"submit_job","run":"make","make":"yes","port":"/tmp/1.port"}`,
	}

	for _, frame := range frames {
		t.Run(frame, func(t *testing.T) {
			f := newFixture(t, 4, Config{})
			req, err := protocol.ParseRequest([]byte(frame))
			require.NoError(t, err)

			f.d.Process(context.Background(), req)

			replies := f.replies.all()
			require.Len(t, replies, 1, "a request with a readable reply channel is always answered")
			assert.Equal(t, "/tmp/1.port", replies[0].path)
			assert.Equal(t, protocol.CodeInvalidArgument, replies[0].resp.Header().Code)
			assert.Equal(t, 4, stat(t, f.d).MaxJobsRunning)
			assert.Equal(t, 0, f.queue.Len())
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t, 1, Config{})
	for _, typ := range []string{"ls", ""} {
		resp := f.d.Handle(context.Background(), protocol.Request{Type: typ})
		assert.Equal(t, protocol.CodeUnknownCommand, resp.Header().Code)
	}
	assert.Equal(t, 0, f.queue.Len())
}

// ============================================================================
// Shutdown
// ============================================================================

// Scenario 5 (dispatcher side): idle shutdown succeeds and starts draining.
func TestShutdownWhenIdle(t *testing.T) {
	calls := 0
	f := newFixture(t, 2, Config{OnShutdown: func() error {
		calls++
		return nil
	}})

	resp := f.d.Handle(context.Background(), protocol.Request{Type: protocol.TypeShutdown})
	assert.Equal(t, protocol.CodeOK, resp.Header().Code)
	assert.Equal(t, 1, calls)
	assert.True(t, f.d.Draining())

	// Later requests are refused, not lost.
	resp = f.d.Handle(context.Background(), protocol.Request{Type: protocol.TypeSubmitJob, Run: "true"})
	assert.Equal(t, protocol.CodePreconditionFailed, resp.Header().Code)
	assert.Equal(t, 0, f.queue.Len())
}

func TestShutdownRefusedWhenBusy(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(t *testing.T, f *fixture)
		wantRunning int
		wantQueued  int
	}{
		{
			name:       "queued job",
			setup:      func(t *testing.T, f *fixture) { submit(t, f.d, "true") },
			wantQueued: 1,
		},
		{
			name: "running job",
			setup: func(t *testing.T, f *fixture) {
				res, ok := f.adm.TryReserve(admission.PurposeJob)
				require.True(t, ok)
				require.NoError(t, res.Bind(10, types.Job{ID: 1}))
			},
			wantRunning: 1,
		},
		{
			name: "launch in progress",
			setup: func(t *testing.T, f *fixture) {
				_, ok := f.adm.TryReserve(admission.PurposeJob)
				require.True(t, ok)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			f := newFixture(t, 2, Config{OnShutdown: func() error {
				called = true
				return nil
			}})
			tt.setup(t, f)

			resp := f.d.Handle(context.Background(), protocol.Request{Type: protocol.TypeShutdown})
			br, ok := resp.(protocol.BusyResponse)
			require.True(t, ok)
			assert.Equal(t, protocol.CodePreconditionFailed, br.Code)
			assert.Equal(t, tt.wantRunning, br.JobsRunning)
			assert.Equal(t, tt.wantQueued, br.NumJobsQueued)
			assert.False(t, called)
			assert.False(t, f.d.Draining())
		})
	}
}

func TestShutdownSignalFailure(t *testing.T) {
	f := newFixture(t, 1, Config{OnShutdown: func() error { return errors.New("pipe gone") }})

	resp := f.d.Handle(context.Background(), protocol.Request{Type: protocol.TypeShutdown})
	assert.Equal(t, protocol.CodePreconditionFailed, resp.Header().Code)
	assert.Contains(t, resp.Header().Message, "pipe gone")
	assert.False(t, f.d.Draining())
}

// ============================================================================
// Pre-hooks
// ============================================================================

func TestHooksOccupySlot(t *testing.T) {
	f := newFixture(t, 2, Config{HookSlotWait: time.Second})
	hooks := &fakeHooks{adm: f.adm}
	f.d.hooks = hooks

	f.d.Handle(context.Background(), protocol.Request{Type: protocol.TypeSubmitJob, Run: "x", Git: true, Make: true})

	assert.Equal(t, []string{"git", "make"}, hooks.ran)
	assert.Equal(t, []int{1, 1}, hooks.slotsSeen)

	snap := f.adm.Snapshot()
	assert.Equal(t, 0, snap.Hooks, "hook slots are released after the hook")
	assert.Equal(t, 0, snap.Reserved)
}

func TestHooksSkippedWithoutCapacity(t *testing.T) {
	f := newFixture(t, 0, Config{HookSlotWait: 20 * time.Millisecond})
	hooks := &fakeHooks{adm: f.adm}
	f.d.hooks = hooks

	resp := f.d.Handle(context.Background(), protocol.Request{Type: protocol.TypeConfigure, MaxJobs: intPtr(3), Git: true})

	assert.Empty(t, hooks.ran)
	assert.Equal(t, protocol.CodeOK, resp.Header().Code)
	assert.Equal(t, 3, f.adm.Max())
}

func TestHookFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t, 1, Config{HookSlotWait: time.Second})
	hooks := &fakeHooks{adm: f.adm, fail: map[string]error{"git": errors.New("merge conflict")}}
	f.d.hooks = hooks

	resp := f.d.Handle(context.Background(), protocol.Request{Type: protocol.TypeSubmitJob, Run: "x", Git: true, Make: true})

	assert.Equal(t, protocol.CodeOK, resp.Header().Code)
	assert.Equal(t, []string{"git", "make"}, hooks.ran)
	assert.Equal(t, 1, f.queue.Len())
}

// ============================================================================
// Process / Serve
// ============================================================================

func TestProcessWritesOneReply(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, 1, Config{Metrics: metrics.NewCollector(reg)})

	f.d.Process(context.Background(), protocol.Request{Type: protocol.TypeStat, ReplyChannel: "/tmp/1.port"})
	f.d.Process(context.Background(), protocol.Request{Type: protocol.TypeStat, Port: "/tmp/2.port"})
	f.d.Process(context.Background(), protocol.Request{Type: protocol.TypeStat})

	replies := f.replies.all()
	require.Len(t, replies, 2)
	assert.Equal(t, "/tmp/1.port", replies[0].path)
	assert.Equal(t, "/tmp/2.port", replies[1].path)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, fam := range families {
		if fam.GetName() == "sjs_requests_total" {
			found = true
			assert.Equal(t, 3.0, fam.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestProcessReplyErrorIsNotFatal(t *testing.T) {
	f := newFixture(t, 1, Config{})
	f.replies.err = errors.New("no reader")

	assert.NotPanics(t, func() {
		f.d.Process(context.Background(), protocol.Request{Type: protocol.TypeSubmitJob, Run: "x", ReplyChannel: "/tmp/x"})
	})
	assert.Equal(t, 1, f.queue.Len())
}

func TestServeProcessesInOrder(t *testing.T) {
	f := newFixture(t, 0, Config{})
	intake := make(chan protocol.Request, 4)
	intake <- protocol.Request{Type: protocol.TypeSubmitJob, Run: "a", ReplyChannel: "/r/1"}
	intake <- protocol.Request{Type: protocol.TypeSubmitJob, Run: "b", ReplyChannel: "/r/2"}
	intake <- protocol.Request{Type: protocol.TypeCancel, JobToCancel: json.RawMessage(`1`), ReplyChannel: "/r/3"}
	close(intake)

	f.d.Serve(context.Background(), intake)

	replies := f.replies.all()
	require.Len(t, replies, 3)
	assert.Equal(t, protocol.CodeOK, replies[2].resp.Header().Code)
	assert.Equal(t, []types.Job{{ID: 2, Command: "b", EnqueuedAt: f.queue.Snapshot()[0].EnqueuedAt}}, f.queue.Snapshot())
}

func TestMetricType(t *testing.T) {
	assert.Equal(t, "stat", metricType("stat"))
	assert.Equal(t, "unknown", metricType("rm -rf"))
}
