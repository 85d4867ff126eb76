package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/sjs/pkg/types"
)

func TestDecoderStream(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"submit_job","reply_channel":"/tmp/1.port","run":"echo hi","git":true}`,
		``,
		`not json`,
		`{"type":"stat","port":"/tmp/2.port"}`,
		`{"SHUTDOWN":true}`,
	}, "\n")

	d := NewDecoder(strings.NewReader(input))

	req, err := d.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeSubmitJob, req.Type)
	assert.Equal(t, "/tmp/1.port", req.ReplyPath())
	assert.Equal(t, types.PreHooks{Git: true}, req.PreHooks())

	_, err = d.Decode()
	assert.ErrorIs(t, err, ErrMalformed)
	assert.True(t, IsRecoverable(err))

	req, err = d.Decode()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/2.port", req.ReplyPath(), "port is accepted as reply path")

	// last line has no trailing newline
	req, err = d.Decode()
	require.NoError(t, err)
	assert.True(t, req.IsSentinel())

	_, err = d.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderOversizedFrame(t *testing.T) {
	big := `{"type":"submit_job","run":"` + strings.Repeat("x", MaxFrameSize) + `"}`
	input := big + "\n" + `{"type":"stat"}` + "\n"

	d := NewDecoder(strings.NewReader(input))
	_, err := d.Decode()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.True(t, IsRecoverable(err))

	req, err := d.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeStat, req.Type)
}

func TestDecoderFrameAtLimit(t *testing.T) {
	prefix := `{"type":"submit_job","run":"`
	suffix := `"}`
	run := strings.Repeat("y", MaxFrameSize-len(prefix)-len(suffix))
	frame := prefix + run + suffix
	require.Len(t, frame, MaxFrameSize)

	req, err := NewDecoder(strings.NewReader(frame + "\n")).Decode()
	require.NoError(t, err)
	assert.Equal(t, run, req.Run)
}

func TestReplyChannelWinsOverPort(t *testing.T) {
	req, err := ParseRequest([]byte(`{"type":"stat","reply_channel":"/a","port":"/b"}`))
	require.NoError(t, err)
	assert.Equal(t, "/a", req.ReplyPath())
}

func TestParseRequestFieldTypes(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		wantType  string
		wantField string
	}{
		{"fractional max_jobs", `{"type":"configure","max_jobs":2.5,"reply_channel":"/r/1"}`, TypeConfigure, "max_jobs"},
		{"string max_jobs", `{"type":"configure","max_jobs":"3","reply_channel":"/r/1"}`, TypeConfigure, "max_jobs"},
		{"numeric run", `{"type":"submit_job","run":1,"reply_channel":"/r/1"}`, TypeSubmitJob, "run"},
		{"string git flag", `{"type":"submit_job","run":"make","git":"yes","reply_channel":"/r/1"}`, TypeSubmitJob, "git"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.frame))
			require.NoError(t, err, "a readable reply channel keeps the frame")
			require.Error(t, req.Invalid)
			assert.Contains(t, req.Invalid.Error(), tt.wantField)
			assert.Equal(t, tt.wantType, req.Type)
			assert.Equal(t, "/r/1", req.ReplyPath())
			assert.False(t, req.IsSentinel())
		})
	}

	t.Run("unusable header is malformed", func(t *testing.T) {
		for _, frame := range []string{`{"type":"stat","reply_channel":5}`, `[1,2]`, `"stat"`, `{"SHUTDOWN":"yes"}`} {
			_, err := ParseRequest([]byte(frame))
			assert.ErrorIs(t, err, ErrMalformed, frame)
		}
	})

	t.Run("well typed request", func(t *testing.T) {
		req, err := ParseRequest([]byte(`{"type":"configure","max_jobs":3,"reply_channel":"/r/1"}`))
		require.NoError(t, err)
		assert.NoError(t, req.Invalid)
		require.NotNil(t, req.MaxJobs)
		assert.Equal(t, 3, *req.MaxJobs)
	})
}

func TestSentinelRequiresNoType(t *testing.T) {
	tests := []struct {
		frame string
		want  bool
	}{
		{`{"SHUTDOWN":true}`, true},
		{`{"type":"stat","SHUTDOWN":true}`, false},
		{`{"type":"shutdown","SHUTDOWN":true}`, false},
		{`{"SHUTDOWN":false}`, false},
		{`{"SHUTDOWN":true,"max_jobs":"x"}`, false},
	}
	for _, tt := range tests {
		req, err := ParseRequest([]byte(tt.frame))
		require.NoError(t, err)
		assert.Equal(t, tt.want, req.IsSentinel(), tt.frame)
	}
	assert.True(t, Sentinel.IsSentinel())
}

func TestRequestCancelTarget(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    types.CancelTarget
		wantErr bool
	}{
		{"number", `{"job_to_cancel":7}`, types.CancelTarget{ID: 7}, false},
		{"numeric string", `{"job_to_cancel":"12"}`, types.CancelTarget{ID: 12}, false},
		{"all", `{"job_to_cancel":"all"}`, types.CancelTarget{All: true}, false},
		{"star", `{"job_to_cancel":"*"}`, types.CancelTarget{All: true}, false},
		{"missing", `{}`, types.CancelTarget{}, true},
		{"garbage", `{"job_to_cancel":"abc"}`, types.CancelTarget{}, true},
		{"negative", `{"job_to_cancel":-1}`, types.CancelTarget{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.frame))
			require.NoError(t, err)
			got, err := req.CancelTarget()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncoderSingleLine(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	err := enc.Encode(SubmitResponse{Envelope: OK("job submitted"), JobID: 3})
	require.NoError(t, err)
	err = enc.Encode(Request{Type: TypeSubmitJob, Run: "printf 'a\nb'"})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2, "embedded newlines must be escaped")

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp))
	assert.EqualValues(t, 0, resp["code"])
	assert.Equal(t, "OK", resp["status"])
	assert.EqualValues(t, 3, resp["job_id"])
}

func TestMarshalRejectsOversized(t *testing.T) {
	_, err := Marshal(Request{Run: strings.Repeat("z", MaxFrameSize)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestResponseShapes(t *testing.T) {
	data, err := json.Marshal(NotFoundResponse{
		Envelope:             Errorf(CodeNotFound, "job %d not found in queue", 999),
		RequestedJobToCancel: types.CancelTarget{ID: 999},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":3,"status":"error","message":"job 999 not found in queue","requested_job_to_cancel":999}`, string(data))

	data, err = json.Marshal(CancelAllResponse{Envelope: OK("cancelled"), JobCancelled: []types.Job{}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job_cancelled":[]`)

	var r Response = BusyResponse{Envelope: Errorf(CodePreconditionFailed, "busy")}
	assert.Equal(t, CodePreconditionFailed, r.Header().Code)
}

func TestDecodeReply(t *testing.T) {
	frame := `{"code":0,"status":"OK","message":"","jobs_running":2,"num_jobs_queued":1,"max_jobs_running":2}` + "\n"
	reply, raw, err := DecodeReply(strings.NewReader(frame))
	require.NoError(t, err)
	assert.False(t, reply.Failed())
	require.NotNil(t, reply.JobsRunning)
	assert.Equal(t, 2, *reply.JobsRunning)
	assert.Equal(t, 1, *reply.NumJobsQueued)
	assert.JSONEq(t, frame, string(raw))

	_, _, err = DecodeReply(strings.NewReader(""))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "not_found", CodeNotFound.String())
	assert.Equal(t, "code_9", Code(9).String())
}
