package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/voicetask/internal/dispatch"
	"github.com/breeze-rmm/voicetask/internal/patching"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []dispatch.Request
	audio    []byte
	resp     models.DispatchResponse
	err      error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req dispatch.Request) (models.DispatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if req.AudioPath != "" {
		f.audio, _ = os.ReadFile(req.AudioPath)
	}
	return f.resp, f.err
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakePatcher struct {
	mu    sync.Mutex
	vms   []patching.VMInfo
	lines []string
	block bool
	ended chan error
}

func (f *fakePatcher) Run(ctx context.Context, vm patching.VMInfo, onLog patching.ProgressCallback) *patching.State {
	f.mu.Lock()
	f.vms = append(f.vms, vm)
	f.mu.Unlock()

	s := patching.NewState("run-1", vm, onLog)
	for _, line := range f.lines {
		s.Logf("%s", line)
	}
	if f.block {
		<-ctx.Done()
		if f.ended != nil {
			f.ended <- ctx.Err()
		}
		s.Status = patching.StatusError
		return s
	}
	s.Status = patching.StatusUpToDate
	return s
}

func (f *fakePatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vms)
}

func newTestServer(t *testing.T, d *fakeDispatcher, p *fakePatcher) *httptest.Server {
	t.Helper()
	srv := New(d, p, t.TempDir(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func multipartBody(t *testing.T, fields map[string]string, audio []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if audio != nil {
		fw, err := mw.CreateFormFile("audio", "clip.wav")
		require.NoError(t, err)
		_, err = fw.Write(audio)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

var creds = map[string]string{"host": "10.0.0.5", "username": "Administrator", "password": "pw"}

func withFields(extra map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range creds {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func TestProcessAudio(t *testing.T) {
	d := &fakeDispatcher{resp: models.DispatchResponse{
		Transcription: "list files",
		Command:       "Get-ChildItem",
		Output:        "a.txt",
		Transport:     models.TransportWinRM,
	}}
	ts := newTestServer(t, d, &fakePatcher{})

	body, ct := multipartBody(t, withFields(map[string]string{"text": "show files", "os": "windows"}), []byte("RIFF"))
	resp, err := http.Post(ts.URL+"/process_audio", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	var got models.DispatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, d.resp, got)

	require.Len(t, d.requests, 1)
	req := d.requests[0]
	assert.Equal(t, "10.0.0.5", req.Credentials.Host)
	assert.Equal(t, "pw", req.Credentials.Password)
	assert.Equal(t, "show files", req.Instruction)
	assert.Equal(t, "windows", req.OS)
	assert.Equal(t, []byte("RIFF"), d.audio)
	assert.True(t, strings.HasSuffix(req.AudioPath, ".wav"))

	_, err = os.Stat(req.AudioPath)
	assert.ErrorIs(t, err, os.ErrNotExist, "upload removed after the request")
}

func TestProcessAudioValidation(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		audio  []byte
		want   string
	}{
		{"no audio", creds, nil, "No audio file provided"},
		{"no host", map[string]string{"username": "u", "password": "p"}, []byte("x"), "host"},
		{"no password", map[string]string{"host": "h", "username": "u"}, []byte("x"), "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			ts := newTestServer(t, d, &fakePatcher{})

			body, ct := multipartBody(t, tt.fields, tt.audio)
			resp, err := http.Post(ts.URL+"/process_audio", ct, body)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, decodeError(t, resp), tt.want)
			assert.Zero(t, d.calls(), "nothing dispatched for an invalid request")
		})
	}
}

func TestProcessAudioRejectsNonMultipart(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, &fakePatcher{})
	resp, err := http.Post(ts.URL+"/process_audio", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProcessAudioValidationErrorFromDispatcher(t *testing.T) {
	d := &fakeDispatcher{err: &dispatch.ValidationError{Reason: "either an instruction or an audio file is required"}}
	ts := newTestServer(t, d, &fakePatcher{})

	body, ct := multipartBody(t, creds, []byte("x"))
	resp, err := http.Post(ts.URL+"/process_audio", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAsk(t *testing.T) {
	d := &fakeDispatcher{resp: models.DispatchResponse{Command: "uptime", Output: "up 3 days"}}
	ts := newTestServer(t, d, &fakePatcher{})

	body, ct := multipartBody(t, withFields(map[string]string{"text": "ignored"}), []byte("x"))
	resp, err := http.Post(ts.URL+"/ask", ct, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, d.requests, 1)
	assert.Empty(t, d.requests[0].Instruction, "ask takes its instruction from audio only")

	resp2, err := http.Post(ts.URL+"/ask", "application/json", strings.NewReader(`{"text":"hi"}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp2.StatusCode)
	assert.NotEmpty(t, decodeError(t, resp2))

	resp3, err := http.Post(ts.URL+"/ask", "text/plain", strings.NewReader("hi"))
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp3.StatusCode)
}

func TestPatch(t *testing.T) {
	p := &fakePatcher{lines: []string{"Checking for updates.", "No updates found."}}
	ts := newTestServer(t, &fakeDispatcher{}, p)

	resp, err := http.Post(ts.URL+"/patch", "application/json",
		strings.NewReader(`{"host":"10.0.0.5","username":"Administrator","password":"pw","os":"windows"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got models.PatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "up_to_date", got.Status)
	assert.Equal(t, p.lines, got.Log)
	assert.Contains(t, got.Meta, "host=10.0.0.5")

	require.Len(t, p.vms, 1)
	assert.Equal(t, patching.VMInfo{Host: "10.0.0.5", Username: "Administrator", Password: "pw", OS: "windows"}, p.vms[0])
}

func TestPatchValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", ``, "invalid JSON"},
		{"malformed", `{"host":`, "invalid JSON"},
		{"missing os", `{"host":"h","username":"u","password":"p"}`, "os"},
		{"missing all", `{}`, "host, username, password, os"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePatcher{}
			ts := newTestServer(t, &fakeDispatcher{}, p)

			resp, err := http.Post(ts.URL+"/patch", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, decodeError(t, resp), tt.want)
			assert.Zero(t, p.calls())
		})
	}
}

func TestRoutingAndCORS(t *testing.T) {
	ts := newTestServer(t, &fakeDispatcher{}, &fakePatcher{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/patch")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/process_audio", nil)
	require.NoError(t, err)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp3.StatusCode)
	assert.Equal(t, "*", resp3.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp3.Header.Get("Access-Control-Allow-Methods"), "POST")
}

type fixedStatus struct{}

func (fixedStatus) Status(context.Context) (models.ServiceStatus, error) {
	return models.ServiceStatus{Status: "ok", Version: "1.0.0", Goroutines: 7}, nil
}

func TestServiceStatus(t *testing.T) {
	srv := New(&fakeDispatcher{}, &fakePatcher{}, t.TempDir(), nil).WithStatus(fixedStatus{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got models.ServiceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "1.0.0", got.Version)
	assert.Equal(t, 7, got.Goroutines)
}

func dialStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/patch/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPatchStream(t *testing.T) {
	p := &fakePatcher{lines: []string{"Checking for updates.", "No updates found."}}
	ts := newTestServer(t, &fakeDispatcher{}, p)
	conn := dialStream(t, ts)

	require.NoError(t, conn.WriteJSON(models.PatchRequest{Host: "h", Username: "u", Password: "p", OS: "linux"}))

	var frames []models.StreamMessage
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg models.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		frames = append(frames, msg)
	}

	require.Len(t, frames, 3)
	assert.Equal(t, models.StreamMessage{Type: FrameLog, Line: "Checking for updates."}, frames[0])
	assert.Equal(t, models.StreamMessage{Type: FrameLog, Line: "No updates found."}, frames[1])
	assert.Equal(t, FrameResult, frames[2].Type)
	require.NotNil(t, frames[2].Result)
	assert.Equal(t, "up_to_date", frames[2].Result.Status)
	assert.Equal(t, p.lines, frames[2].Result.Log)
}

func TestPatchStreamRejectsInvalidRequest(t *testing.T) {
	p := &fakePatcher{}
	ts := newTestServer(t, &fakeDispatcher{}, p)
	conn := dialStream(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"host":"h"}`)))

	var msg models.StreamMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, FrameError, msg.Type)
	assert.Contains(t, msg.Error, "username, password, os")

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)
	assert.Zero(t, p.calls())
}

func TestPatchStreamCancelsWhenClientLeaves(t *testing.T) {
	p := &fakePatcher{lines: []string{"Checking for updates."}, block: true, ended: make(chan error, 1)}
	ts := newTestServer(t, &fakeDispatcher{}, p)
	conn := dialStream(t, ts)

	require.NoError(t, conn.WriteJSON(models.PatchRequest{Host: "h", Username: "u", Password: "p", OS: "windows"}))

	var msg models.StreamMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, FrameLog, msg.Type)

	require.NoError(t, conn.Close())

	select {
	case err := <-p.ended:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("patch run was not cancelled after the client disconnected")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(&fakeDispatcher{}, &fakePatcher{}, t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
