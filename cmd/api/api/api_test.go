package api

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	camrec "github.com/onkernel/camrec"
	"github.com/onkernel/camrec/lib/capture"
	"github.com/onkernel/camrec/lib/codec"
	"github.com/onkernel/camrec/lib/recorder"
	"github.com/onkernel/camrec/lib/scaletozero"
	"github.com/onkernel/camrec/lib/session"
	"github.com/onkernel/camrec/lib/ticker"
	"github.com/onkernel/camrec/lib/zstdutil"
)

var defaultStream = capture.Stream{Driver: capture.DriverV4L2, Device: "/dev/video0", FrameRate: 30}

// fakeEngine delivers payload as its final chunk.
type fakeEngine struct {
	onData  recorder.DataHandler
	payload []byte
	done    chan struct{}
	once    sync.Once
}

func (e *fakeEngine) Begin(context.Context) error        { return nil }
func (e *fakeEngine) RequestFlush(context.Context) error { return nil }
func (e *fakeEngine) Done() <-chan struct{}              { return e.done }

func (e *fakeEngine) Finish(context.Context) error {
	e.once.Do(func() {
		if e.payload != nil {
			e.onData(e.payload)
		}
		close(e.done)
	})
	return nil
}

// stzJournal records what reaches the instance control: "+" for Disable and
// "-" for Enable.
type stzJournal struct {
	mu     sync.Mutex
	writes []string
}

func (j *stzJournal) Disable(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.writes = append(j.writes, "+")
	return nil
}

func (j *stzJournal) Enable(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.writes = append(j.writes, "-")
	return nil
}

func (j *stzJournal) log() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string{}, j.writes...)
}

type testEnv struct {
	svc     *ApiService
	router  chi.Router
	binding *capture.Binding
	ctrl    *session.Controller
	stz     *stzJournal

	mu        sync.Mutex
	supported map[string]bool
	payload   []byte
	engines   []*fakeEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		binding:   capture.NewBinding(),
		supported: map[string]bool{"video/webm; codecs=vp9": true},
		payload:   []byte("recorded-bytes"),
		stz:       &stzJournal{},
	}
	env.binding.Bind(defaultStream)
	stz := scaletozero.NewDebouncedController(env.stz)

	ctrl, err := session.New(t.Context(), session.Params{
		Source: env.binding,
		Capabilities: codec.CapabilitiesFunc(func(_ context.Context, f codec.Format) bool {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.supported[f.MimeType]
		}),
		NewEngine:     env.newEngine,
		ScaleToZero:   stz,
		FlushTicker:   ticker.NewManual(),
		ElapsedTicker: ticker.NewManual().Factory(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })
	env.ctrl = ctrl

	svc, err := New(ctrl, env.binding, defaultStream, codec.DefaultFormats(), zstdutil.LevelFastest)
	require.NoError(t, err)
	env.svc = svc

	spec, err := LoadSpec(t.Context(), camrec.OpenAPIYAML)
	require.NoError(t, err)
	validate, err := ValidateRequests(spec)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(scaletozero.Middleware(stz), validate)
	svc.Routes(r)
	SpecRoutes(r, camrec.OpenAPIYAML)
	env.router = r
	return env
}

func (env *testEnv) newEngine(_ capture.Stream, _ codec.Format, onData recorder.DataHandler) (recorder.Engine, error) {
	env.mu.Lock()
	defer env.mu.Unlock()
	e := &fakeEngine{onData: onData, payload: env.payload, done: make(chan struct{})}
	env.engines = append(env.engines, e)
	return e, nil
}

func (env *testEnv) lastEngine() *fakeEngine {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.engines[len(env.engines)-1]
}

// do serves a request from an external client. A body is sent as JSON unless
// header says otherwise.
func (env *testEnv) do(t *testing.T, method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	return env.doFrom(t, "203.0.113.7:40000", method, path, body, header)
}

func (env *testEnv) doFrom(t *testing.T, remoteAddr, method, path string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = remoteAddr
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) session.Snapshot {
	t.Helper()
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Message
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := New(nil, env.binding, defaultStream, nil, zstdutil.LevelDefault)
	require.Error(t, err)
	_, err = New(env.ctrl, nil, defaultStream, nil, zstdutil.LevelDefault)
	require.Error(t, err)
	_, err = New(env.ctrl, env.binding, defaultStream, nil, "ultra")
	require.Error(t, err)
}

func TestStartStopRecording(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/recording", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.StateIdle, decodeSnapshot(t, rec).State)

	rec = env.do(t, http.MethodPost, "/recording/start", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	assert.Equal(t, session.StateRecording, snap.State)
	require.NotNil(t, snap.Format)
	assert.Equal(t, "video/webm; codecs=vp9", snap.Format.MimeType)

	rec = env.do(t, http.MethodPost, "/recording/stop", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decodeSnapshot(t, rec)
	assert.Equal(t, session.StateIdle, snap.State)
	assert.Equal(t, 1, snap.Chunks)
	assert.EqualValues(t, len("recorded-bytes"), snap.Bytes)

	// stopping again is harmless
	rec = env.do(t, http.MethodPost, "/recording/stop", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartRecordingUnsupportedDevice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.supported = map[string]bool{}

	rec := env.do(t, http.MethodPost, "/recording/start", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "device not supported", decodeMessage(t, rec))
	assert.Equal(t, session.StateIdle, env.ctrl.State())
}

func TestStartRecordingWithoutStream(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.binding.Unbind()

	rec := env.do(t, http.MethodPost, "/recording/start", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.StateIdle, decodeSnapshot(t, rec).State)
}

func TestStartRecordingAfterShutdown(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	require.NoError(t, env.svc.Shutdown(t.Context()))

	rec := env.do(t, http.MethodPost, "/recording/start", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDownloadRecording(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/recording/download", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/recording/start", nil, nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/recording/stop", nil, nil).Code)
	id := env.ctrl.Snapshot().SessionID

	t.Run("plain", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/recording/download", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "recorded-bytes", rec.Body.String())
		assert.Equal(t, "video/webm; codecs=vp9", rec.Header().Get("Content-Type"))
		assert.Equal(t, "14", rec.Header().Get("Content-Length"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), id+".webm")
		assert.Equal(t, id, rec.Header().Get("X-Recording-Session-Id"))
		assert.NotEmpty(t, rec.Header().Get("X-Recording-Finished-At"))
		assert.Empty(t, rec.Header().Get("Content-Encoding"))
	})

	t.Run("zstd", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/recording/download", nil, http.Header{"Accept-Encoding": {"gzip, zstd"}})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "zstd", rec.Header().Get("Content-Encoding"))

		zr, err := zstd.NewReader(rec.Body)
		require.NoError(t, err)
		defer zr.Close()
		data, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, "recorded-bytes", string(data))
	})
}

func TestDownloadWhileRecording(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/recording/start", nil, nil).Code)

	rec := env.do(t, http.MethodGet, "/recording/download", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	env.lastEngine().onData([]byte("partial"))
	rec = env.do(t, http.MethodGet, "/recording/download", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
	assert.Empty(t, rec.Header().Get("X-Recording-Finished-At"))
}

func TestDownloadEmptyRecording(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.payload = nil

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/recording/start", nil, nil).Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/recording/stop", nil, nil).Code)

	rec := env.do(t, http.MethodGet, "/recording/download", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "recording is empty", decodeMessage(t, rec))
}

func TestArchiveRecording(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/recording/start", nil, nil).Code)
	env.lastEngine().onData([]byte("early"))

	rec := env.do(t, http.MethodGet, "/recording/archive", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/recording/stop", nil, nil).Code)
	snap := env.ctrl.Snapshot()

	rec = env.do(t, http.MethodGet, "/recording/archive", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zstd", rec.Header().Get("Content-Type"))

	zr, err := zstd.NewReader(rec.Body)
	require.NoError(t, err)
	defer zr.Close()
	tr := tar.NewReader(zr)

	files := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = data
	}
	require.Len(t, files, 2)
	assert.Equal(t, "earlyrecorded-bytes", string(files[snap.SessionID+".webm"]))

	var meta session.Snapshot
	require.NoError(t, json.Unmarshal(files["session.json"], &meta))
	assert.Equal(t, snap.SessionID, meta.SessionID)
	assert.Equal(t, 2, meta.Chunks)
}

func TestGetFormats(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/recording/formats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var formats []codec.Format
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &formats))
	assert.Equal(t, codec.DefaultFormats(), formats)
}

func TestStreamEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	decode := func(rec *httptest.ResponseRecorder) streamResponse {
		var resp streamResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	rec := env.do(t, http.MethodGet, "/stream", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode(rec)
	require.True(t, resp.Bound)
	assert.Equal(t, defaultStream, *resp.Stream)

	rec = env.do(t, http.MethodDelete, "/stream", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode(rec).Bound)
	_, ok := env.binding.Stream()
	assert.False(t, ok)

	rec = env.do(t, http.MethodPut, "/stream", strings.NewReader(`{"device":"/dev/video2","videoSize":"640x480"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode(rec)
	require.True(t, resp.Bound)
	assert.Equal(t, capture.Stream{Driver: capture.DriverV4L2, Device: "/dev/video2", FrameRate: 30, VideoSize: "640x480"}, *resp.Stream)

	// empty body binds the defaults
	rec = env.do(t, http.MethodPut, "/stream", http.NoBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultStream, *decode(rec).Stream)
}

func TestBindStreamRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"device":`},
		{"unknown field", `{"camera":"front"}`},
		{"bad driver", `{"driver":"dshow"}`},
		{"bad frame rate", `{"frameRate":0}`},
		{"bad video size", `{"videoSize":"hd"}`},
		{"wrong type", `{"frameRate":"30"}`},
		{"empty device", `{"device":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			rec := env.do(t, http.MethodPut, "/stream", bytes.NewBufferString(tt.body), nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decodeMessage(t, rec))

			// the previous binding is untouched
			st, ok := env.binding.Stream()
			require.True(t, ok)
			assert.Equal(t, defaultStream, st)
		})
	}
}

func TestBindStreamRequiresJSON(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/stream", strings.NewReader("device=/dev/video2"), http.Header{"Content-Type": {"application/x-www-form-urlencoded"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeMessage(t, rec), "Content-Type")

	st, ok := env.binding.Stream()
	require.True(t, ok)
	assert.Equal(t, defaultStream, st)
}

func TestScaleToZeroSpansRequestsAndRecording(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// an external start returns while the session keeps the instance up
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/recording/start", nil, nil).Code)
	assert.Equal(t, []string{"+"}, env.stz.log())

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/recording", nil, nil).Code)
	assert.Equal(t, []string{"+"}, env.stz.log(), "requests ending mid-recording do not release it")

	// a stop over loopback releases the last hold
	require.Equal(t, http.StatusOK, env.doFrom(t, "127.0.0.1:5000", http.MethodPost, "/recording/stop", nil, nil).Code)
	assert.Equal(t, []string{"+", "-"}, env.stz.log())

	// loopback traffic alone never touches the control
	require.Equal(t, http.StatusOK, env.doFrom(t, "[::1]:5000", http.MethodGet, "/recording", nil, nil).Code)
	assert.Equal(t, []string{"+", "-"}, env.stz.log())
}
