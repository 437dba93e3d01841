package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/api/middleware"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/services"
	"github.com/yoockh/audioproctor/internal/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var (
	teacher = &models.User{ID: "t-1", Role: models.RoleTeacher, IsActive: true}
	student = &models.User{ID: "s-1", Role: models.RoleStudent, IsActive: true}
)

type fakeChunks struct {
	uploaded []services.UploadInput
	artifact *services.Artifact
	link     *services.PlaybackLink
	err      error
}

func (f *fakeChunks) Upload(_ context.Context, _ *models.User, in services.UploadInput) (*models.AudioChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.uploaded = append(f.uploaded, in)
	return &models.AudioChunk{ChunkID: "c-1", Status: models.StatusQueued}, nil
}

func (f *fakeChunks) Get(_ context.Context, _ *models.User, id string) (*models.AudioChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := "preprocessed/secret.wav"
	return &models.AudioChunk{ChunkID: id, RawPath: "raw/secret.webm", ProcessedPath: &p, Status: models.StatusCompleted}, nil
}

func (f *fakeChunks) ListBySession(_ context.Context, _ *models.User, sessionID string) ([]models.AudioChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []models.AudioChunk{{ChunkID: "c-1", SessionID: sessionID, RawPath: "raw/secret.webm"}}, nil
}

func (f *fakeChunks) Playback(context.Context, *models.User, string) (*services.Artifact, error) {
	return f.artifact, f.err
}

func (f *fakeChunks) PlaybackLink(_ context.Context, u *models.User, id string) (*services.PlaybackLink, error) {
	if !u.IsTeacher() {
		return nil, utils.E(utils.CodeForbidden, "fake", "forbidden", nil)
	}
	if f.link != nil {
		return f.link, nil
	}
	return &services.PlaybackLink{ChunkID: id, URL: "/api/audio/play/" + id, ExpiresIn: 300}, nil
}

type fakeFlags struct {
	listed  []services.ListFlagsInput
	clients []services.ClientAudioInput
}

func (f *fakeFlags) List(_ context.Context, _ *models.User, in services.ListFlagsInput) (*services.FlagList, error) {
	f.listed = append(f.listed, in)
	return &services.FlagList{Flags: []models.Flag{}}, nil
}

func (f *fakeFlags) Get(context.Context, *models.User, string) (*models.Flag, error) {
	return nil, utils.E(utils.CodeNotFound, "fake", "flag not found", utils.ErrNotFound)
}

func (f *fakeFlags) Resolve(_ context.Context, _ *models.User, _ string, in services.ResolveFlagInput) (*models.Flag, error) {
	return &models.Flag{Resolved: in.Resolved}, nil
}

func (f *fakeFlags) Report(context.Context, *models.User, services.ReportFlagInput) (*models.Flag, error) {
	return &models.Flag{ID: primitive.NewObjectID()}, nil
}

func (f *fakeFlags) ReportClientAudio(_ context.Context, _ *models.User, in services.ClientAudioInput) (*models.Flag, error) {
	f.clients = append(f.clients, in)
	return &models.Flag{ID: primitive.NewObjectID(), Severity: services.SeverityForDetection(in.DetectionType)}, nil
}

type seekCloser struct{ *bytes.Reader }

func (seekCloser) Close() error { return nil }

type fakeOpener map[string][]byte

func (f fakeOpener) Open(_ context.Context, name string) (io.ReadCloser, error) {
	b, ok := f[name]
	if !ok {
		return nil, utils.ErrMissingArtifact
	}
	return seekCloser{bytes.NewReader(b)}, nil
}

func as(u *models.User) gin.HandlerFunc {
	return func(c *gin.Context) { middleware.SetUser(c, u) }
}

func do(r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	r := gin.New()
	r.GET("/app", func(c *gin.Context) { writeError(c, utils.E(utils.CodeConflict, "op", "already there", nil)) })
	r.GET("/raw", func(c *gin.Context) { writeError(c, io.ErrUnexpectedEOF) })
	r.GET("/anon", func(c *gin.Context) { requireUser(c) })

	w := do(r, http.MethodGet, "/app", "")
	if w.Code != http.StatusConflict || !strings.Contains(w.Body.String(), `"code":"CONFLICT"`) {
		t.Fatalf("app error: %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/raw", "")
	if w.Code != http.StatusInternalServerError || strings.Contains(w.Body.String(), "EOF") {
		t.Fatalf("raw error leaked: %d %s", w.Code, w.Body.String())
	}
	if w = do(r, http.MethodGet, "/anon", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: %d", w.Code)
	}
}

func TestUploadHandler(t *testing.T) {
	t.Parallel()

	chunks := &fakeChunks{}
	h := NewAudioHandler(chunks, &fakeFlags{}, nil)
	r := gin.New()
	r.POST("/upload", as(student), h.Upload)

	body := `{"exam_id":"e","student_id":"s-1","session_id":"sess","chunk_index":0,"timestamp":"2026-03-01T10:00:05.250Z","audio_data":"AAAA","format":"wav"}`
	w := do(r, http.MethodPost, "/upload", body)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	var resp UploadChunkResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.ChunkID != "c-1" || resp.Status != "queued" {
		t.Fatalf("resp = %+v, %v", resp, err)
	}
	in := chunks.uploaded[0]
	if in.ChunkIndex != 0 || in.Timestamp.Nanosecond() != 250_000_000 || in.Format != "wav" {
		t.Fatalf("input = %+v", in)
	}

	bad := map[string]string{
		"missing index": `{"exam_id":"e","student_id":"s-1","session_id":"sess","audio_data":"AAAA"}`,
		"bad timestamp": `{"exam_id":"e","student_id":"s-1","session_id":"sess","chunk_index":1,"timestamp":"yesterday","audio_data":"AAAA"}`,
		"not json":      `{`,
	}
	for name, b := range bad {
		if w := do(r, http.MethodPost, "/upload", b); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", name, w.Code)
		}
	}
}

func TestChunkHandlerHidesPaths(t *testing.T) {
	t.Parallel()

	h := NewAudioHandler(&fakeChunks{}, &fakeFlags{}, nil)
	r := gin.New()
	r.GET("/chunk/:chunk_id", as(teacher), h.Chunk)

	r.GET("/session/:session_id/chunks", as(teacher), h.SessionChunks)

	w := do(r, http.MethodGet, "/chunk/c-9", "")
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "secret") {
		t.Fatalf("chunk response: %d %s", w.Code, w.Body.String())
	}
	w = do(r, http.MethodGet, "/session/sess-1/chunks", "")
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "secret") || !strings.Contains(w.Body.String(), `"total":1`) {
		t.Fatalf("session chunks response: %d %s", w.Code, w.Body.String())
	}
}

func TestPlayHandler(t *testing.T) {
	t.Parallel()

	local := NewAudioHandler(&fakeChunks{artifact: &services.Artifact{Path: "preprocessed/c.wav", ContentType: "audio/wav", Processed: true}},
		&fakeFlags{}, fakeOpener{"preprocessed/c.wav": []byte("0123456789")})
	r := gin.New()
	r.GET("/play/:chunk_id", as(teacher), local.Play)

	req := httptest.NewRequest(http.MethodGet, "/play/c", nil)
	req.Header.Set("Range", "bytes=2-5")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusPartialContent || w.Body.String() != "2345" {
		t.Fatalf("range: %d %q", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type = %q", ct)
	}

	missing := NewAudioHandler(&fakeChunks{artifact: &services.Artifact{Path: "gone.wav"}}, &fakeFlags{}, fakeOpener{})
	r2 := gin.New()
	r2.GET("/play/:chunk_id", as(teacher), missing.Play)
	if w := do(r2, http.MethodGet, "/play/c", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing artifact: %d", w.Code)
	}

	signed := NewAudioHandler(&fakeChunks{link: &services.PlaybackLink{URL: "https://signed.example/x"}}, &fakeFlags{}, nil)
	r3 := gin.New()
	r3.GET("/play/:chunk_id", as(teacher), signed.Play)
	w = do(r3, http.MethodGet, "/play/c", "")
	if w.Code != http.StatusFound || w.Header().Get("Location") != "https://signed.example/x" {
		t.Fatalf("redirect: %d %v", w.Code, w.Header())
	}
}

func TestClientFlagHandler(t *testing.T) {
	t.Parallel()

	flags := &fakeFlags{}
	h := NewAudioHandler(&fakeChunks{}, flags, nil)
	r := gin.New()
	r.POST("/flag", as(student), h.Flag)

	ok := `{"exam_id":"e","student_id":"s-1","session_id":"sess","timestamp":"2026-03-01T10:00:00Z","detection_type":"multiple_voices","flag_reason":"voices","audio_metrics":{"rms":0.3}}`
	w := do(r, http.MethodPost, "/flag", ok)
	if w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), `"severity":"high"`) {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	if flags.clients[0].AudioMetrics["rms"] != 0.3 {
		t.Fatalf("metrics = %v", flags.clients[0].AudioMetrics)
	}

	missing := `{"exam_id":"e","student_id":"s-1","session_id":"sess","timestamp":"2026-03-01T10:00:00Z","detection_type":"multiple_voices"}`
	if w := do(r, http.MethodPost, "/flag", missing); w.Code != http.StatusBadRequest {
		t.Fatalf("missing flag_reason: %d", w.Code)
	}
}

func TestFlagHandlers(t *testing.T) {
	t.Parallel()

	flags := &fakeFlags{}
	h := NewFlagHandler(flags)
	r := gin.New()
	r.GET("/flags", as(teacher), h.List)
	r.GET("/flags/:flag_id", as(teacher), h.Get)
	r.PUT("/flags/:flag_id", as(teacher), h.Update)

	if w := do(r, http.MethodGet, "/flags?exam_id=e&resolved=false&statistics=true", ""); w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	in := flags.listed[0]
	if in.ExamID != "e" || in.Resolved == nil || *in.Resolved || !in.WithStatistics {
		t.Fatalf("list input = %+v", in)
	}
	if w := do(r, http.MethodGet, "/flags?resolved=maybe", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad resolved: %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/flags/abc", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get missing: %d", w.Code)
	}
	if w := do(r, http.MethodPut, "/flags/abc", `{"resolution_note":"x"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("update without resolved: %d", w.Code)
	}
	if w := do(r, http.MethodPut, "/flags/abc", `{"resolved":true}`); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"resolved":true`) {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}
}

type allowMonitor struct{ services.AudioSessionService }

func (allowMonitor) CheckMonitor(_ context.Context, u *models.User, _ string) error {
	if u.IsTeacher() {
		return nil
	}
	return utils.E(utils.CodeForbidden, "fake", "forbidden", nil)
}

type chanFeed struct {
	ch chan []byte
}

func (f *chanFeed) Watch(context.Context, string) (<-chan []byte, func(), error) {
	return f.ch, func() {}, nil
}

func TestMonitorWebsocket(t *testing.T) {
	t.Parallel()

	feed := &chanFeed{ch: make(chan []byte, 1)}
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := NewWSHandler(allowMonitor{}, &fakeChunks{}, feed, log, nil)

	r := gin.New()
	r.GET("/ws/monitor/:exam_id", as(teacher), h.Monitor)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/monitor/exam-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() map[string]any {
		t.Helper()
		var m map[string]any
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	if m := read(); m["type"] != "monitoring_joined" || m["exam_id"] != "exam-1" {
		t.Fatalf("join = %v", m)
	}

	if err := conn.WriteJSON(map[string]any{"action": "heartbeat", "timestamp": 1234}); err != nil {
		t.Fatal(err)
	}
	if m := read(); m["type"] != "heartbeat_response" || m["timestamp"] != float64(1234) {
		t.Fatalf("heartbeat = %v", m)
	}

	if err := conn.WriteJSON(map[string]any{"action": "request_audio_playback", "chunk_id": "c-7"}); err != nil {
		t.Fatal(err)
	}
	if m := read(); m["type"] != "audio_playback_url" || m["url"] != "/api/audio/play/c-7" || m["expires_in"] != float64(300) {
		t.Fatalf("playback = %v", m)
	}

	feed.ch <- []byte(`{"type":"new_flag","flag":{"flag_id":"f1"}}`)
	if m := read(); m["type"] != "new_flag" {
		t.Fatalf("event = %v", m)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("nope")); err != nil {
		t.Fatal(err)
	}
	if m := read(); m["type"] != "error" {
		t.Fatalf("bad json reply = %v", m)
	}
}

func TestMonitorRejectsStudents(t *testing.T) {
	t.Parallel()

	h := NewWSHandler(allowMonitor{}, &fakeChunks{}, &chanFeed{}, logrus.New(), nil)
	r := gin.New()
	r.GET("/ws/monitor/:exam_id", as(student), h.Monitor)
	if w := do(r, http.MethodGet, "/ws/monitor/exam-1", ""); w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
}
