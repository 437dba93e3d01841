package pipeline

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yoockh/audioproctor/internal/audio"
	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/providers/stt"
	"github.com/yoockh/audioproctor/internal/storage"
	"github.com/yoockh/audioproctor/internal/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type memChunks struct {
	mu         sync.Mutex
	chunks     map[string]*models.AudioChunk
	regression []string
}

func newMemChunks() *memChunks { return &memChunks{chunks: map[string]*models.AudioChunk{}} }

func (m *memChunks) put(c *models.AudioChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.chunks[c.ChunkID] = &cp
}

func (m *memChunks) get(id string) *models.AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.chunks[id]
	return &cp
}

func (m *memChunks) Get(_ context.Context, id string) (*models.AudioChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return nil, utils.ErrChunkNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memChunks) Transition(_ context.Context, id string, from []models.ChunkStatus, to models.ChunkStatus, patch *models.ChunkPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return false, utils.ErrChunkNotFound
	}
	if !containsStatus(from, c.Status) {
		return false, nil
	}
	if c.Status != to && !c.Status.CanAdvanceTo(to) {
		m.regression = append(m.regression, string(c.Status)+"->"+string(to))
	}
	c.Status = to
	if patch != nil {
		if patch.ProcessedPath != nil {
			c.ProcessedPath = patch.ProcessedPath
		}
		if patch.Duration != nil {
			c.Duration = *patch.Duration
		}
		if patch.VAD != nil {
			c.VAD = patch.VAD
		}
		if patch.Diarization != nil {
			c.Diarization = patch.Diarization
		}
		if patch.Transcriptions != nil {
			c.Transcriptions = patch.Transcriptions
		}
		if patch.Suspicion != nil {
			c.Suspicion = patch.Suspicion
		}
		if patch.ErrorMessage != nil {
			c.ErrorMessage = patch.ErrorMessage
		}
	}
	return true, nil
}

func (m *memChunks) RecordAttemptError(_ context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunks[id]
	if !ok {
		return utils.ErrChunkNotFound
	}
	c.ErrorMessage = &msg
	c.Attempts++
	return nil
}

type memSessions struct {
	mu       sync.Mutex
	counters map[string]map[models.SessionCounter]int64
}

func newMemSessions() *memSessions {
	return &memSessions{counters: map[string]map[models.SessionCounter]int64{}}
}

func (m *memSessions) Increment(_ context.Context, id string, c models.SessionCounter, d int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[id] == nil {
		m.counters[id] = map[models.SessionCounter]int64{}
	}
	m.counters[id][c] += d
	return nil
}

func (m *memSessions) get(id string, c models.SessionCounter) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[id][c]
}

type memFlags struct {
	mu    sync.Mutex
	flags []*models.Flag
}

func (m *memFlags) EscalateRecent(_ context.Context, key models.FlagKey, since, now time.Time) (*models.Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Flag
	for _, f := range m.flags {
		if f.Key() != key || f.Resolved || f.CreatedAt.Before(since) {
			continue
		}
		if best == nil || f.CreatedAt.After(best.CreatedAt) {
			best = f
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Severity = best.Severity.Escalate()
	best.Count++
	best.UpdatedAt = now
	cp := *best
	return &cp, nil
}

func (m *memFlags) Create(_ context.Context, f *models.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = primitive.NewObjectID()
	cp := *f
	m.flags = append(m.flags, &cp)
	return nil
}

func (m *memFlags) all() []models.Flag {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Flag, 0, len(m.flags))
	for _, f := range m.flags {
		out = append(out, *f)
	}
	return out
}

type memQueue struct {
	mu      sync.Mutex
	tasks   []Task
	delayed []Task
	delays  []time.Duration
}

func (q *memQueue) Enqueue(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *memQueue) EnqueueAfter(_ context.Context, t Task, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, t)
	q.delays = append(q.delays, d)
	return nil
}

func (q *memQueue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		if len(q.delayed) == 0 {
			return Task{}, false
		}
		q.tasks, q.delayed = q.delayed, nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t, true
}

func (q *memQueue) count(stage Stage) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Stage == stage {
			n++
		}
	}
	return n
}

type memNotifier struct {
	mu     sync.Mutex
	events []models.MonitorEvent
	err    error
}

func (n *memNotifier) Publish(_ context.Context, _ string, ev models.MonitorEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, ev)
	return nil
}

type staticSettings struct{ cfg models.ProctoringConfig }

func (s staticSettings) Resolve(context.Context, string) (*models.ProctoringConfig, error) {
	cfg := s.cfg
	return &cfg, nil
}

type fakeRecognizer struct {
	mu       sync.Mutex
	segments []stt.Segment
	failures int // fail this many calls before succeeding; -1 fails forever
	calls    int
}

func (r *fakeRecognizer) Recognize(context.Context, []byte, int, string) ([]stt.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures < 0 || r.calls <= r.failures {
		return nil, errors.New("recognizer unavailable")
	}
	return r.segments, nil
}

func (r *fakeRecognizer) Close() error { return nil }

func (r *fakeRecognizer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

var testKeywords = []string{"help", "tell me", "what's the answer", "give me", "your answer", "copy", "cheat", "answer"}

type harness struct {
	pl       *Pipeline
	chunks   *memChunks
	sessions *memSessions
	flags    *memFlags
	queue    *memQueue
	notifier *memNotifier
	rec      *fakeRecognizer
	store    *storage.LocalStore

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, threshold float64) *harness {
	t.Helper()

	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	h := &harness{
		chunks:   newMemChunks(),
		sessions: newMemSessions(),
		flags:    &memFlags{},
		queue:    &memQueue{},
		notifier: &memNotifier{},
		rec:      &fakeRecognizer{},
		store:    store,
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	pl, err := New(Deps{
		Chunks:     h.chunks,
		Sessions:   h.sessions,
		Flags:      h.flags,
		Queue:      h.queue,
		Notifier:   h.notifier,
		Settings:   staticSettings{cfg: models.ProctoringConfig{Enabled: true, Keywords: testKeywords, Threshold: threshold, Language: "auto"}},
		Artifacts:  store,
		Recognizer: h.rec,
		Logger:     log,
		Now:        h.clock,
	}, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	h.pl = pl
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

// addChunk stores raw audio and a queued chunk record for it.
func (h *harness) addChunk(t *testing.T, id string, raw []byte) *models.AudioChunk {
	t.Helper()
	path := storage.RawObjectName("exam-1", "stu-1", id, ".wav")
	if raw != nil {
		if _, err := h.store.Upload(context.Background(), path, "audio/wav", bytes.NewReader(raw)); err != nil {
			t.Fatal(err)
		}
	}
	c := &models.AudioChunk{
		ChunkID:   id,
		SessionID: "sess-1",
		ExamID:    "exam-1",
		StudentID: "stu-1",
		Timestamp: h.clock(),
		RawPath:   path,
		Status:    models.StatusQueued,
	}
	h.chunks.put(c)
	return c
}

// drain runs queued tasks, then delayed ones, until nothing is left.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		task, ok := h.queue.pop()
		if !ok {
			return
		}
		if err := h.pl.Handle(context.Background(), task); err != nil {
			t.Fatalf("Handle(%+v): %v", task, err)
		}
	}
	t.Fatal("queue did not drain")
}

func tone(sr int, seconds, amp float64) []float64 {
	out := make([]float64, int(float64(sr)*seconds))
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*220*float64(i)/float64(sr))
	}
	return out
}

// speechWAV is two tone bursts separated by silence, recorded at 44.1 kHz.
func speechWAV(t *testing.T) []byte {
	t.Helper()
	sr := 44100
	var s []float64
	s = append(s, tone(sr, 1, 0.6)...)
	s = append(s, make([]float64, sr/2)...)
	s = append(s, tone(sr, 1, 0.6)...)
	b, err := audio.EncodeWAV(s, sr)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func silentWAV(t *testing.T) []byte {
	t.Helper()
	b, err := audio.EncodeWAV(make([]float64, 16000*2), 16000)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
