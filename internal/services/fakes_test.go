package services

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/yoockh/audioproctor/internal/models"
	"github.com/yoockh/audioproctor/internal/pipeline"
	mongorepo "github.com/yoockh/audioproctor/internal/repositories/mongo"
	"github.com/yoockh/audioproctor/internal/utils"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	teacher = &models.User{ID: "t-1", Role: models.RoleTeacher, IsActive: true}
	other   = &models.User{ID: "t-2", Role: models.RoleTeacher, IsActive: true}
	student = &models.User{ID: "s-1", Role: models.RoleStudent, IsActive: true}
	peer    = &models.User{ID: "s-2", Role: models.RoleStudent, IsActive: true}
)

type stubSettings struct {
	cfg map[string]*models.ProctoringConfig
}

func newStubSettings() *stubSettings {
	return &stubSettings{cfg: map[string]*models.ProctoringConfig{
		"exam-1":   {ExamID: "exam-1", TeacherID: teacher.ID, IsActive: true, Enabled: true, Threshold: 0.5, Language: "auto"},
		"exam-off": {ExamID: "exam-off", TeacherID: teacher.ID, IsActive: true, Enabled: false, Threshold: 0.5},
	}}
}

func (s *stubSettings) Resolve(_ context.Context, examID string) (*models.ProctoringConfig, error) {
	if c, ok := s.cfg[examID]; ok {
		cp := *c
		return &cp, nil
	}
	return &models.ProctoringConfig{ExamID: examID, Threshold: 0.5}, nil
}

func (s *stubSettings) Invalidate(context.Context, string) error { return nil }

type memSessions struct {
	mu       sync.Mutex
	sessions map[string]*models.AudioSession
}

func newMemSessions() *memSessions {
	return &memSessions{sessions: map[string]*models.AudioSession{}}
}

func (m *memSessions) Create(_ context.Context, s *models.AudioSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.SessionID] = &cp
	return nil
}

func (m *memSessions) GetBySessionID(_ context.Context, id string) (*models.AudioSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, utils.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memSessions) FindActive(_ context.Context, examID, studentID string) (*models.AudioSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ExamID == examID && s.StudentID == studentID && s.Status == models.SessionActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, utils.ErrNotFound
}

func (m *memSessions) End(_ context.Context, id, status string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Status != models.SessionActive {
		return false, nil
	}
	s.Status = status
	s.EndedAt = &at
	return true, nil
}

func (m *memSessions) Increment(_ context.Context, id string, counter models.SessionCounter, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return utils.ErrNotFound
	}
	switch counter {
	case models.CounterTotalChunks:
		s.TotalChunks += delta
	case models.CounterProcessedChunks:
		s.ProcessedChunks += delta
	case models.CounterFailedChunks:
		s.FailedChunks += delta
	case models.CounterTotalFlags:
		s.TotalFlags += delta
	}
	return nil
}

func (m *memSessions) get(id string) models.AudioSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

type memChunks struct {
	mu     sync.Mutex
	chunks map[string]*models.AudioChunk
}

func newMemChunks() *memChunks { return &memChunks{chunks: map[string]*models.AudioChunk{}} }

func (m *memChunks) Insert(_ context.Context, c *models.AudioChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.chunks {
		if v.SessionID == c.SessionID && v.ChunkIndex == c.ChunkIndex {
			return utils.ErrDuplicate
		}
	}
	cp := *c
	m.chunks[c.ChunkID] = &cp
	return nil
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

func (m *memChunks) Transition(context.Context, string, []models.ChunkStatus, models.ChunkStatus, *models.ChunkPatch) (bool, error) {
	return false, nil
}

func (m *memChunks) RecordAttemptError(context.Context, string, string) error { return nil }

func (m *memChunks) ListBySession(_ context.Context, sessionID string, _ int64) ([]models.AudioChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AudioChunk
	for _, c := range m.chunks {
		if c.SessionID == sessionID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func (m *memStore) Upload(_ context.Context, name, _ string, r io.Reader) (string, error) {
	if m.fail != nil {
		return "", m.fail
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[name] = b
	return name, nil
}

type fakeSigner struct{}

func (fakeSigner) SignedGetURL(_ context.Context, name string, ttl time.Duration) (string, error) {
	return "https://signed.example/" + name + "?ttl=" + ttl.String(), nil
}

type memQueue struct {
	mu    sync.Mutex
	tasks []pipeline.Task
	fail  error
}

func (q *memQueue) Enqueue(_ context.Context, t pipeline.Task) error {
	if q.fail != nil {
		return q.fail
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *memQueue) EnqueueAfter(ctx context.Context, t pipeline.Task, _ time.Duration) error {
	return q.Enqueue(ctx, t)
}

type memFlags struct {
	mu    sync.Mutex
	flags []*models.Flag
}

func (m *memFlags) Create(_ context.Context, f *models.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = primitive.NewObjectID()
	cp := *f
	m.flags = append(m.flags, &cp)
	return nil
}

func (m *memFlags) EscalateRecent(_ context.Context, key models.FlagKey, since, now time.Time) (*models.Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hit *models.Flag
	for _, f := range m.flags {
		if f.Key() == key && !f.Resolved && !f.CreatedAt.Before(since) {
			if hit == nil || f.CreatedAt.After(hit.CreatedAt) {
				hit = f
			}
		}
	}
	if hit == nil {
		return nil, nil
	}
	hit.Severity = hit.Severity.Escalate()
	hit.Count++
	hit.UpdatedAt = now
	cp := *hit
	return &cp, nil
}

func (m *memFlags) find(id string) *models.Flag {
	for _, f := range m.flags {
		if f.ID.Hex() == id {
			return f
		}
	}
	return nil
}

func (m *memFlags) GetByID(_ context.Context, id string) (*models.Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.find(id)
	if f == nil {
		return nil, utils.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *memFlags) List(_ context.Context, filter mongorepo.FlagFilter, limit int64) ([]models.Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Flag
	for _, f := range m.flags {
		if filter.StudentID != "" && f.StudentID != filter.StudentID {
			continue
		}
		if filter.ExamID != "" && f.ExamID != filter.ExamID {
			continue
		}
		if filter.Resolved != nil && f.Resolved != *filter.Resolved {
			continue
		}
		out = append(out, *f)
		if int64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (m *memFlags) Resolve(_ context.Context, id string, res mongorepo.FlagResolution, at time.Time) (*models.Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.find(id)
	if f == nil {
		return nil, utils.ErrNotFound
	}
	f.Resolved = res.Resolved
	if res.Resolved {
		by := res.ResolvedBy
		f.ResolvedBy = &by
		f.ResolvedAt = &at
	} else {
		f.ResolvedBy, f.ResolvedAt = nil, nil
	}
	if res.Note != nil {
		f.ResolutionNote = res.Note
	}
	if res.Severity != nil {
		f.Severity = *res.Severity
	}
	cp := *f
	return &cp, nil
}

func (m *memFlags) Statistics(_ context.Context, filter mongorepo.FlagFilter) (*models.FlagStatistics, error) {
	list, _ := m.List(context.Background(), filter, 0)
	st := &models.FlagStatistics{SeverityCounts: map[string]int64{}, TypeCounts: map[string]int64{}}
	for _, f := range list {
		st.TotalFlags++
		if f.Resolved {
			st.ResolvedFlags++
		} else {
			st.UnresolvedFlags++
		}
		st.SeverityCounts[string(f.Severity)]++
		st.TypeCounts[f.Type]++
	}
	return st, nil
}

type memNotifier struct {
	mu     sync.Mutex
	events []models.MonitorEvent
}

func (n *memNotifier) Publish(_ context.Context, _ string, ev models.MonitorEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}
