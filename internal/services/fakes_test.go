package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/integration"
)

// callLog records calls across fakes so tests can assert ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

// =============================================================================
// fakeDownloads
// =============================================================================

type fakeDownloads struct {
	log        *callLog
	downloads  []domain.DownloadRecord
	fetchErr   error
	fetchPanic string
	removeErr  error
	removed    []string
}

func (f *fakeDownloads) FetchDownloads(ctx context.Context) ([]domain.DownloadRecord, error) {
	if f.fetchPanic != "" {
		panic(f.fetchPanic)
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]domain.DownloadRecord, len(f.downloads))
	copy(out, f.downloads)
	return out, nil
}

func (f *fakeDownloads) RemoveDownload(ctx context.Context, hash string) error {
	f.log.add("remove_download %s", hash)
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, hash)
	return nil
}

// =============================================================================
// fakeManager
// =============================================================================

type fakeManager struct {
	log      *callLog
	manager  domain.Manager
	pageSize int

	// history by manager download id
	history map[string][]integration.HistoryRecord
	// historyErrAt fails the lookup of the given download id
	historyErrAt map[string]error
	historyCalls []string

	queue    []domain.GrabRecord
	queueErr error

	series   map[int64]*integration.Series
	episodes map[int64]*integration.Episode
	movies   map[int64]*integration.Movie
	lookups  []string

	markFailedErr  error
	removeQueueErr error
	markedFailed   []int64
	removedQueue   []int64
}

func newFakeManager(m domain.Manager, log *callLog) *fakeManager {
	return &fakeManager{
		log:          log,
		manager:      m,
		pageSize:     10,
		history:      make(map[string][]integration.HistoryRecord),
		historyErrAt: make(map[string]error),
		series:       make(map[int64]*integration.Series),
		episodes:     make(map[int64]*integration.Episode),
		movies:       make(map[int64]*integration.Movie),
	}
}

// grabbed adds a "grabbed" history entry for hash sent to client.
func (f *fakeManager) grabbed(hash string, historyID int64, client string, g domain.GrabRecord) {
	id := domain.ManagerDownloadID(hash)
	f.history[id] = append(f.history[id], integration.HistoryRecord{
		ID:                 historyID,
		EventType:          "grabbed",
		DownloadID:         id,
		SourceTitle:        g.Title,
		DownloadClientName: client,
		SeriesID:           g.SeriesID,
		EpisodeID:          g.EpisodeID,
		MovieID:            g.MovieID,
	})
}

func (f *fakeManager) Manager() domain.Manager { return f.manager }
func (f *fakeManager) HistoryPageSize() int    { return f.pageSize }

func (f *fakeManager) FetchQueue(ctx context.Context) ([]domain.GrabRecord, error) {
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	return f.queue, nil
}

func (f *fakeManager) FetchHistoryPage(ctx context.Context, downloadID string, page int) ([]integration.HistoryRecord, int, error) {
	f.historyCalls = append(f.historyCalls, fmt.Sprintf("%s#%d", downloadID, page))
	if err := f.historyErrAt[downloadID]; err != nil {
		return nil, 0, err
	}
	all := f.history[downloadID]
	start := (page - 1) * f.pageSize
	if start >= len(all) {
		return nil, len(all), nil
	}
	end := start + f.pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (f *fakeManager) GetSeries(ctx context.Context, id int64) (*integration.Series, error) {
	f.lookups = append(f.lookups, fmt.Sprintf("series/%d", id))
	if s, ok := f.series[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("series %d: %w", id, integration.ErrNotFound)
}

func (f *fakeManager) GetEpisode(ctx context.Context, id int64) (*integration.Episode, error) {
	f.lookups = append(f.lookups, fmt.Sprintf("episode/%d", id))
	if e, ok := f.episodes[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("episode %d: %w", id, integration.ErrNotFound)
}

func (f *fakeManager) GetMovie(ctx context.Context, id int64) (*integration.Movie, error) {
	f.lookups = append(f.lookups, fmt.Sprintf("movie/%d", id))
	if m, ok := f.movies[id]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("movie %d: %w", id, integration.ErrNotFound)
}

func (f *fakeManager) MarkFailed(ctx context.Context, historyID int64) error {
	f.log.add("mark_failed %d", historyID)
	if f.markFailedErr != nil {
		return f.markFailedErr
	}
	f.markedFailed = append(f.markedFailed, historyID)
	return nil
}

func (f *fakeManager) RemoveFromQueue(ctx context.Context, queueID int64) error {
	f.log.add("remove_from_queue %d", queueID)
	if f.removeQueueErr != nil {
		return f.removeQueueErr
	}
	f.removedQueue = append(f.removedQueue, queueID)
	return nil
}

var (
	_ integration.DownloadClient = (*fakeDownloads)(nil)
	_ integration.ManagerClient  = (*fakeManager)(nil)
)

// =============================================================================
// fakeNotifier and recordingBus
// =============================================================================

type fakeNotifier struct {
	log    *callLog
	result bool
	titles []string
	bodies []string
}

func (f *fakeNotifier) Send(ctx context.Context, title, message string) bool {
	f.log.add("notify %s", title)
	f.titles = append(f.titles, title)
	f.bodies = append(f.bodies, message)
	return f.result
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(e domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}
func (b *recordingBus) Subscribe(domain.EventType, func(domain.Event)) {}
func (b *recordingBus) SubscribeAll(func(domain.Event))               {}

func (b *recordingBus) ofType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func connectivityFailure(service string) error {
	return &integration.ConnectivityFailure{Service: service, Host: "http://" + service, Operation: "GET /api/v3/history", StatusCode: 503}
}
