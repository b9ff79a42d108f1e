package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/integration"
	"github.com/mescon/stallarr/internal/testutil"
)

type dispatcherFixture struct {
	cfg       *config.Config
	log       *callLog
	downloads *fakeDownloads
	sonarr    *fakeManager
	notifier  *fakeNotifier
	bus       *recordingBus
	clock     *testutil.MockClock
	d         *Dispatcher
}

func newDispatcherFixture(t *testing.T, dryRun bool) *dispatcherFixture {
	t.Helper()
	cfg := config.NewTestConfig()
	cfg.DryRun = dryRun
	log := &callLog{}
	f := &dispatcherFixture{
		cfg:       cfg,
		log:       log,
		downloads: &fakeDownloads{log: log},
		sonarr:    newFakeManager(domain.ManagerSonarr, log),
		notifier:  &fakeNotifier{log: log, result: true},
		bus:       &recordingBus{},
		clock:     testutil.NewMockClockAt(testNow),
	}
	f.d = NewDispatcher(cfg, f.downloads, map[domain.Manager]integration.ManagerClient{
		domain.ManagerSonarr: f.sonarr,
	}, f.notifier, f.bus, f.clock)
	return f
}

func historyGrab(n int, historyID int64) domain.GrabRecord {
	g := testutil.NewSeriesGrab(n, 0)
	g.HistoryID = historyID
	return g
}

// =============================================================================
// HandleStall tests
// =============================================================================

func TestHandleStall_FullWorkflowOrder(t *testing.T) {
	f := newDispatcherFixture(t, false)
	dl := testutil.NewDownload(1, testNow)
	v := Verdict{Stalled: true, Reason: ReasonNeverSeenComplete, Count: 4}

	ran := f.d.HandleStall(context.Background(), dl, v,
		[]domain.GrabRecord{historyGrab(1, 55)},
		[]domain.GrabRecord{testutil.NewSeriesGrab(1, 77)})

	require.True(t, ran)
	assert.Equal(t, []string{
		"notify Stalled download (Sonarr)",
		"mark_failed 55",
		"remove_from_queue 77",
		"remove_download " + dl.Hash,
	}, f.log.all())
	assert.Equal(t, []time.Duration{f.cfg.MarkFailedSettleDelay}, f.clock.Sleeps())

	assert.Len(t, f.bus.ofType(domain.DownloadStalled), 1)
	assert.Len(t, f.bus.ofType(domain.GrabMarkedFailed), 1)
	assert.Len(t, f.bus.ofType(domain.QueueItemRemoved), 1)
	removed := f.bus.ofType(domain.DownloadRemoved)
	require.Len(t, removed, 1)
	data, ok := removed[0].ParseRemovalEventData()
	require.True(t, ok)
	assert.Equal(t, domain.RemovalStalled, data.Category)
	assert.Equal(t, "sonarr", data.Manager)
	assert.Empty(t, f.bus.ofType(domain.ActionFailed))
}

func TestHandleStall_LookupMissSkips(t *testing.T) {
	f := newDispatcherFixture(t, false)
	dl := testutil.NewDownload(1, testNow)

	ran := f.d.HandleStall(context.Background(), dl, Verdict{Stalled: true, Reason: "r", Count: 4}, nil, nil)

	assert.False(t, ran)
	assert.Empty(t, f.log.all(), "no notification or mutation on lookup miss")
	assert.Empty(t, f.bus.events)
}

func TestHandleStall_CancelledDuringSettleDelay(t *testing.T) {
	f := newDispatcherFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.clock.OnSleep(func(time.Duration) { cancel() })
	dl := testutil.NewDownload(1, testNow)

	ran := f.d.HandleStall(ctx, dl, Verdict{Stalled: true, Reason: "r", Count: 4},
		[]domain.GrabRecord{historyGrab(1, 55)},
		[]domain.GrabRecord{testutil.NewSeriesGrab(1, 77)})

	assert.False(t, ran, "interrupted workflow must not count as handled")
	assert.Equal(t, []string{
		"notify Stalled download (Sonarr)",
		"mark_failed 55",
	}, f.log.all())
	assert.Empty(t, f.bus.ofType(domain.QueueItemRemoved))
	assert.Empty(t, f.bus.ofType(domain.DownloadRemoved))
}

func TestHandleStall_StepFailureContinues(t *testing.T) {
	f := newDispatcherFixture(t, false)
	f.sonarr.markFailedErr = errors.New("boom")
	dl := testutil.NewDownload(1, testNow)

	ran := f.d.HandleStall(context.Background(), dl, Verdict{Stalled: true, Reason: "r", Count: 4},
		[]domain.GrabRecord{historyGrab(1, 55)},
		[]domain.GrabRecord{testutil.NewSeriesGrab(1, 77)})

	require.True(t, ran)
	assert.Equal(t, []int64{77}, f.sonarr.removedQueue)
	assert.Equal(t, []string{dl.Hash}, f.downloads.removed)

	failed := f.bus.ofType(domain.ActionFailed)
	require.Len(t, failed, 1)
	data, _ := failed[0].ParseRemovalEventData()
	assert.Equal(t, StepMarkFailed, data.Step)
	assert.Equal(t, "boom", data.Error)
}

func TestHandleStall_MissingQueueItemSkipsQueueStep(t *testing.T) {
	f := newDispatcherFixture(t, false)
	dl := testutil.NewDownload(1, testNow)

	ran := f.d.HandleStall(context.Background(), dl, Verdict{Stalled: true, Reason: "r", Count: 4},
		[]domain.GrabRecord{historyGrab(1, 55)}, nil)

	require.True(t, ran)
	assert.Equal(t, []string{
		"notify Stalled download (Sonarr)",
		"mark_failed 55",
		"remove_download " + dl.Hash,
	}, f.log.all())
	failed := f.bus.ofType(domain.ActionFailed)
	require.Len(t, failed, 1)
	data, _ := failed[0].ParseRemovalEventData()
	assert.Equal(t, StepRemoveFromQueue, data.Step)
}

func TestHandleStall_DryRunMutatesNothing(t *testing.T) {
	f := newDispatcherFixture(t, true)
	dl := testutil.NewDownload(1, testNow)

	ran := f.d.HandleStall(context.Background(), dl, Verdict{Stalled: true, Reason: "r", Count: 4},
		[]domain.GrabRecord{historyGrab(1, 55)},
		[]domain.GrabRecord{testutil.NewSeriesGrab(1, 77)})

	require.True(t, ran)
	assert.Empty(t, f.log.all(), "dry run must not notify or mutate")
	assert.Empty(t, f.clock.Sleeps(), "settle delay skipped in dry run")

	removed := f.bus.ofType(domain.DownloadRemoved)
	require.Len(t, removed, 1)
	data, _ := removed[0].ParseRemovalEventData()
	assert.True(t, data.DryRun)
}

// =============================================================================
// Reconciliation removal tests
// =============================================================================

func TestRemoveClientOnly(t *testing.T) {
	f := newDispatcherFixture(t, false)
	dl := testutil.NewDownload(1, testNow)

	ok := f.d.RemoveClientOnly(context.Background(), domain.NewClientOnlyCandidate(dl, "not grabbed"))
	require.True(t, ok)
	assert.Equal(t, []string{dl.Hash}, f.downloads.removed)

	removed := f.bus.ofType(domain.DownloadRemoved)
	require.Len(t, removed, 1)
	data, _ := removed[0].ParseRemovalEventData()
	assert.Equal(t, domain.RemovalClientOnly, data.Category)
}

func TestRemoveClientOnly_Failure(t *testing.T) {
	f := newDispatcherFixture(t, false)
	f.downloads.removeErr = errors.New("eMulerr down")
	dl := testutil.NewDownload(1, testNow)

	assert.False(t, f.d.RemoveClientOnly(context.Background(), domain.NewClientOnlyCandidate(dl, "x")))
	assert.Len(t, f.bus.ofType(domain.ActionFailed), 1)
}

func TestRemoveManagerGrab(t *testing.T) {
	f := newDispatcherFixture(t, false)
	dl := testutil.NewDownload(1, testNow)
	c := domain.NewManagerGrabCandidate(dl, historyGrab(1, 55), "series is not monitored")

	ok := f.d.RemoveManagerGrab(context.Background(), c, []domain.GrabRecord{
		testutil.NewSeriesGrab(2, 70),
		testutil.NewSeriesGrab(1, 71),
	})
	require.True(t, ok)
	assert.Equal(t, []int64{71}, f.sonarr.removedQueue)
	assert.Empty(t, f.downloads.removed, "the manager removes it from the client")
}

func TestRemoveManagerGrab_NoQueueItem(t *testing.T) {
	f := newDispatcherFixture(t, false)
	dl := testutil.NewDownload(1, testNow)
	c := domain.NewManagerGrabCandidate(dl, historyGrab(1, 55), "x")

	assert.False(t, f.d.RemoveManagerGrab(context.Background(), c, []domain.GrabRecord{testutil.NewSeriesGrab(2, 70)}))
	assert.Empty(t, f.log.all())
}

func TestRemoveManagerGrab_DryRun(t *testing.T) {
	f := newDispatcherFixture(t, true)
	dl := testutil.NewDownload(1, testNow)
	c := domain.NewManagerGrabCandidate(dl, historyGrab(1, 55), "x")

	assert.True(t, f.d.RemoveManagerGrab(context.Background(), c, []domain.GrabRecord{testutil.NewSeriesGrab(1, 71)}))
	assert.Empty(t, f.sonarr.removedQueue)
}
