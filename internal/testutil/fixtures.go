package testutil

import (
	"fmt"
	"time"

	"github.com/mescon/stallarr/internal/domain"
)

// =============================================================================
// Download fixtures
// =============================================================================

// DownloadOption customizes a fixture built by NewDownload.
type DownloadOption func(*domain.DownloadRecord)

// TestHash returns a deterministic 32-character hash for fixture n.
func TestHash(n int) string {
	return fmt.Sprintf("%032X", n)
}

// NewDownload returns a download that stalls under default settings: added a
// day before now, never seen complete, no pending sources, half done.
func NewDownload(n int, now time.Time, opts ...DownloadOption) domain.DownloadRecord {
	d := domain.DownloadRecord{
		Hash:     TestHash(n),
		Name:     fmt.Sprintf("Some.Show.S01E%02d.720p.WEB.x264-GRP", n),
		Size:     1000,
		SizeDone: 500,
		Progress: 50,
		Status:   "downloading",
		Category: "tv-sonarr",
		AddedOn:  now.Add(-24 * time.Hour).UnixMilli(),
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// WithCategory sets the download-client category.
func WithCategory(category string) DownloadOption {
	return func(d *domain.DownloadRecord) { d.Category = category }
}

// WithName sets the file name.
func WithName(name string) DownloadOption {
	return func(d *domain.DownloadRecord) { d.Name = name }
}

// WithSizeDone sets the downloaded byte count.
func WithSizeDone(n int64) DownloadOption {
	return func(d *domain.DownloadRecord) { d.SizeDone = n }
}

// WithProgress sets progress in percent.
func WithProgress(p float64) DownloadOption {
	return func(d *domain.DownloadRecord) { d.Progress = p }
}

// WithPendingSources sets the pending source count.
func WithPendingSources(n int) DownloadOption {
	return func(d *domain.DownloadRecord) { d.SourceCountPending = n }
}

// WithLastSeenComplete sets the last time a full source was seen.
func WithLastSeenComplete(t time.Time) DownloadOption {
	return func(d *domain.DownloadRecord) { d.LastSeenComplete = t.Unix() }
}

// WithAddedAt sets when the download was added.
func WithAddedAt(t time.Time) DownloadOption {
	return func(d *domain.DownloadRecord) { d.AddedOn = t.UnixMilli() }
}

// =============================================================================
// Grab fixtures
// =============================================================================

// NewSeriesGrab returns a Sonarr queue record for download n.
func NewSeriesGrab(n int, queueID int64) domain.GrabRecord {
	season := 1
	return domain.GrabRecord{
		Manager:      domain.ManagerSonarr,
		Title:        fmt.Sprintf("Some.Show.S01E%02d.720p.WEB.x264-GRP", n),
		DownloadID:   domain.ManagerDownloadID(TestHash(n)),
		QueueID:      queueID,
		Size:         1000,
		SeriesID:     10,
		SeasonNumber: &season,
		EpisodeID:    int64(100 + n),
	}
}

// NewMovieGrab returns a Radarr queue record for download n.
func NewMovieGrab(n int, queueID int64) domain.GrabRecord {
	return domain.GrabRecord{
		Manager:    domain.ManagerRadarr,
		Title:      fmt.Sprintf("Some.Movie.%d.1080p.BluRay.x264-GRP", 2000+n),
		DownloadID: domain.ManagerDownloadID(TestHash(n)),
		QueueID:    queueID,
		Size:       1000,
		MovieID:    int64(200 + n),
	}
}
