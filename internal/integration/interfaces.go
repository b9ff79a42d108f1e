package integration

import (
	"context"

	"github.com/mescon/stallarr/internal/domain"
)

// DownloadClient defines the interface for the download client (eMulerr).
type DownloadClient interface {
	FetchDownloads(ctx context.Context) ([]domain.DownloadRecord, error)
	RemoveDownload(ctx context.Context, hash string) error
}

// ManagerClient defines the interface for interacting with Sonarr/Radarr.
type ManagerClient interface {
	Manager() domain.Manager

	// Queue and history
	FetchQueue(ctx context.Context) ([]domain.GrabRecord, error)
	FetchHistoryPage(ctx context.Context, downloadID string, page int) ([]HistoryRecord, int, error)
	HistoryPageSize() int

	// Monitoring status. A 404 surfaces as ErrNotFound.
	GetSeries(ctx context.Context, id int64) (*Series, error)
	GetEpisode(ctx context.Context, id int64) (*Episode, error)
	GetMovie(ctx context.Context, id int64) (*Movie, error)

	// Mutations, never retried
	MarkFailed(ctx context.Context, historyID int64) error
	RemoveFromQueue(ctx context.Context, queueID int64) error
}

// Compile-time assertions
var (
	_ DownloadClient = (*EmulerrClient)(nil)
	_ ManagerClient  = (*ArrClient)(nil)
)
