package services

import (
	"context"
	"fmt"

	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/eventbus"
	"github.com/mescon/stallarr/internal/integration"
	"github.com/mescon/stallarr/internal/logger"
)

// TorrentClient is the qBittorrent surface the cleaner needs.
type TorrentClient interface {
	Connect(ctx context.Context) (string, error)
	CompletedTorrents(ctx context.Context) ([]integration.CompletedTorrent, error)
	DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error
}

var _ TorrentClient = (*integration.QBittorrentClient)(nil)

// CleanerService removes finished torrents that qBittorrent stopped seeding.
type CleanerService struct {
	client      TorrentClient
	eventBus    eventbus.Publisher
	deleteFiles bool
	dryRun      bool
}

// NewCleanerService creates a cleaner. eb may be nil.
func NewCleanerService(client TorrentClient, eb eventbus.Publisher, deleteFiles, dryRun bool) *CleanerService {
	return &CleanerService{
		client:      client,
		eventBus:    eb,
		deleteFiles: deleteFiles,
		dryRun:      dryRun,
	}
}

// ClearCompleted deletes every completed torrent that is no longer seeding and
// returns the removed torrents.
func (s *CleanerService) ClearCompleted(ctx context.Context) ([]integration.CompletedTorrent, error) {
	version, err := s.client.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to qBittorrent: %w", err)
	}
	logger.Debugf("Connected to qBittorrent (Web API %s)", version)

	torrents, err := s.client.CompletedTorrents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list completed torrents: %w", err)
	}

	var done []integration.CompletedTorrent
	for _, t := range torrents {
		if !t.Seeding() {
			done = append(done, t)
		}
	}
	if len(done) == 0 {
		logger.Infof("No finished torrents to clear (%d completed still seeding)", len(torrents))
		return nil, nil
	}

	if s.dryRun {
		for _, t := range done {
			logger.Infof("[DRY RUN] Would delete torrent %s (%s)", t.Name, t.State)
		}
		return done, nil
	}

	hashes := make([]string, len(done))
	for i, t := range done {
		hashes[i] = t.Hash
	}
	if err := s.client.DeleteTorrents(ctx, hashes, s.deleteFiles); err != nil {
		return nil, err
	}

	for _, t := range done {
		logger.Infof("Deleted finished torrent %s", t.Name)
		s.publish(t)
	}
	return done, nil
}

func (s *CleanerService) publish(t integration.CompletedTorrent) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(domain.Event{
		AggregateType: domain.AggregateTorrent,
		AggregateID:   t.Hash,
		EventType:     domain.CompletedTorrentCleared,
		EventData: map[string]interface{}{
			"name":         t.Name,
			"state":        t.State,
			"category":     t.Category,
			"delete_files": s.deleteFiles,
		},
	}); err != nil {
		logger.Warnf("Failed to journal cleared torrent %s: %v", t.Name, err)
	}
}
