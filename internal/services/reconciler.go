package services

import (
	"context"
	"fmt"

	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/integration"
	"github.com/mescon/stallarr/internal/logger"
)

// ReconcileResult is the outcome of matching one cycle's downloads against the managers.
type ReconcileResult struct {
	// ClientOnly downloads have no grab from the expected client in manager history
	ClientOnly []domain.RemovalCandidate
	// ManagerRemovals were grabbed for media that is no longer monitored
	ManagerRemovals []domain.RemovalCandidate
	// Grabs holds every matched history grab per manager
	Grabs map[domain.Manager][]domain.GrabRecord
	// Accepted lists the downloads routed to a manager, in input order
	Accepted []domain.DownloadRecord
	// Skipped counts downloads whose category matched no manager
	Skipped int
}

// Reconciler cross-checks download-client items with manager history and
// monitoring state.
type Reconciler struct {
	cfg      *config.Config
	managers map[domain.Manager]integration.ManagerClient
}

// NewReconciler creates a reconciler over the configured manager clients.
func NewReconciler(cfg *config.Config, managers map[domain.Manager]integration.ManagerClient) *Reconciler {
	return &Reconciler{cfg: cfg, managers: managers}
}

// RouteCategory maps a download-client category to its manager. Radarr is
// checked first.
func RouteCategory(cfg *config.Config, category string) (domain.Manager, bool) {
	if cfg.Radarr != nil && cfg.Radarr.Category != "" && category == cfg.Radarr.Category {
		return domain.ManagerRadarr, true
	}
	if cfg.Sonarr != nil && cfg.Sonarr.Category != "" && category == cfg.Sonarr.Category {
		return domain.ManagerSonarr, true
	}
	return "", false
}

// Reconcile classifies every download. Any connectivity failure aborts the
// whole run and no partial result is returned.
func (r *Reconciler) Reconcile(ctx context.Context, downloads []domain.DownloadRecord) (*ReconcileResult, error) {
	result := &ReconcileResult{Grabs: make(map[domain.Manager][]domain.GrabRecord)}

	for i, d := range downloads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		manager, ok := RouteCategory(r.cfg, d.Category)
		if !ok {
			logger.Warnf("Category %q of %s matches neither the Radarr nor the Sonarr category, skipping", d.Category, d.Name)
			result.Skipped++
			continue
		}
		mc, ok := r.managers[manager]
		if !ok {
			logger.Warnf("%s is filed under %s but no %s client is configured, skipping", d.Name, manager.DisplayName(), manager.DisplayName())
			result.Skipped++
			continue
		}
		result.Accepted = append(result.Accepted, d)

		logger.Debugf("Reconciling %d/%d: %s (%s)", i+1, len(downloads), d.Name, manager.DisplayName())

		history, err := r.findGrab(ctx, mc, d)
		if err != nil {
			return nil, fmt.Errorf("history lookup for %s: %w", d.Name, err)
		}
		if history == nil {
			logger.Debugf("No %s grab by %q for %s, download exists only on eMulerr", manager.DisplayName(), r.cfg.DownloadClient, d.Name)
			result.ClientOnly = append(result.ClientOnly, domain.NewClientOnlyCandidate(d, "not grabbed by "+manager.DisplayName()))
			continue
		}

		grab := history.ToGrab(manager)
		reason, err := r.checkMonitoring(ctx, mc, &grab)
		if err != nil {
			return nil, fmt.Errorf("monitoring lookup for %s: %w", grab.Title, err)
		}
		result.Grabs[manager] = append(result.Grabs[manager], grab)

		if reason != "" {
			logger.Warnf("[%s] %s: %s, marked for removal", manager.DisplayName(), grab.Title, reason)
			result.ManagerRemovals = append(result.ManagerRemovals, domain.NewManagerGrabCandidate(d, grab, reason))
		}
	}

	return result, nil
}

// findGrab pages through history for d and returns the first grab sent by
// the expected download client. Later duplicates are ignored.
func (r *Reconciler) findGrab(ctx context.Context, mc integration.ManagerClient, d domain.DownloadRecord) (*integration.HistoryRecord, error) {
	downloadID := domain.ManagerDownloadID(d.Hash)
	pageSize := mc.HistoryPageSize()
	if pageSize < 1 {
		pageSize = 1
	}

	for page := 1; ; page++ {
		records, total, err := mc.FetchHistoryPage(ctx, downloadID, page)
		if err != nil {
			return nil, err
		}
		for i := range records {
			if records[i].IsGrabBy(r.cfg.DownloadClient) {
				rec := records[i]
				return &rec, nil
			}
		}

		totalPages := (total + pageSize - 1) / pageSize
		logger.Debugf("History page %d/%d for %s: %d records", page, totalPages, d.Name, len(records))
		if page >= totalPages || len(records) == 0 {
			return nil, nil
		}
	}
}

// checkMonitoring returns a non-empty reason when an enabled gate finds the
// grab's media unmonitored. A gate that needs an id the grab lacks fails.
func (r *Reconciler) checkMonitoring(ctx context.Context, mc integration.ManagerClient, grab *domain.GrabRecord) (string, error) {
	switch grab.Manager {
	case domain.ManagerRadarr:
		return r.checkMovie(ctx, mc, grab)
	case domain.ManagerSonarr:
		return r.checkSeries(ctx, mc, grab)
	default:
		return "", nil
	}
}

func (r *Reconciler) checkMovie(ctx context.Context, mc integration.ManagerClient, grab *domain.GrabRecord) (string, error) {
	if !r.cfg.DeleteIfUnmonitoredMovie {
		return "", nil
	}
	if grab.MovieID == 0 {
		return "grab has no movie id", nil
	}
	movie, err := mc.GetMovie(ctx, grab.MovieID)
	if integration.IsNotFound(err) {
		return "movie no longer exists", nil
	}
	if err != nil {
		return "", err
	}
	if !movie.Monitored {
		return "movie is not monitored", nil
	}
	return "", nil
}

func (r *Reconciler) checkSeries(ctx context.Context, mc integration.ManagerClient, grab *domain.GrabRecord) (string, error) {
	cfg := r.cfg
	if !cfg.DeleteIfUnmonitoredSerie && !cfg.DeleteIfUnmonitoredSeason && !cfg.DeleteIfUnmonitoredEpisode {
		return "", nil
	}

	var episode *integration.Episode
	fetchEpisode := func() (bool, error) {
		if episode != nil {
			return true, nil
		}
		if grab.EpisodeID == 0 {
			return false, nil
		}
		e, err := mc.GetEpisode(ctx, grab.EpisodeID)
		if integration.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		episode = e
		return true, nil
	}

	var series *integration.Series
	needSeries := cfg.DeleteIfUnmonitoredSerie || cfg.DeleteIfUnmonitoredSeason
	if needSeries {
		if grab.SeriesID == 0 {
			return "grab has no series id", nil
		}
		s, err := mc.GetSeries(ctx, grab.SeriesID)
		if integration.IsNotFound(err) {
			return "series no longer exists", nil
		}
		if err != nil {
			return "", err
		}
		series = s
	}

	if cfg.DeleteIfUnmonitoredSerie && !series.Monitored {
		return "series is not monitored", nil
	}

	if cfg.DeleteIfUnmonitoredSeason {
		if grab.SeasonNumber == nil {
			found, err := fetchEpisode()
			if err != nil {
				return "", err
			}
			if found {
				season := episode.SeasonNumber
				grab.SeasonNumber = &season
			}
		}
		if grab.SeasonNumber == nil {
			return "season number could not be determined", nil
		}
		if !series.SeasonMonitored(*grab.SeasonNumber) {
			return fmt.Sprintf("season %d is not monitored", *grab.SeasonNumber), nil
		}
	}

	if cfg.DeleteIfUnmonitoredEpisode {
		if grab.EpisodeID == 0 {
			return "grab has no episode id", nil
		}
		found, err := fetchEpisode()
		if err != nil {
			return "", err
		}
		if !found {
			return "episode no longer exists", nil
		}
		if !episode.Monitored {
			return "episode is not monitored", nil
		}
	}

	return "", nil
}
