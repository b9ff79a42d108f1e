package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/domain"
	"github.com/mescon/stallarr/internal/logger"
)

const queuePageSize = 100

// ArrClient talks to one Sonarr or Radarr instance over the v3 API.
type ArrClient struct {
	manager         domain.Manager
	rest            *restClient
	historyPageSize int
}

// NewArrClient creates a client for the manager described by mc.
func NewArrClient(manager domain.Manager, mc config.ManagerConfig, historyPageSize int, opts ClientOptions) *ArrClient {
	if historyPageSize < 1 {
		historyPageSize = 10
	}
	return &ArrClient{
		manager:         manager,
		rest:            newRestClient(string(manager), mc.Host, mc.APIKey, opts),
		historyPageSize: historyPageSize,
	}
}

// Manager identifies which manager this client talks to.
func (c *ArrClient) Manager() domain.Manager {
	return c.manager
}

// HistoryPageSize is the page size used by FetchHistoryPage.
func (c *ArrClient) HistoryPageSize() int {
	return c.historyPageSize
}

// FetchQueue returns every queue record, following pagination until
// totalRecords have been read.
func (c *ArrClient) FetchQueue(ctx context.Context) ([]domain.GrabRecord, error) {
	var all []domain.GrabRecord
	for page := 1; ; page++ {
		var resp arrPage[arrQueueRecord]
		query := url.Values{
			"page":     {strconv.Itoa(page)},
			"pageSize": {strconv.Itoa(queuePageSize)},
		}
		if c.manager == domain.ManagerSonarr {
			query.Set("includeUnknownSeriesItems", "true")
		} else {
			query.Set("includeUnknownMovieItems", "true")
		}
		if err := c.rest.getJSON(ctx, "/api/v3/queue", query, &resp); err != nil {
			return nil, err
		}
		for _, r := range resp.Records {
			all = append(all, NormalizeQueueRecord(c.manager, r))
		}
		if len(resp.Records) == 0 || len(all) >= resp.TotalRecords {
			break
		}
	}
	logger.Debugf("%s queue holds %d records", c.manager.DisplayName(), len(all))
	return all, nil
}

// FetchHistoryPage returns one page of history for downloadID and the total record count.
func (c *ArrClient) FetchHistoryPage(ctx context.Context, downloadID string, page int) ([]HistoryRecord, int, error) {
	var resp arrPage[arrHistoryRecord]
	query := url.Values{
		"page":       {strconv.Itoa(page)},
		"pageSize":   {strconv.Itoa(c.historyPageSize)},
		"downloadId": {downloadID},
	}
	if err := c.rest.getJSON(ctx, "/api/v3/history", query, &resp); err != nil {
		return nil, 0, err
	}

	records := make([]HistoryRecord, 0, len(resp.Records))
	for _, r := range resp.Records {
		records = append(records, NormalizeHistoryRecord(r))
	}
	return records, resp.TotalRecords, nil
}

// GetSeries returns a series with its per-season monitoring flags.
func (c *ArrClient) GetSeries(ctx context.Context, id int64) (*Series, error) {
	var s Series
	if err := c.rest.getJSON(ctx, fmt.Sprintf("/api/v3/series/%d", id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetEpisode returns an episode including its season number.
func (c *ArrClient) GetEpisode(ctx context.Context, id int64) (*Episode, error) {
	var e Episode
	if err := c.rest.getJSON(ctx, fmt.Sprintf("/api/v3/episode/%d", id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetMovie returns a movie with its monitoring flag.
func (c *ArrClient) GetMovie(ctx context.Context, id int64) (*Movie, error) {
	var m Movie
	if err := c.rest.getJSON(ctx, fmt.Sprintf("/api/v3/movie/%d", id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkFailed marks a grab history entry as failed so the manager searches again.
func (c *ArrClient) MarkFailed(ctx context.Context, historyID int64) error {
	return c.rest.send(ctx, http.MethodPost, fmt.Sprintf("/api/v3/history/failed/%d", historyID), nil, "", "")
}

// RemoveFromQueue deletes a queue item and asks the manager to remove it from
// the download client as well. The release is not blocklisted.
func (c *ArrClient) RemoveFromQueue(ctx context.Context, queueID int64) error {
	query := url.Values{
		"removeFromClient": {"true"},
		"blocklist":        {"false"},
	}
	return c.rest.send(ctx, http.MethodDelete, fmt.Sprintf("/api/v3/queue/%d", queueID), query, "", "")
}

// IsNotFound reports whether err came from a 404 response.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
