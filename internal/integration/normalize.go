package integration

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/mescon/stallarr/internal/domain"
)

// Defaults substituted for missing download-client fields.
const (
	DefaultCategory = "unknown"
)

// lenientNumber decodes JSON numbers, numeric strings and garbage alike.
// Anything that is not a number becomes 0 instead of failing the whole payload.
type lenientNumber float64

func (n *lenientNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*n = 0
			return nil
		}
		data = []byte(strings.TrimSpace(s))
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = lenientNumber(f)
	return nil
}

func (n lenientNumber) int64() int64 { return int64(n) }
func (n lenientNumber) int() int     { return int(n) }

// =============================================================================
// eMulerr payloads
// =============================================================================

type emulerrDownloadsPayload struct {
	Files []emulerrFile `json:"files"`
}

type emulerrFile struct {
	Name             string        `json:"name"`
	Hash             string        `json:"hash"`
	Size             lenientNumber `json:"size"`
	SizeDone         lenientNumber `json:"size_done"`
	Progress         lenientNumber `json:"progress"` // fraction 0..1
	StatusStr        string        `json:"status_str"`
	SrcCount         lenientNumber `json:"src_count"`
	SrcCountA4AF     lenientNumber `json:"src_count_a4af"`
	LastSeenComplete lenientNumber `json:"last_seen_complete"`
	Meta             *emulerrMeta  `json:"meta"`
}

type emulerrMeta struct {
	Category string        `json:"category"`
	AddedOn  lenientNumber `json:"addedOn"`
}

// NormalizeDownload maps one eMulerr file entry to a DownloadRecord.
func NormalizeDownload(f emulerrFile) domain.DownloadRecord {
	rec := domain.DownloadRecord{
		Hash:               f.Hash,
		Name:               f.Name,
		Size:               f.Size.int64(),
		SizeDone:           f.SizeDone.int64(),
		Progress:           float64(f.Progress) * 100,
		Status:             f.StatusStr,
		SourceCount:        f.SrcCount.int(),
		SourceCountPending: f.SrcCountA4AF.int(),
		LastSeenComplete:   f.LastSeenComplete.int64(),
		Category:           DefaultCategory,
	}
	if f.Meta != nil {
		if f.Meta.Category != "" {
			rec.Category = f.Meta.Category
		}
		rec.AddedOn = f.Meta.AddedOn.int64()
	}
	return rec
}

// NormalizeDownloads maps the eMulerr download list, dropping entries without a hash.
func NormalizeDownloads(p emulerrDownloadsPayload) []domain.DownloadRecord {
	out := make([]domain.DownloadRecord, 0, len(p.Files))
	for _, f := range p.Files {
		if f.Hash == "" {
			continue
		}
		out = append(out, NormalizeDownload(f))
	}
	return out
}

// =============================================================================
// *arr payloads
// =============================================================================

type arrPage[T any] struct {
	Page         int `json:"page"`
	PageSize     int `json:"pageSize"`
	TotalRecords int `json:"totalRecords"`
	Records      []T `json:"records"`
}

type arrQueueRecord struct {
	ID             int64         `json:"id"`
	DownloadID     string        `json:"downloadId"`
	Title          string        `json:"title"`
	Size           lenientNumber `json:"size"`
	DownloadClient string        `json:"downloadClient"`
	SeriesID       int64         `json:"seriesId"`
	EpisodeID      int64         `json:"episodeId"`
	SeasonNumber   *int          `json:"seasonNumber"`
	MovieID        int64         `json:"movieId"`
}

// NormalizeQueueRecord maps a /api/v3/queue record to a GrabRecord carrying QueueID.
func NormalizeQueueRecord(manager domain.Manager, r arrQueueRecord) domain.GrabRecord {
	return domain.GrabRecord{
		Manager:        manager,
		Title:          r.Title,
		DownloadID:     r.DownloadID,
		QueueID:        r.ID,
		Size:           r.Size.int64(),
		DownloadClient: r.DownloadClient,
		SeriesID:       r.SeriesID,
		SeasonNumber:   r.SeasonNumber,
		EpisodeID:      r.EpisodeID,
		MovieID:        r.MovieID,
	}
}

type arrHistoryRecord struct {
	ID          int64                      `json:"id"`
	EventType   string                     `json:"eventType"`
	DownloadID  string                     `json:"downloadId"`
	SourceTitle string                     `json:"sourceTitle"`
	SeriesID    int64                      `json:"seriesId"`
	EpisodeID   int64                      `json:"episodeId"`
	MovieID     int64                      `json:"movieId"`
	Data        map[string]json.RawMessage `json:"data"`
}

// HistoryRecord is a normalized manager history entry.
type HistoryRecord struct {
	ID                 int64
	EventType          string
	DownloadID         string
	SourceTitle        string
	DownloadClientName string
	Size               int64
	SeriesID           int64
	EpisodeID          int64
	MovieID            int64
}

// IsGrabBy reports whether the record is a "grabbed" event sent to clientName.
func (h HistoryRecord) IsGrabBy(clientName string) bool {
	return h.EventType == "grabbed" && h.DownloadClientName == clientName
}

// ToGrab converts the history entry to a GrabRecord carrying HistoryID.
// SeasonNumber is left nil; history entries do not carry it.
func (h HistoryRecord) ToGrab(manager domain.Manager) domain.GrabRecord {
	return domain.GrabRecord{
		Manager:        manager,
		Title:          h.SourceTitle,
		DownloadID:     h.DownloadID,
		HistoryID:      h.ID,
		Size:           h.Size,
		DownloadClient: h.DownloadClientName,
		SeriesID:       h.SeriesID,
		EpisodeID:      h.EpisodeID,
		MovieID:        h.MovieID,
	}
}

// NormalizeHistoryRecord maps a /api/v3/history record. The client name and
// size live in the free-form data map; size is usually a numeric string.
func NormalizeHistoryRecord(r arrHistoryRecord) HistoryRecord {
	h := HistoryRecord{
		ID:          r.ID,
		EventType:   r.EventType,
		DownloadID:  r.DownloadID,
		SourceTitle: r.SourceTitle,
		SeriesID:    r.SeriesID,
		EpisodeID:   r.EpisodeID,
		MovieID:     r.MovieID,
	}
	if raw, ok := r.Data["downloadClientName"]; ok {
		var name string
		if json.Unmarshal(raw, &name) == nil {
			h.DownloadClientName = name
		}
	}
	if raw, ok := r.Data["size"]; ok {
		var size lenientNumber
		_ = size.UnmarshalJSON(raw)
		h.Size = size.int64()
	}
	return h
}

// SeasonInfo is the monitoring flag of one season inside a series.
type SeasonInfo struct {
	SeasonNumber int  `json:"seasonNumber"`
	Monitored    bool `json:"monitored"`
}

// Series is the subset of /api/v3/series/{id} the reconciler needs.
type Series struct {
	ID        int64        `json:"id"`
	Title     string       `json:"title"`
	Monitored bool         `json:"monitored"`
	Seasons   []SeasonInfo `json:"seasons"`
}

// SeasonMonitored returns the season's flag; a season missing from the list is unmonitored.
func (s Series) SeasonMonitored(seasonNumber int) bool {
	for _, season := range s.Seasons {
		if season.SeasonNumber == seasonNumber {
			return season.Monitored
		}
	}
	return false
}

// Episode is the subset of /api/v3/episode/{id} the reconciler needs.
type Episode struct {
	ID            int64  `json:"id"`
	SeriesID      int64  `json:"seriesId"`
	SeasonNumber  int    `json:"seasonNumber"`
	EpisodeNumber int    `json:"episodeNumber"`
	Title         string `json:"title"`
	Monitored     bool   `json:"monitored"`
}

// Movie is the subset of /api/v3/movie/{id} the reconciler needs.
type Movie struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Year      int    `json:"year"`
	Monitored bool   `json:"monitored"`
}
