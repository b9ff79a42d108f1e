package domain

import (
	"fmt"
	"strings"
	"time"
)

// Manager identifies which media manager owns a grab.
type Manager string

const (
	ManagerSonarr Manager = "sonarr"
	ManagerRadarr Manager = "radarr"
)

// DisplayName returns the product name used in logs and notifications.
func (m Manager) DisplayName() string {
	switch m {
	case ManagerSonarr:
		return "Sonarr"
	case ManagerRadarr:
		return "Radarr"
	default:
		return string(m)
	}
}

// DownloadRecord is one item as reported by the download client in a single cycle.
type DownloadRecord struct {
	Hash               string  `json:"hash"`
	Name               string  `json:"name"`
	Size               int64   `json:"size"`
	SizeDone           int64   `json:"size_done"`
	Progress           float64 `json:"progress"` // 0-100
	Status             string  `json:"status"`
	SourceCount        int     `json:"source_count"`
	SourceCountPending int     `json:"source_count_pending"`
	LastSeenComplete   int64   `json:"last_seen_complete"` // epoch seconds, 0 = never
	Category           string  `json:"category"`
	AddedOn            int64   `json:"added_on"` // epoch milliseconds
}

// AddedAt converts AddedOn to a time.
func (d DownloadRecord) AddedAt() time.Time {
	return time.UnixMilli(d.AddedOn)
}

// GrabRecord correlates a download-client hash with a manager-side entry.
// Records read from the queue carry QueueID; records read from a "grabbed"
// history event carry HistoryID.
type GrabRecord struct {
	Manager        Manager `json:"manager"`
	Title          string  `json:"title"`
	DownloadID     string  `json:"download_id"`
	QueueID        int64   `json:"queue_id,omitempty"`
	HistoryID      int64   `json:"history_id,omitempty"`
	Size           int64   `json:"size"`
	DownloadClient string  `json:"download_client,omitempty"`

	// Series variant
	SeriesID     int64 `json:"series_id,omitempty"`
	SeasonNumber *int  `json:"season_number,omitempty"`
	EpisodeID    int64 `json:"episode_id,omitempty"`

	// Movie variant
	MovieID int64 `json:"movie_id,omitempty"`
}

// ClientHash returns the download-client hash this grab refers to.
func (g GrabRecord) ClientHash() string {
	return ClientHash(g.DownloadID)
}

// MatchesHash reports whether the grab belongs to the given download-client hash.
func (g GrabRecord) MatchesHash(hash string) bool {
	return strings.EqualFold(g.ClientHash(), hash)
}

// CandidateKind discriminates RemovalCandidate.
type CandidateKind int

const (
	// ClientOnly downloads exist in the download client but no manager grabbed them.
	ClientOnly CandidateKind = iota
	// ManagerGrab downloads were grabbed by a manager whose media is no longer wanted.
	ManagerGrab
)

func (k CandidateKind) String() string {
	switch k {
	case ClientOnly:
		return "client-only"
	case ManagerGrab:
		return "manager-grab"
	default:
		return fmt.Sprintf("CandidateKind(%d)", int(k))
	}
}

// RemovalCandidate is a download the reconciler decided to remove.
// Grab is set only for ManagerGrab candidates.
type RemovalCandidate struct {
	Kind     CandidateKind
	Download DownloadRecord
	Grab     *GrabRecord
	Reason   string
}

// NewClientOnlyCandidate builds a ClientOnly candidate.
func NewClientOnlyCandidate(d DownloadRecord, reason string) RemovalCandidate {
	return RemovalCandidate{Kind: ClientOnly, Download: d, Reason: reason}
}

// NewManagerGrabCandidate builds a ManagerGrab candidate.
func NewManagerGrabCandidate(d DownloadRecord, g GrabRecord, reason string) RemovalCandidate {
	return RemovalCandidate{Kind: ManagerGrab, Download: d, Grab: &g, Reason: reason}
}

// Identifier returns the download-client hash for either variant.
func (c RemovalCandidate) Identifier() string {
	if c.Kind == ManagerGrab && c.Grab != nil && c.Download.Hash == "" {
		return c.Grab.ClientHash()
	}
	return c.Download.Hash
}

// DisplayName returns the manager's release title for grabs and the client's
// file name otherwise.
func (c RemovalCandidate) DisplayName() string {
	if c.Kind == ManagerGrab && c.Grab != nil && c.Grab.Title != "" {
		return c.Grab.Title
	}
	return c.Download.Name
}

// Manager returns the owning manager, or "" for client-only candidates.
func (c RemovalCandidate) Manager() Manager {
	if c.Grab == nil {
		return ""
	}
	return c.Grab.Manager
}
