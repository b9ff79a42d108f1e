package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/mescon/stallarr/internal/config"
	"github.com/mescon/stallarr/internal/logger"
)

// minWebAPIVersion is the first Web API with the v2 torrent endpoints.
var minWebAPIVersion = semver.MustParse("2.0.0")

// CompletedTorrent is a finished torrent as seen by the cleaner.
type CompletedTorrent struct {
	Hash     string
	Name     string
	State    string
	Category string
}

// Seeding is over once qBittorrent pauses (<5.0) or stops (>=5.0) a finished torrent.
func (t CompletedTorrent) Seeding() bool {
	return t.State != string(qbt.TorrentStatePausedUp) && t.State != string(qbt.TorrentStateStoppedUp)
}

// QBittorrentClient wraps go-qbittorrent for the completed-torrent cleaner.
type QBittorrentClient struct {
	client  *qbt.Client
	host    string
	breaker *CircuitBreaker
}

// NewQBittorrentClient creates a client; Connect must be called before use.
func NewQBittorrentClient(cfg config.QBittorrentConfig, opts ClientOptions) *QBittorrentClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	breakers := opts.Breakers
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig(), nil)
	}
	return &QBittorrentClient{
		client: qbt.NewClient(qbt.Config{
			Host:     cfg.Host,
			Username: cfg.Username,
			Password: cfg.Password,
			Timeout:  int(timeout.Seconds()),
		}),
		host:    cfg.Host,
		breaker: breakers.Get("qbittorrent"),
	}
}

func (c *QBittorrentClient) failure(op string, err error) error {
	c.breaker.RecordFailure()
	return &ConnectivityFailure{Service: "qbittorrent", Host: c.host, Operation: op, Err: err}
}

// Connect logs in and returns the Web API version.
func (c *QBittorrentClient) Connect(ctx context.Context) (string, error) {
	if !c.breaker.Allow() {
		return "", &ConnectivityFailure{Service: "qbittorrent", Host: c.host, Operation: "login", Err: ErrCircuitOpen}
	}
	if err := c.client.LoginCtx(ctx); err != nil {
		return "", c.failure("login", err)
	}

	raw, err := c.client.GetWebAPIVersionCtx(ctx)
	if err != nil {
		return "", c.failure("webapiVersion", err)
	}
	c.breaker.RecordSuccess()

	version, err := semver.NewVersion(raw)
	if err != nil {
		logger.Warnf("qBittorrent reported an unparseable Web API version %q", raw)
		return raw, nil
	}
	if version.LessThan(minWebAPIVersion) {
		logger.Warnf("qBittorrent Web API %s is older than %s; deletion may not be supported", version, minWebAPIVersion)
	}
	return version.String(), nil
}

// CompletedTorrents lists torrents qBittorrent reports as completed.
func (c *QBittorrentClient) CompletedTorrents(ctx context.Context) ([]CompletedTorrent, error) {
	torrents, err := c.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Filter: qbt.TorrentFilterCompleted})
	if err != nil {
		return nil, c.failure("torrents/info", err)
	}
	c.breaker.RecordSuccess()

	out := make([]CompletedTorrent, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, CompletedTorrent{
			Hash:     t.Hash,
			Name:     t.Name,
			State:    string(t.State),
			Category: t.Category,
		})
	}
	return out, nil
}

// DeleteTorrents removes the given torrents, with their files when deleteFiles is set.
func (c *QBittorrentClient) DeleteTorrents(ctx context.Context, hashes []string, deleteFiles bool) error {
	if len(hashes) == 0 {
		return nil
	}
	if err := c.client.DeleteTorrentsCtx(ctx, hashes, deleteFiles); err != nil {
		return c.failure("torrents/delete", fmt.Errorf("deleting %d torrents: %w", len(hashes), err))
	}
	c.breaker.RecordSuccess()
	return nil
}
