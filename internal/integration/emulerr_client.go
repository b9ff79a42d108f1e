package integration

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/mescon/stallarr/internal/domain"
)

// eMulerr serves its UI routes as JSON when asked for the matching Remix data route.
const (
	emulerrDownloadsPath  = "/download-client"
	emulerrDownloadsRoute = "routes/_shell.download-client"
	emulerrDeletePath     = "/api/v2/torrents/delete"
	emulerrDeleteRoute    = "routes/api.v2.torrents.delete"
)

// EmulerrClient talks to the eMulerr download client.
type EmulerrClient struct {
	rest *restClient
}

// NewEmulerrClient creates a client for the eMulerr instance at host.
func NewEmulerrClient(host string, opts ClientOptions) *EmulerrClient {
	return &EmulerrClient{rest: newRestClient("emulerr", host, "", opts)}
}

// FetchDownloads returns every download currently known to eMulerr.
func (c *EmulerrClient) FetchDownloads(ctx context.Context) ([]domain.DownloadRecord, error) {
	var payload emulerrDownloadsPayload
	query := url.Values{"_data": {emulerrDownloadsRoute}}
	if err := c.rest.getJSON(ctx, emulerrDownloadsPath, query, &payload); err != nil {
		return nil, err
	}
	return NormalizeDownloads(payload), nil
}

// RemoveDownload deletes a download by hash. Not retried.
func (c *EmulerrClient) RemoveDownload(ctx context.Context, hash string) error {
	form := url.Values{
		"_data":  {emulerrDeleteRoute},
		"hashes": {strings.ToUpper(hash)},
	}
	query := url.Values{"_data": {emulerrDeleteRoute}}
	return c.rest.send(ctx, http.MethodPost, emulerrDeletePath, query, form.Encode(), "application/x-www-form-urlencoded")
}
