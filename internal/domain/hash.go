package domain

import "strings"

// eMulerr reports 32-character ed2k hashes while the managers store the
// 40-character torrent-style id it hands them: the same hash followed by
// eight zeros.
const (
	clientHashLength   = 32
	downloadIDPadding  = "00000000"
	managerDownloadLen = clientHashLength + len(downloadIDPadding)
)

// ManagerDownloadID converts a download-client hash to the id a manager stores.
// Hashes that are not 32 characters long are returned unchanged.
func ManagerDownloadID(hash string) string {
	if len(hash) != clientHashLength {
		return hash
	}
	return hash + downloadIDPadding
}

// ClientHash converts a manager download id back to the download-client hash.
// Ids without the padding are returned unchanged.
func ClientHash(downloadID string) string {
	if len(downloadID) == managerDownloadLen && strings.HasSuffix(downloadID, downloadIDPadding) {
		return downloadID[:clientHashLength]
	}
	return downloadID
}
