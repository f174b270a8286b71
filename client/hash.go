package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// InfoHashFromMagnet extracts the info-hash from a magnet link.
func InfoHashFromMagnet(uri string) (string, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return "", fmt.Errorf("error parsing magnet uri: %w", err)
	}
	return strings.ToLower(m.InfoHash.HexString()), nil
}

// InfoHashFromTorrentURL downloads a .torrent file and computes its
// info-hash, so adds that carry a direct download link need no tag
// resolution round trip against the backend.
func InfoHashFromTorrentURL(ctx context.Context, hc *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("error fetching torrent file: status %d", resp.StatusCode)
	}

	mi, err := metainfo.Load(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error parsing torrent file: %w", err)
	}
	return strings.ToLower(mi.HashInfoBytes().HexString()), nil
}
