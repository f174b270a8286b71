package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/config"
)

// qbittorrent speaks the cookie-session Web API (v2). The SID cookie from
// auth/login lives in the jar; 401/403 responses trigger one re-login.
type qbittorrent struct {
	base     string
	username string
	password string

	hc  *http.Client
	ses session
	log zerolog.Logger
}

func newQBittorrent(cfg *config.ClientGlobal) *qbittorrent {
	jar, _ := cookiejar.New(nil)
	return &qbittorrent{
		base:     strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		hc: &http.Client{
			Jar:     jar,
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		log: log.Logger.With().Str("component", "client").Str("backend", "qbittorrent").Logger(),
	}
}

func (q *qbittorrent) Name() string { return "qBittorrent" }

func (q *qbittorrent) Connect(ctx context.Context) error {
	form := url.Values{
		"username": {q.username},
		"password": {q.password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.base+"/api/v2/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", q.base)

	resp, err := q.hc.Do(req)
	if err != nil {
		q.ses.markDown()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Ok") {
		q.ses.markDown()
		return fmt.Errorf("%w: qbittorrent rejected credentials", ErrAuth)
	}

	q.ses.markContact("")
	return nil
}

// get performs an authenticated GET, re-logging in once on 401/403.
func (q *qbittorrent) get(ctx context.Context, path string, params url.Values, retry bool) ([]byte, error) {
	u := q.base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := q.hc.Do(req)
	if err != nil {
		q.ses.markDown()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		if !retry {
			return nil, fmt.Errorf("%w: session rejected", ErrAuth)
		}
		if err := q.Connect(ctx); err != nil {
			return nil, err
		}
		return q.get(ctx, path, params, false)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	q.ses.markContact("")
	return b, nil
}

func (q *qbittorrent) Status(ctx context.Context) (*Status, error) {
	b, err := q.get(ctx, "/api/v2/app/version", nil, true)
	if err != nil {
		return q.ses.snapshot(q.Name()), err
	}
	q.ses.markContact(strings.TrimSpace(string(b)))
	return q.ses.snapshot(q.Name()), nil
}

func (q *qbittorrent) Categories(ctx context.Context) ([]string, error) {
	b, err := q.get(ctx, "/api/v2/torrents/categories", nil, true)
	if err != nil {
		return nil, err
	}

	var cats map[string]struct {
		Name     string `json:"name"`
		SavePath string `json:"savePath"`
	}
	if err := json.Unmarshal(b, &cats); err != nil {
		return nil, fmt.Errorf("error decoding categories: %w", err)
	}

	out := make([]string, 0, len(cats))
	for name := range cats {
		out = append(out, name)
	}
	return out, nil
}

func (q *qbittorrent) Add(ctx context.Context, r AddRequest) (string, error) {
	form := url.Values{
		"urls":     {r.URL},
		"category": {r.Category},
	}
	if r.SavePath != "" {
		form.Set("savepath", r.SavePath)
	}
	if r.Tag != "" {
		form.Set("tags", tagMarker(r.Tag))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		q.base+"/api/v2/torrents/add", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", q.base)

	resp, err := q.hc.Do(req)
	if err != nil {
		q.ses.markDown()
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: session rejected", ErrAuth)
	case resp.StatusCode != http.StatusOK:
		return "", &AddError{Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	case !strings.Contains(string(body), "Ok"):
		return "", &AddError{Reason: strings.TrimSpace(string(body))}
	}

	q.ses.markContact("")
	// The v2 API does not echo the hash back; the tag is the native handle.
	return r.Tag, nil
}

type qbtTorrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	ETA      int64   `json:"eta"`
	SavePath string  `json:"save_path"`
	Tags     string  `json:"tags"`
}

func (q *qbittorrent) Info(ctx context.Context, hash string) (*TorrentInfo, error) {
	b, err := q.get(ctx, "/api/v2/torrents/info", url.Values{"hashes": {hash}}, true)
	if err != nil {
		return nil, err
	}

	var list []qbtTorrent
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, fmt.Errorf("error decoding torrent info: %w", err)
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	t := list[0]

	ti := &TorrentInfo{
		Hash:     strings.ToLower(t.Hash),
		Name:     t.Name,
		State:    mapQbtState(t.State),
		RawState: t.State,
		Progress: t.Progress,
		ETA:      t.ETA,
		SavePath: t.SavePath,
	}

	files, err := q.files(ctx, hash, t.SavePath)
	if err == nil {
		ti.Files = files
	}
	return ti, nil
}

func (q *qbittorrent) files(ctx context.Context, hash, savePath string) ([]string, error) {
	b, err := q.get(ctx, "/api/v2/torrents/files", url.Values{"hash": {hash}}, true)
	if err != nil {
		return nil, err
	}

	var list []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &list); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(list))
	for _, f := range list {
		out = append(out, filepath.Join(savePath, filepath.FromSlash(f.Name)))
	}
	return out, nil
}

func (q *qbittorrent) ResolveTag(ctx context.Context, tag string) (string, error) {
	b, err := q.get(ctx, "/api/v2/torrents/info", nil, true)
	if err != nil {
		return "", err
	}

	var list []qbtTorrent
	if err := json.Unmarshal(b, &list); err != nil {
		return "", fmt.Errorf("error decoding torrent list: %w", err)
	}

	for _, t := range list {
		for _, tg := range strings.Split(t.Tags, ",") {
			if matchTag(strings.TrimSpace(tg), tag) {
				return strings.ToLower(t.Hash), nil
			}
		}
	}
	return "", ErrNotFound
}

func mapQbtState(s string) State {
	switch s {
	case "downloading", "stalledDL", "metaDL", "queuedDL", "forcedDL", "allocating", "checkingDL":
		return StateDownloading
	case "uploading", "stalledUP", "queuedUP", "forcedUP", "pausedUP", "checkingUP":
		return StateSeeding
	case "error", "missingFiles":
		return StateError
	default:
		return StateUnknown
	}
}
