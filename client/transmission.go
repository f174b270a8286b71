package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/config"
)

// transmission speaks RPC-over-HTTP. The daemon hands out a CSRF token via a
// 409 response carrying X-Transmission-Session-Id; the adapter caches it and
// replays the request once when it rotates.
type transmission struct {
	endpoint string
	username string
	password string

	mu        sync.Mutex
	sessionID string

	hc  *http.Client
	ses session
	log zerolog.Logger
}

func newTransmission(cfg *config.ClientGlobal) *transmission {
	// The RPC endpoint always lives at /transmission/rpc; fix up bare URLs.
	endpoint := strings.TrimRight(cfg.URL, "/")
	if !strings.HasSuffix(endpoint, "/transmission/rpc") {
		endpoint += "/transmission/rpc"
	}

	return &transmission{
		endpoint: endpoint,
		username: cfg.Username,
		password: cfg.Password,
		hc:       &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		log:      log.Logger.With().Str("component", "client").Str("backend", "transmission").Logger(),
	}
}

func (t *transmission) Name() string { return "Transmission" }

type tmRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type tmResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

func (t *transmission) call(ctx context.Context, method string, args, out any) error {
	return t.callOnce(ctx, method, args, out, true)
}

func (t *transmission) callOnce(ctx context.Context, method string, args, out any, retry bool) error {
	body, err := json.Marshal(tmRequest{Method: method, Arguments: args})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.username != "" || t.password != "" {
		req.SetBasicAuth(t.username, t.password)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set("X-Transmission-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.hc.Do(req)
	if err != nil {
		t.ses.markDown()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusConflict:
		id := resp.Header.Get("X-Transmission-Session-Id")
		if id == "" || !retry {
			return fmt.Errorf("%w: session id handshake failed", ErrUnreachable)
		}
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
		return t.callOnce(ctx, method, args, out, false)
	case http.StatusUnauthorized, http.StatusForbidden:
		t.ses.markDown()
		return fmt.Errorf("%w: transmission rejected credentials", ErrAuth)
	case http.StatusOK:
	default:
		return fmt.Errorf("unexpected status %d from transmission rpc", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpc tmResponse
	if err := json.Unmarshal(b, &rpc); err != nil {
		return fmt.Errorf("error decoding rpc response: %w", err)
	}
	if rpc.Result != "success" {
		return fmt.Errorf("rpc error: %s", rpc.Result)
	}

	t.ses.markContact("")
	if out != nil && len(rpc.Arguments) > 0 {
		if err := json.Unmarshal(rpc.Arguments, out); err != nil {
			return fmt.Errorf("error decoding rpc arguments: %w", err)
		}
	}
	return nil
}

func (t *transmission) Connect(ctx context.Context) error {
	var out struct {
		Version string `json:"version"`
	}
	if err := t.call(ctx, "session-get", map[string]any{"fields": []string{"version"}}, &out); err != nil {
		return err
	}
	t.ses.markContact(out.Version)
	return nil
}

func (t *transmission) Status(ctx context.Context) (*Status, error) {
	err := t.Connect(ctx)
	return t.ses.snapshot(t.Name()), err
}

func (t *transmission) Categories(ctx context.Context) ([]string, error) {
	// Transmission has no first-class categories; labels come closest, and
	// bandwidth groups double as categories on 4.x daemons that have them.
	var out struct {
		Group []struct {
			Name string `json:"name"`
		} `json:"group"`
	}
	names := []string{"default"}
	if err := t.call(ctx, "group-get", nil, &out); err == nil {
		for _, g := range out.Group {
			if g.Name != "" {
				names = append(names, g.Name)
			}
		}
	}
	return names, nil
}

func (t *transmission) Add(ctx context.Context, r AddRequest) (string, error) {
	labels := []string{}
	if r.Category != "" {
		labels = append(labels, r.Category)
	}
	if r.Tag != "" {
		labels = append(labels, tagMarker(r.Tag))
	}

	args := map[string]any{
		"filename": r.URL,
		"labels":   labels,
	}
	if r.SavePath != "" {
		args["download-dir"] = r.SavePath
	}

	var out struct {
		Added *struct {
			HashString string `json:"hashString"`
			Name       string `json:"name"`
		} `json:"torrent-added"`
		Duplicate *struct {
			HashString string `json:"hashString"`
			Name       string `json:"name"`
		} `json:"torrent-duplicate"`
	}
	if err := t.call(ctx, "torrent-add", args, &out); err != nil {
		return "", err
	}

	switch {
	case out.Added != nil:
		return strings.ToLower(out.Added.HashString), nil
	case out.Duplicate != nil:
		return "", &AddError{Reason: fmt.Sprintf("%q is already present", out.Duplicate.Name), Duplicate: true}
	default:
		return "", &AddError{Reason: "backend returned neither torrent-added nor torrent-duplicate"}
	}
}

type tmTorrent struct {
	HashString  string   `json:"hashString"`
	Name        string   `json:"name"`
	DownloadDir string   `json:"downloadDir"`
	PercentDone float64  `json:"percentDone"`
	ETA         int64    `json:"eta"`
	Status      int      `json:"status"`
	ErrorString string   `json:"errorString"`
	Labels      []string `json:"labels"`
	Files       []struct {
		Name string `json:"name"`
	} `json:"files"`
}

var tmInfoFields = []string{
	"hashString", "name", "downloadDir", "percentDone",
	"eta", "status", "errorString", "labels", "files",
}

func (t *transmission) Info(ctx context.Context, hash string) (*TorrentInfo, error) {
	var out struct {
		Torrents []tmTorrent `json:"torrents"`
	}
	args := map[string]any{"ids": []string{hash}, "fields": tmInfoFields}
	if err := t.call(ctx, "torrent-get", args, &out); err != nil {
		return nil, err
	}
	if len(out.Torrents) == 0 {
		return nil, ErrNotFound
	}
	tor := out.Torrents[0]

	ti := &TorrentInfo{
		Hash:     strings.ToLower(tor.HashString),
		Name:     tor.Name,
		State:    mapTmStatus(tor.Status, tor.ErrorString),
		RawState: tmStatusString(tor.Status),
		Progress: tor.PercentDone,
		ETA:      tor.ETA,
		SavePath: tor.DownloadDir,
	}
	for _, f := range tor.Files {
		ti.Files = append(ti.Files, filepath.Join(tor.DownloadDir, filepath.FromSlash(f.Name)))
	}
	return ti, nil
}

func (t *transmission) ResolveTag(ctx context.Context, tag string) (string, error) {
	var out struct {
		Torrents []tmTorrent `json:"torrents"`
	}
	args := map[string]any{"fields": []string{"hashString", "labels"}}
	if err := t.call(ctx, "torrent-get", args, &out); err != nil {
		return "", err
	}

	for _, tor := range out.Torrents {
		for _, l := range tor.Labels {
			if matchTag(l, tag) {
				return strings.ToLower(tor.HashString), nil
			}
		}
	}
	return "", ErrNotFound
}

// 0 stopped, 1/2 check, 3 download-wait, 4 download, 5 seed-wait, 6 seed
func mapTmStatus(status int, errStr string) State {
	if errStr != "" {
		return StateError
	}
	switch status {
	case 1, 2, 3, 4:
		return StateDownloading
	case 5, 6:
		return StateSeeding
	default:
		return StateUnknown
	}
}

func tmStatusString(status int) string {
	switch status {
	case 0:
		return "stopped"
	case 1, 2:
		return "checking"
	case 3:
		return "queued"
	case 4:
		return "downloading"
	case 5:
		return "seed-queued"
	case 6:
		return "seeding"
	default:
		return "unknown"
	}
}
