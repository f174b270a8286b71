package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/config"
)

// deluge speaks the Web UI's JSON-RPC. The web process is separate from the
// daemon, so after auth.login the adapter must also make sure the web UI is
// attached to a daemon host (web.connected / web.connect).
type deluge struct {
	endpoint string
	password string

	reqID atomic.Int64

	hc  *http.Client
	ses session
	log zerolog.Logger
}

func newDeluge(cfg *config.ClientGlobal) *deluge {
	endpoint := strings.TrimRight(cfg.URL, "/")
	if !strings.HasSuffix(endpoint, "/json") {
		endpoint += "/json"
	}

	// The web UI rotates its session cookie on every response; the jar
	// keeps the adapter current without explicit bookkeeping.
	jar, _ := cookiejar.New(nil)
	return &deluge{
		endpoint: endpoint,
		password: cfg.Password,
		hc: &http.Client{
			Jar:     jar,
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		log: log.Logger.With().Str("component", "client").Str("backend", "deluge").Logger(),
	}
}

func (d *deluge) Name() string { return "Deluge" }

type dlgError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (d *deluge) call(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(map[string]any{
		"method": method,
		"params": params,
		"id":     d.reqID.Add(1),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.hc.Do(req)
	if err != nil {
		d.ses.markDown()
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from deluge web api", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpc struct {
		Result json.RawMessage `json:"result"`
		Error  *dlgError       `json:"error"`
	}
	if err := json.Unmarshal(b, &rpc); err != nil {
		return fmt.Errorf("error decoding deluge response: %w", err)
	}
	if rpc.Error != nil {
		msg := strings.ToLower(rpc.Error.Message)
		if strings.Contains(msg, "not authenticated") || strings.Contains(msg, "session") {
			d.ses.markDown()
			return fmt.Errorf("%w: %s", ErrAuth, rpc.Error.Message)
		}
		return fmt.Errorf("deluge api error: %s", rpc.Error.Message)
	}

	d.ses.markContact("")
	if out != nil && len(rpc.Result) > 0 && string(rpc.Result) != "null" {
		if err := json.Unmarshal(rpc.Result, out); err != nil {
			return fmt.Errorf("error decoding deluge result: %w", err)
		}
	}
	return nil
}

// authed retries the call once after a fresh login when the session lapsed.
func (d *deluge) authed(ctx context.Context, method string, params []any, out any) error {
	err := d.call(ctx, method, params, out)
	if err == nil || !strings.Contains(err.Error(), ErrAuth.Error()) {
		return err
	}
	if cerr := d.Connect(ctx); cerr != nil {
		return cerr
	}
	return d.call(ctx, method, params, out)
}

func (d *deluge) Connect(ctx context.Context) error {
	var ok bool
	if err := d.call(ctx, "auth.login", []any{d.password}, &ok); err != nil {
		return err
	}
	if !ok {
		d.ses.markDown()
		return fmt.Errorf("%w: deluge rejected password", ErrAuth)
	}

	if err := d.ensureDaemon(ctx); err != nil {
		d.log.Warn().Err(err).Msg("daemon attach failed, calls may error until a daemon is online")
	}
	d.ses.markContact("")
	return nil
}

// ensureDaemon attaches the web UI to the first known daemon host when it is
// not connected to one.
func (d *deluge) ensureDaemon(ctx context.Context) error {
	var connected bool
	if err := d.call(ctx, "web.connected", nil, &connected); err != nil {
		return err
	}
	if connected {
		return nil
	}

	var hosts [][]any
	if err := d.call(ctx, "web.get_hosts", nil, &hosts); err != nil {
		return err
	}
	if len(hosts) == 0 || len(hosts[0]) == 0 {
		return fmt.Errorf("no daemon hosts registered")
	}

	hostID, _ := hosts[0][0].(string)
	return d.call(ctx, "web.connect", []any{hostID}, nil)
}

func (d *deluge) Status(ctx context.Context) (*Status, error) {
	var version string
	if err := d.authed(ctx, "daemon.get_version", nil, &version); err != nil {
		return d.ses.snapshot(d.Name()), err
	}
	d.ses.markContact(version)
	return d.ses.snapshot(d.Name()), nil
}

func (d *deluge) Categories(ctx context.Context) ([]string, error) {
	var plugins []string
	if err := d.authed(ctx, "core.get_enabled_plugins", nil, &plugins); err != nil {
		return nil, err
	}

	for _, p := range plugins {
		if p == "Label" {
			var labels []string
			if err := d.authed(ctx, "label.get_labels", nil, &labels); err != nil {
				return nil, err
			}
			return labels, nil
		}
	}
	return nil, nil
}

func (d *deluge) Add(ctx context.Context, r AddRequest) (string, error) {
	options := map[string]any{"add_paused": false}
	if r.SavePath != "" {
		options["download_location"] = r.SavePath
	}
	if r.Tag != "" {
		options["comment"] = tagMarker(r.Tag)
	}

	method := "core.add_torrent_url"
	if strings.HasPrefix(r.URL, "magnet:") {
		method = "core.add_torrent_magnet"
	}

	var hash string
	if err := d.authed(ctx, method, []any{r.URL, options}, &hash); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already") {
			return "", &AddError{Reason: "torrent is already present", Duplicate: true}
		}
		return "", err
	}
	if hash == "" {
		return "", &AddError{Reason: "deluge could not load the torrent reference"}
	}

	if r.Category != "" {
		d.setLabel(ctx, hash, r.Category)
	}
	return strings.ToLower(hash), nil
}

// setLabel applies the category via the Label plugin, creating the label on
// first use. Failures are logged but never fail the add itself.
func (d *deluge) setLabel(ctx context.Context, hash, label string) {
	labels, err := d.Categories(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("could not list labels")
		return
	}

	found := false
	for _, l := range labels {
		if l == label {
			found = true
			break
		}
	}
	if !found {
		if err := d.authed(ctx, "label.add", []any{label}, nil); err != nil {
			d.log.Warn().Err(err).Str("label", label).Msg("could not create label")
			return
		}
	}
	if err := d.authed(ctx, "label.set_torrent", []any{hash, label}, nil); err != nil {
		d.log.Warn().Err(err).Str("label", label).Msg("could not apply label")
	}
}

type dlgTorrent struct {
	Name     string  `json:"name"`
	SavePath string  `json:"save_path"`
	Progress float64 `json:"progress"` // 0..100
	ETA      int64   `json:"eta"`
	State    string  `json:"state"`
	Label    string  `json:"label"`
	Comment  string  `json:"comment"`
	Files    []struct {
		Path string `json:"path"`
	} `json:"files"`
}

var dlgInfoKeys = []any{"name", "save_path", "progress", "eta", "state", "label", "comment", "files"}

func (d *deluge) Info(ctx context.Context, hash string) (*TorrentInfo, error) {
	var t dlgTorrent
	if err := d.authed(ctx, "core.get_torrent_status", []any{hash, dlgInfoKeys}, &t); err != nil {
		return nil, err
	}
	// An unknown hash yields an empty struct, not an error.
	if t.Name == "" && t.SavePath == "" {
		return nil, ErrNotFound
	}

	ti := &TorrentInfo{
		Hash:     strings.ToLower(hash),
		Name:     t.Name,
		State:    mapDlgState(t.State),
		RawState: t.State,
		Progress: t.Progress / 100,
		ETA:      t.ETA,
		SavePath: t.SavePath,
	}
	for _, f := range t.Files {
		ti.Files = append(ti.Files, filepath.Join(t.SavePath, filepath.FromSlash(f.Path)))
	}
	return ti, nil
}

func (d *deluge) ResolveTag(ctx context.Context, tag string) (string, error) {
	var all map[string]struct {
		Comment string `json:"comment"`
	}
	params := []any{map[string]any{}, []any{"comment"}}
	if err := d.authed(ctx, "core.get_torrents_status", params, &all); err != nil {
		return "", err
	}

	for hash, t := range all {
		if matchTag(t.Comment, tag) {
			return strings.ToLower(hash), nil
		}
	}
	return "", ErrNotFound
}

func mapDlgState(s string) State {
	switch strings.ToLower(s) {
	case "downloading", "checking", "allocating", "queued", "moving":
		return StateDownloading
	case "seeding":
		return StateSeeding
	case "error":
		return StateError
	default:
		return StateUnknown
	}
}
