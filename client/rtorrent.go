package client

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/config"
)

// rtorrent speaks XML-RPC, usually fronted by a webserver that translates
// HTTP to scgi, so at this layer both deployments look the same. There is no
// login call; basic auth on the endpoint covers authentication.
type rtorrent struct {
	endpoint string
	username string
	password string

	// ruTorrent convention: d.custom1 holds the label, d.custom2 is free
	// for tooling, which is where the tag marker goes.
	hc  *http.Client
	ses session
	log zerolog.Logger
}

func newRTorrent(cfg *config.ClientGlobal) *rtorrent {
	return &rtorrent{
		endpoint: cfg.URL,
		username: cfg.Username,
		password: cfg.Password,
		hc:       &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		log:      log.Logger.With().Str("component", "client").Str("backend", "rtorrent").Logger(),
	}
}

func (r *rtorrent) Name() string { return "rTorrent" }

func xmlEscape(s string) string {
	var b bytes.Buffer
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

func buildMethodCall(method string, params []any) []byte {
	var b bytes.Buffer
	b.WriteString("<?xml version='1.0'?><methodCall><methodName>")
	b.WriteString(xmlEscape(method))
	b.WriteString("</methodName><params>")
	for _, p := range params {
		b.WriteString("<param><value>")
		switch v := p.(type) {
		case string:
			fmt.Fprintf(&b, "<string>%s</string>", xmlEscape(v))
		case int:
			fmt.Fprintf(&b, "<i8>%d</i8>", v)
		case int64:
			fmt.Fprintf(&b, "<i8>%d</i8>", v)
		case float64:
			fmt.Fprintf(&b, "<double>%g</double>", v)
		}
		b.WriteString("</value></param>")
	}
	b.WriteString("</params></methodCall>")
	return b.Bytes()
}

// xmlValue models the handful of XML-RPC value shapes rtorrent answers with.
type xmlValue struct {
	String *string  `xml:"string"`
	I4     *int64   `xml:"i4"`
	I8     *int64   `xml:"i8"`
	Int    *int64   `xml:"int"`
	Double *float64 `xml:"double"`
	Array  *struct {
		Values []xmlValue `xml:"data>value"`
	} `xml:"array"`
}

func (v *xmlValue) str() string {
	if v != nil && v.String != nil {
		return *v.String
	}
	return ""
}

func (v *xmlValue) i64() int64 {
	switch {
	case v == nil:
		return 0
	case v.I8 != nil:
		return *v.I8
	case v.I4 != nil:
		return *v.I4
	case v.Int != nil:
		return *v.Int
	}
	return 0
}

func (v *xmlValue) array() []xmlValue {
	if v != nil && v.Array != nil {
		return v.Array.Values
	}
	return nil
}

type xmlMethodResponse struct {
	Param *xmlValue `xml:"params>param>value"`
	Fault *struct {
		Strings []string `xml:"value>struct>member>value>string"`
	} `xml:"fault"`
}

func (r *rtorrent) call(ctx context.Context, method string, params ...any) (*xmlValue, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint,
		bytes.NewReader(buildMethodCall(method, params)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")
	if r.username != "" {
		req.SetBasicAuth(r.username, r.password)
	}

	resp, err := r.hc.Do(req)
	if err != nil {
		r.ses.markDown()
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		r.ses.markDown()
		return nil, fmt.Errorf("%w: rtorrent endpoint rejected credentials", ErrAuth)
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("unexpected status %d from rtorrent", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var mr xmlMethodResponse
	if err := xml.Unmarshal(bytes.TrimSpace(b), &mr); err != nil {
		return nil, fmt.Errorf("error parsing rtorrent response: %w", err)
	}
	if mr.Fault != nil {
		msg := strings.Join(mr.Fault.Strings, "; ")
		if strings.Contains(strings.ToLower(msg), "could not find info-hash") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("xml-rpc fault: %s", msg)
	}

	r.ses.markContact("")
	return mr.Param, nil
}

func (r *rtorrent) Connect(ctx context.Context) error {
	v, err := r.call(ctx, "system.client_version")
	if err != nil {
		return err
	}
	r.ses.markContact(v.str())
	return nil
}

func (r *rtorrent) Status(ctx context.Context) (*Status, error) {
	err := r.Connect(ctx)
	return r.ses.snapshot(r.Name()), err
}

func (r *rtorrent) Categories(ctx context.Context) ([]string, error) {
	v, err := r.call(ctx, "d.multicall2", "", "main", "d.custom1=")
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []string
	for _, row := range v.array() {
		cols := row.array()
		if len(cols) == 0 {
			continue
		}
		label := cols[0].str()
		if label != "" && !seen[label] {
			seen[label] = true
			out = append(out, label)
		}
	}
	return out, nil
}

func (r *rtorrent) Add(ctx context.Context, req AddRequest) (string, error) {
	params := []any{"", req.URL}
	if req.Category != "" {
		params = append(params, fmt.Sprintf("d.custom1.set=%q", req.Category))
	}
	if req.Tag != "" {
		params = append(params, fmt.Sprintf("d.custom2.set=%q", tagMarker(req.Tag)))
	}
	if req.SavePath != "" {
		params = append(params, fmt.Sprintf("d.directory.set=%q", req.SavePath))
	}

	if _, err := r.call(ctx, "load.start_verbose", params...); err != nil {
		if err == ErrNotFound {
			return "", &AddError{Reason: "rtorrent could not load the torrent reference"}
		}
		return "", err
	}
	// load.* returns nothing useful; the tag is the native handle.
	return req.Tag, nil
}

func (r *rtorrent) Info(ctx context.Context, hash string) (*TorrentInfo, error) {
	hash = strings.ToUpper(hash)

	name, err := r.call(ctx, "d.name", hash)
	if err != nil {
		return nil, err
	}
	dir, err := r.call(ctx, "d.directory", hash)
	if err != nil {
		return nil, err
	}
	done, err := r.call(ctx, "d.completed_bytes", hash)
	if err != nil {
		return nil, err
	}
	size, err := r.call(ctx, "d.size_bytes", hash)
	if err != nil {
		return nil, err
	}
	rate, err := r.call(ctx, "d.down.rate", hash)
	if err != nil {
		return nil, err
	}
	open, err := r.call(ctx, "d.state", hash)
	if err != nil {
		return nil, err
	}
	active, err := r.call(ctx, "d.is_active", hash)
	if err != nil {
		return nil, err
	}
	hashing, err := r.call(ctx, "d.is_hash_checking", hash)
	if err != nil {
		return nil, err
	}
	complete, err := r.call(ctx, "d.complete", hash)
	if err != nil {
		return nil, err
	}

	state, raw := mapRtState(open.i64(), active.i64(), hashing.i64(), complete.i64())

	ti := &TorrentInfo{
		Hash:     strings.ToLower(hash),
		Name:     name.str(),
		State:    state,
		RawState: raw,
		SavePath: dir.str(),
	}
	if size.i64() > 0 {
		ti.Progress = float64(done.i64()) / float64(size.i64())
	}
	ti.ETA = -1
	if state == StateDownloading && rate.i64() > 0 {
		ti.ETA = (size.i64() - done.i64()) / rate.i64()
	}

	files, err := r.call(ctx, "f.multicall", hash, "", "f.path=")
	if err == nil {
		for _, row := range files.array() {
			cols := row.array()
			if len(cols) > 0 && cols[0].str() != "" {
				ti.Files = append(ti.Files, filepath.Join(ti.SavePath, filepath.FromSlash(cols[0].str())))
			}
		}
	}
	return ti, nil
}

func (r *rtorrent) ResolveTag(ctx context.Context, tag string) (string, error) {
	v, err := r.call(ctx, "d.multicall2", "", "main", "d.hash=", "d.custom2=")
	if err != nil {
		return "", err
	}

	for _, row := range v.array() {
		cols := row.array()
		if len(cols) < 2 {
			continue
		}
		// ruTorrent url-encodes custom fields it touches.
		comment := cols[1].str()
		if dec, err := url.QueryUnescape(comment); err == nil {
			comment = dec
		}
		if matchTag(comment, tag) {
			return strings.ToLower(cols[0].str()), nil
		}
	}
	return "", ErrNotFound
}

func mapRtState(open, active, hashing, complete int64) (State, string) {
	switch {
	case hashing != 0:
		return StateDownloading, "checking"
	case open == 0 || active == 0:
		if complete != 0 {
			return StateSeeding, "paused-complete"
		}
		return StateUnknown, "paused"
	case complete != 0:
		return StateSeeding, "seeding"
	default:
		return StateDownloading, "downloading"
	}
}
