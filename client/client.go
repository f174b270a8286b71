package client

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/shelfward/shelfward/config"
)

// Unified error kinds. Backends map their protocol-specific failures onto
// these; callers never see wire-level errors.
var (
	ErrAuth        = errors.New("authentication failed")
	ErrUnreachable = errors.New("backend unreachable")
	ErrNotFound    = errors.New("torrent not known to backend")
)

// AddError reports a rejected add. Duplicate marks the one rejection that is
// not a failure: the backend already has the torrent.
type AddError struct {
	Reason    string
	Duplicate bool
}

func (e *AddError) Error() string {
	return "add rejected: " + e.Reason
}

// State is the small backend-invariant state space.
type State string

const (
	StateDownloading State = "downloading"
	StateSeeding     State = "seeding"
	StateError       State = "error"
	StateUnknown     State = "unknown"
)

// TorrentInfo is a live snapshot of one torrent as the backend reports it.
type TorrentInfo struct {
	Hash     string
	Name     string
	State    State
	RawState string  // backend-native state string, for display only
	Progress float64 // 0..1
	ETA      int64   // seconds; negative when the backend does not know

	// Files holds absolute on-disk paths of the torrent's content, in the
	// backend's view. Empty until the backend has metadata.
	SavePath string
	Files    []string
}

// Complete reports whether the download has finished.
func (ti *TorrentInfo) Complete() bool {
	return ti.State == StateSeeding || ti.Progress >= 1
}

// AddRequest carries one add-torrent call.
type AddRequest struct {
	URL      string // .torrent URL or magnet link
	Category string
	SavePath string // optional save-path override

	// Tag is an opaque marker attached to the torrent (label, comment or
	// custom field depending on the backend) so the info-hash can be
	// recovered later via ResolveTag when the backend cannot report it at
	// add time.
	Tag string
}

// Status is the adapter's session state, owned by the adapter and read-only
// for everyone else.
type Status struct {
	Connected   bool      `json:"connected"`
	Version     string    `json:"version,omitempty"`
	DisplayName string    `json:"display_name"`
	LastContact time.Time `json:"last_contact,omitempty"`
}

// Client is the uniform capability contract over one torrent-client backend.
// All methods take a context with a bounded timeout; transient failures
// return wrapped ErrUnreachable and the caller decides retry policy.
type Client interface {
	// Name returns the user-facing backend name.
	Name() string

	// Connect establishes and caches an authenticated session.
	Connect(ctx context.Context) error

	// Status reports connectivity without mutating anything beyond the
	// adapter's own session. The snapshot may be nil when err is non-nil;
	// callers treat that as disconnected.
	Status(ctx context.Context) (*Status, error)

	// Categories lists the backend's categories/labels.
	Categories(ctx context.Context) ([]string, error)

	// Add submits a torrent and returns the backend-native identifier: the
	// info-hash when the backend reports one synchronously, otherwise the
	// request tag, to be resolved later with ResolveTag.
	Add(ctx context.Context, req AddRequest) (string, error)

	// Info returns the live snapshot for a hash, ErrNotFound when the
	// backend does not know it (an expected transient during resolution).
	Info(ctx context.Context, hash string) (*TorrentInfo, error)

	// ResolveTag finds the info-hash of a previously added torrent by its
	// tag marker. ErrNotFound until the backend has registered it.
	ResolveTag(ctx context.Context, tag string) (string, error)
}

// New builds the adapter for the configured backend. The choice is made once
// at configuration time; callers only ever see the Client contract.
func New(cfg *config.ClientGlobal) (Client, error) {
	switch cfg.Type {
	case config.ClientQBittorrent:
		return newQBittorrent(cfg), nil
	case config.ClientTransmission:
		return newTransmission(cfg), nil
	case config.ClientDeluge:
		return newDeluge(cfg), nil
	case config.ClientRTorrent:
		return newRTorrent(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported torrent client type: %q", cfg.Type)
	}
}

var hashRe = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// IsInfoHash reports whether s looks like a hex info-hash rather than an
// unresolved tag.
func IsInfoHash(s string) bool {
	return hashRe.MatchString(s)
}

// tagMarker is the comment/label form the adapters attach at add time and
// scan for in ResolveTag.
func tagMarker(tag string) string {
	return "MID=" + tag
}

var tagRe = regexp.MustCompile(`MID=(\w+)`)

func matchTag(comment, tag string) bool {
	m := tagRe.FindStringSubmatch(comment)
	return m != nil && m[1] == tag
}

// session tracks the connection state every adapter owns. Only the adapter
// itself mutates it; Status snapshots it for readers.
type session struct {
	mu          sync.Mutex
	connected   bool
	version     string
	lastContact time.Time
}

func (s *session) markContact(version string) {
	s.mu.Lock()
	s.connected = true
	if version != "" {
		s.version = version
	}
	s.lastContact = time.Now()
	s.mu.Unlock()
}

func (s *session) markDown() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *session) snapshot(displayName string) *Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Status{
		Connected:   s.connected,
		Version:     s.version,
		DisplayName: displayName,
		LastContact: s.lastContact,
	}
}
