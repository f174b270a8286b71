package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/client"
	"github.com/shelfward/shelfward/hub"
	"github.com/shelfward/shelfward/ledger"
	"github.com/shelfward/shelfward/organize"
)

type snapshot struct {
	state   client.State
	percent int
	eta     int64
}

type watchItem struct {
	last       snapshot
	hasLast    bool
	graceUntil time.Time
	organized  bool
}

type pendingItem struct {
	entry    ledger.Entry
	deadline time.Time
}

// Poller tracks the torrents the user recently touched. It only asks the
// client about watched hashes, resolves tag-identified additions to their
// info hash, and publishes progress events when something actually changed.
type Poller struct {
	cli   *client.Holder
	store *ledger.Store
	hub   *hub.Hub
	rec   *organize.Reconciler

	interval       time.Duration
	grace          time.Duration
	resolveTimeout time.Duration
	organizeOnAdd  bool

	mu        sync.Mutex
	watched   map[string]*watchItem
	pending   map[string]*pendingItem
	connected bool
	seenConn  bool

	stop chan struct{}
	done chan struct{}
	log  zerolog.Logger
}

func New(cli *client.Holder, store *ledger.Store, h *hub.Hub, rec *organize.Reconciler, interval, grace, resolveTimeout time.Duration, organizeOnAdd bool) *Poller {
	return &Poller{
		cli:            cli,
		store:          store,
		hub:            h,
		rec:            rec,
		interval:       interval,
		grace:          grace,
		resolveTimeout: resolveTimeout,
		organizeOnAdd:  organizeOnAdd,
		watched:        make(map[string]*watchItem),
		pending:        make(map[string]*pendingItem),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		log:            log.Logger.With().Str("component", "poller").Logger(),
	}
}

func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-t.C:
				p.tick(ctx)
			}
		}
	}()
}

func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}

// Watch adds an info hash to the interest set. Watching an already watched
// hash resets its grace window.
func (p *Poller) Watch(hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if it, ok := p.watched[hash]; ok {
		it.graceUntil = time.Time{}
		return
	}
	p.watched[hash] = &watchItem{}
}

// WatchPending registers an addition whose info hash the client has not
// reported yet. Once the tag resolves, the entry is persisted under its hash
// and promoted to a normal watch.
func (p *Poller) WatchPending(tag string, e ledger.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[tag] = &pendingItem{entry: e, deadline: time.Now().Add(p.resolveTimeout)}
}

func (p *Poller) tick(ctx context.Context) {
	cli := p.cli.Get()

	st, err := cli.Status(ctx)
	if err != nil {
		p.log.Debug().Err(err).Msg("status check failed")
	}
	if st == nil {
		st = &client.Status{DisplayName: cli.Name()}
	}
	p.noteConnectivity(st)
	if !st.Connected {
		return
	}

	p.resolvePending(ctx, cli)
	p.pollWatched(ctx, cli)
}

func (p *Poller) noteConnectivity(st *client.Status) {
	p.mu.Lock()
	changed := !p.seenConn || p.connected != st.Connected
	p.connected = st.Connected
	p.seenConn = true
	p.mu.Unlock()

	if changed {
		if st.Connected {
			p.log.Info().Str("client", st.DisplayName).Msg("client reachable")
		} else {
			p.log.Warn().Str("client", st.DisplayName).Msg("client unreachable")
		}
		p.hub.Publish(hub.NewClientStatus(st.Connected, st.DisplayName))
	}
}

func (p *Poller) resolvePending(ctx context.Context, cli client.Client) {
	p.mu.Lock()
	tags := make([]string, 0, len(p.pending))
	for tag := range p.pending {
		tags = append(tags, tag)
	}
	p.mu.Unlock()

	for _, tag := range tags {
		p.mu.Lock()
		item, ok := p.pending[tag]
		p.mu.Unlock()
		if !ok {
			continue
		}

		hash, err := cli.ResolveTag(ctx, tag)
		if err == nil && hash != "" {
			item.entry.InfoHash = hash
			if _, err := p.store.UpsertIfAbsent(&item.entry); err != nil {
				p.log.Error().Err(err).Str("hash", hash).Msg("error persisting resolved entry")
			}
			p.log.Info().Str("tag", tag).Str("hash", hash).Msg("tag resolved")
			p.mu.Lock()
			delete(p.pending, tag)
			p.mu.Unlock()
			p.Watch(hash)
			continue
		}

		if time.Now().After(item.deadline) {
			p.log.Warn().Str("tag", tag).Str("title", item.entry.Title).Msg("giving up on tag resolution")
			p.hub.Publish(hub.NewToast("Could not confirm addition of "+item.entry.Title, "error"))
			p.mu.Lock()
			delete(p.pending, tag)
			p.mu.Unlock()
		}
	}
}

func (p *Poller) pollWatched(ctx context.Context, cli client.Client) {
	p.mu.Lock()
	hashes := make([]string, 0, len(p.watched))
	for h := range p.watched {
		hashes = append(hashes, h)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, hash := range hashes {
		info, err := cli.Info(ctx, hash)
		if errors.Is(err, client.ErrNotFound) {
			p.expireOrGrace(hash, now)
			continue
		}
		if err != nil {
			p.log.Debug().Err(err).Str("hash", hash).Msg("poll failed")
			continue
		}

		snap := snapshot{
			state:   info.State,
			percent: int(math.Round(info.Progress * 100)),
			eta:     info.ETA,
		}

		p.mu.Lock()
		it, ok := p.watched[hash]
		if !ok {
			p.mu.Unlock()
			continue
		}
		changed := !it.hasLast || it.last != snap
		it.last = snap
		it.hasLast = true

		var organizeNow bool
		if info.Complete() {
			if it.graceUntil.IsZero() {
				it.graceUntil = now.Add(p.grace)
			}
			if !it.organized {
				it.organized = true
				organizeNow = p.organizeOnAdd && p.rec != nil
			}
			if now.After(it.graceUntil) {
				delete(p.watched, hash)
			}
		} else {
			it.graceUntil = time.Time{}
		}
		p.mu.Unlock()

		if changed {
			p.hub.Publish(hub.NewProgress(hash, string(snap.state), info.RawState, snap.percent, snap.eta))
		}

		if organizeNow {
			go func(h string) {
				if _, err := p.rec.Organize(ctx, h); err != nil {
					p.log.Error().Err(err).Str("hash", h).Msg("organize on completion failed")
				}
			}(hash)
		}
	}
}

// expireOrGrace keeps a vanished hash around for the grace window so a client
// restart or a slow rename does not silently drop it from the interest set.
func (p *Poller) expireOrGrace(hash string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.watched[hash]
	if !ok {
		return
	}
	if it.graceUntil.IsZero() {
		it.graceUntil = now.Add(p.grace)
		return
	}
	if now.After(it.graceUntil) {
		delete(p.watched, hash)
	}
}
