package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/matheus3301/chanmirror/internal/bus"
	"github.com/matheus3301/chanmirror/internal/clock"
	"github.com/matheus3301/chanmirror/internal/coverage"
	"github.com/matheus3301/chanmirror/internal/history"
	"github.com/matheus3301/chanmirror/internal/status"
	"github.com/matheus3301/chanmirror/internal/store"
	"go.uber.org/zap"
)

// Config tunes sync passes.
type Config struct {
	// RecentGapWindow bounds the gaps InitializeChannel fills on its own.
	RecentGapWindow time.Duration
	// FreshnessThreshold is how stale the newest stored message may be before
	// InitializeChannel runs a catch-up.
	FreshnessThreshold time.Duration
	CatchupOverlap     time.Duration
	DefaultOverlap     time.Duration

	FetchTimeout time.Duration
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration

	ProgressInterval time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		RecentGapWindow:    24 * time.Hour,
		FreshnessThreshold: 5 * time.Minute,
		CatchupOverlap:     5 * time.Minute,
		DefaultOverlap:     180 * time.Minute,
		FetchTimeout:       30 * time.Second,
		MaxRetries:         5,
		RetryInitial:       500 * time.Millisecond,
		RetryMax:           30 * time.Second,
		ProgressInterval:   5 * time.Second,
	}
}

// Mode names the kind of work a pass did.
type Mode string

const (
	ModeNone        Mode = "none"
	ModeBackfill    Mode = "backfill"
	ModeIncremental Mode = "incremental"
	ModeGapFill     Mode = "gap_fill"
)

// Result summarizes one pass. On failure it holds the counts reached before
// the pass was aborted.
type Result struct {
	ChannelID string
	PassID    string
	Mode      Mode
	Fetched   int
	New       int
	Updated   int
	Unchanged int
	Invalid   int
	// Covered lists the ranges committed as known.
	Covered []coverage.TimeRange
	Elapsed time.Duration
}

// Describer is implemented by channels that can report their guild and
// channel descriptors.
type Describer interface {
	Describe(ctx context.Context) (*store.GuildInfo, *store.ChannelInfo, error)
}

// SyncOption adjusts a SyncChannel call.
type SyncOption func(*syncOptions)

type syncOptions struct {
	overlap time.Duration
}

// WithOverlap sets how far before the newest stored message a catch-up starts.
func WithOverlap(d time.Duration) SyncOption {
	return func(o *syncOptions) { o.overlap = d }
}

// Manager decides what to fetch for a channel, applies what comes back and
// commits coverage. All metadata changes for a channel happen under its lock.
type Manager struct {
	store    *store.Store
	resolver history.Resolver
	cfg      Config
	clock    clock.Clock
	bus      *bus.Bus
	tracker  *status.Tracker
	logger   *zap.Logger
	locks    *channelLocks
}

// NewManager creates a manager. b and tracker may be nil.
func NewManager(st *store.Store, resolver history.Resolver, cfg Config, clk clock.Clock, b *bus.Bus, tracker *status.Tracker, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if tracker == nil {
		tracker = status.NewTracker(nil)
	}
	return &Manager{
		store:    st,
		resolver: resolver,
		cfg:      cfg,
		clock:    clk,
		bus:      b,
		tracker:  tracker,
		logger:   logger,
		locks:    newChannelLocks(),
	}
}

// Tracker returns the phase tracker the manager reports to.
func (m *Manager) Tracker() *status.Tracker {
	return m.tracker
}

// Busy reports whether a pass is running for the channel.
func (m *Manager) Busy(channelID string) bool {
	return m.locks.busy(channelID)
}

// InitializeChannel brings a channel up to date at startup or first contact:
// recent gaps are filled, a stale channel is caught up and an empty one is
// backfilled.
func (m *Manager) InitializeChannel(ctx context.Context, channelID string) (*Result, error) {
	return m.run(ctx, channelID, func(ctx context.Context, p *pass) error {
		now := m.clock.Now()
		if gaps := p.meta.RecentGaps(now, m.cfg.RecentGapWindow); len(gaps) > 0 {
			return m.fillGaps(ctx, p, gaps)
		}
		latest, ok := m.store.LatestTimestamp(channelID)
		if !ok || needsBackfill(p.meta) {
			return m.backfill(ctx, p)
		}
		if now.Sub(latest) > m.cfg.FreshnessThreshold {
			return m.catchUp(ctx, p, latest, m.cfg.CatchupOverlap)
		}
		m.logger.Debug("channel is fresh",
			zap.String("channel", channelID),
			zap.Time("latest", latest))
		return nil
	})
}

// SyncChannel fetches everything after the newest stored message minus the
// overlap, or the whole history when nothing usable is stored.
func (m *Manager) SyncChannel(ctx context.Context, channelID string, opts ...SyncOption) (*Result, error) {
	o := syncOptions{overlap: m.cfg.DefaultOverlap}
	for _, opt := range opts {
		opt(&o)
	}
	return m.run(ctx, channelID, func(ctx context.Context, p *pass) error {
		latest, ok := m.store.LatestTimestamp(channelID)
		if !ok || needsBackfill(p.meta) {
			return m.backfill(ctx, p)
		}
		return m.catchUp(ctx, p, latest, o.overlap)
	})
}

// BackfillGaps fills every recorded gap, however old.
func (m *Manager) BackfillGaps(ctx context.Context, channelID string) (*Result, error) {
	return m.run(ctx, channelID, func(ctx context.Context, p *pass) error {
		gaps := p.meta.Gaps()
		if len(gaps) == 0 {
			return nil
		}
		return m.fillGaps(ctx, p, gaps)
	})
}

// needsBackfill reports metadata that cannot anchor an incremental pass:
// reset after corruption, or never committed a range. Stored messages alone
// do not count; they may be the newest slice of an aborted backfill, as in
// TestSyncScenarioDPartialFailure.
func needsBackfill(meta *coverage.ChannelMetadata) bool {
	return meta.NeedsBackfill || (len(meta.KnownRanges()) == 0 && !meta.SyncedEmpty)
}

type pass struct {
	ch   history.Channel
	meta *coverage.ChannelMetadata
	res  *Result

	phase    status.Phase
	span     coverage.TimeRange
	hasSpan  bool
	progress time.Time
}

func (p *pass) extend(ts time.Time) {
	if !p.hasSpan {
		p.span = coverage.TimeRange{Start: ts, End: ts}
		p.hasSpan = true
		return
	}
	if ts.Before(p.span.Start) {
		p.span.Start = ts
	}
	if ts.After(p.span.End) {
		p.span.End = ts
	}
}

func (m *Manager) run(ctx context.Context, channelID string, body func(context.Context, *pass) error) (*Result, error) {
	release, err := m.locks.acquire(ctx, channelID)
	if err != nil {
		return nil, err
	}
	defer release()

	ch, err := m.resolver.Channel(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel %s: %w", channelID, err)
	}
	m.describe(ctx, channelID, ch)

	started := time.Now()
	p := &pass{
		ch:       ch,
		meta:     m.store.EnsureMetadata(channelID),
		res:      &Result{ChannelID: channelID, PassID: uuid.NewString(), Mode: ModeNone},
		progress: started,
	}
	m.publish(bus.KindSyncStarted, p.res, nil)

	err = body(ctx, p)
	p.res.Elapsed = time.Since(started)
	m.leavePhase(p, err)

	// Records applied before a failure are kept; metadata was not committed.
	if saveErr := m.store.SaveChannel(context.WithoutCancel(ctx), channelID); saveErr != nil {
		if err == nil {
			err = saveErr
		} else {
			m.logger.Error("failed to persist channel after aborted pass",
				zap.String("channel", channelID),
				zap.Error(saveErr))
		}
	}

	if err != nil {
		m.logger.Warn("sync pass failed",
			zap.String("channel", channelID),
			zap.String("pass", p.res.PassID),
			zap.String("mode", string(p.res.Mode)),
			zap.Int("fetched", p.res.Fetched),
			zap.Error(err))
		m.publish(bus.KindSyncFailed, p.res, err)
		return p.res, err
	}
	if p.res.Mode != ModeNone {
		m.logger.Info("sync complete",
			zap.String("channel", channelID),
			zap.String("mode", string(p.res.Mode)),
			zap.Int("fetched", p.res.Fetched),
			zap.Int("new", p.res.New),
			zap.Int("updated", p.res.Updated),
			zap.Int("invalid", p.res.Invalid),
			zap.Duration("elapsed", p.res.Elapsed))
	}
	m.publish(bus.KindSyncCompleted, p.res, nil)
	return p.res, nil
}

func (m *Manager) describe(ctx context.Context, channelID string, ch history.Channel) {
	d, ok := ch.(Describer)
	if !ok {
		return
	}
	if _, info := m.store.Descriptors(channelID); info != nil {
		return
	}
	guild, info, err := d.Describe(ctx)
	if err != nil {
		m.logger.Warn("failed to describe channel", zap.String("channel", channelID), zap.Error(err))
		return
	}
	m.store.SetDescriptors(channelID, guild, info)
}

func (m *Manager) inferredPhase(meta *coverage.ChannelMetadata) status.Phase {
	if len(meta.KnownRanges()) > 0 || meta.SyncedEmpty {
		return status.Steady
	}
	return status.Unsynced
}

func (m *Manager) enterPhase(p *pass, to status.Phase) {
	if err := m.tracker.Enter(p.res.ChannelID, m.inferredPhase(p.meta), to); err != nil {
		m.logger.Debug("phase not recorded", zap.Error(err))
		return
	}
	p.phase = to
}

func (m *Manager) leavePhase(p *pass, err error) {
	if p.phase == "" {
		if err != nil {
			m.tracker.Fail(p.res.ChannelID, err)
		}
		return
	}
	to := status.Steady
	if err != nil {
		m.tracker.Fail(p.res.ChannelID, err)
		if p.phase == status.InitialBackfill {
			to = status.Unsynced
		}
	}
	if terr := m.tracker.Enter(p.res.ChannelID, p.phase, to); terr != nil {
		m.logger.Debug("phase not recorded", zap.Error(terr))
	}
}

func (m *Manager) backfill(ctx context.Context, p *pass) error {
	m.enterPhase(p, status.InitialBackfill)
	p.res.Mode = ModeBackfill
	m.logger.Info("no usable history, backfilling channel", zap.String("channel", p.res.ChannelID))

	if err := m.fetch(ctx, p, history.Query{}, upsertAll); err != nil {
		return err
	}

	meta := p.meta.Clone()
	meta.NeedsBackfill = false
	if p.hasSpan {
		meta.AddKnownRange(p.span)
		p.res.Covered = append(p.res.Covered, p.span)
	} else {
		meta.SyncedEmpty = true
	}
	meta.LastSync = m.clock.Now()
	m.store.CommitMetadata(p.res.ChannelID, meta)
	return nil
}

func (m *Manager) catchUp(ctx context.Context, p *pass, latest time.Time, overlap time.Duration) error {
	m.enterPhase(p, status.IncrementalCatchup)
	p.res.Mode = ModeIncremental
	started := m.clock.Now()
	after := latest.Add(-overlap)
	m.logger.Info("syncing messages",
		zap.String("channel", p.res.ChannelID),
		zap.Time("after", after))

	if err := m.fetch(ctx, p, history.Query{After: after}, upsertChanged); err != nil {
		return err
	}

	covered := coverage.TimeRange{Start: after, End: started}
	meta := p.meta.Clone()
	meta.AddKnownRange(covered)
	meta.LastSync = m.clock.Now()
	m.store.CommitMetadata(p.res.ChannelID, meta)
	p.res.Covered = append(p.res.Covered, covered)
	return nil
}

func (m *Manager) fillGaps(ctx context.Context, p *pass, gaps []coverage.TimeRange) error {
	m.enterPhase(p, status.GapFill)
	p.res.Mode = ModeGapFill
	m.logger.Info("filling gaps in history",
		zap.String("channel", p.res.ChannelID),
		zap.Int("gaps", len(gaps)))

	for _, g := range gaps {
		m.logger.Debug("fetching gap", zap.String("channel", p.res.ChannelID), zap.Stringer("gap", g))
		if err := m.fetch(ctx, p, history.Query{After: g.Start, Before: g.End}, upsertAll); err != nil {
			return err
		}
	}

	// An empty window is known to be empty, not unknown.
	meta := p.meta.Clone()
	for _, g := range gaps {
		meta.AddKnownRange(g)
	}
	m.store.CommitMetadata(p.res.ChannelID, meta)
	p.res.Covered = append(p.res.Covered, gaps...)
	return nil
}

type applyPolicy int

const (
	// upsertAll writes every fetched record.
	upsertAll applyPolicy = iota
	// upsertChanged writes new records and stored ones that were edited or
	// carry volatile metadata.
	upsertChanged
)

func (m *Manager) fetch(ctx context.Context, p *pass, q history.Query, policy applyPolicy) error {
	window := coverage.TimeRange{Start: q.After, End: q.Before}
	for {
		page, err := m.fetchPage(ctx, p.ch, q)
		if err != nil {
			return &ProviderFetchError{Channel: p.res.ChannelID, Window: window, Err: err}
		}
		m.apply(ctx, p, page.Records, policy)

		if page.Next == "" {
			return nil
		}
		if page.Next == q.Cursor {
			return &ProviderFetchError{Channel: p.res.ChannelID, Window: window, Err: errors.New("provider repeated pagination cursor")}
		}
		q.Cursor = page.Next
	}
}

func (m *Manager) fetchPage(ctx context.Context, ch history.Channel, q history.Query) (history.Page, error) {
	bo := &retryAfterBackOff{BackOff: m.newBackOff()}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(m.cfg.MaxRetries, 0))), ctx)

	op := func() (history.Page, error) {
		fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
		defer cancel()
		page, err := ch.History(fctx, q)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return history.Page{}, backoff.Permanent(ctx.Err())
		}
		if !history.IsRetryable(err) {
			return history.Page{}, backoff.Permanent(err)
		}
		bo.hint = history.RetryAfter(err)
		return history.Page{}, err
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("history fetch failed, retrying",
			zap.String("channel", ch.ID()),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return backoff.RetryNotifyWithData(op, policy, notify)
}

func (m *Manager) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.cfg.RetryInitial
	eb.MaxInterval = m.cfg.RetryMax
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// retryAfterBackOff waits at least as long as the provider asked to.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next != backoff.Stop && b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}

func (m *Manager) apply(ctx context.Context, p *pass, records []history.Record, policy applyPolicy) {
	type fetched struct {
		msg      store.Message
		volatile bool
	}
	batch := make([]fetched, 0, len(records))
	for _, rec := range records {
		p.res.Fetched++
		msg, err := toMessage(rec)
		if err != nil {
			p.res.Invalid++
			m.logger.Warn("skipping invalid record",
				zap.Error(&RecordValidationError{Channel: p.res.ChannelID, RecordID: rec.ID, Err: err}))
			continue
		}
		batch = append(batch, fetched{msg: msg, volatile: rec.Volatile})
	}
	slices.SortFunc(batch, func(a, b fetched) int {
		if c := a.msg.Timestamp.Compare(b.msg.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.msg.ID, b.msg.ID)
	})

	for _, f := range batch {
		stored, exists := m.store.GetMessage(p.res.ChannelID, f.msg.ID)
		changed := exists && (!store.EditedEqual(stored.EditedTimestamp, f.msg.EditedTimestamp) || f.volatile)

		switch {
		case !exists:
			p.res.New++
		case changed:
			p.res.Updated++
		default:
			p.res.Unchanged++
		}
		p.extend(f.msg.Timestamp)

		if exists && !changed && policy == upsertChanged {
			continue
		}
		if err := m.store.AddMessage(ctx, p.res.ChannelID, f.msg); err != nil {
			m.logger.Warn("skipping record", zap.String("channel", p.res.ChannelID), zap.String("msg_id", f.msg.ID), zap.Error(err))
		}
	}

	if now := time.Now(); now.Sub(p.progress) >= m.cfg.ProgressInterval {
		m.logger.Info("sync progress",
			zap.String("channel", p.res.ChannelID),
			zap.Int("processed", p.res.Fetched),
			zap.Int("new", p.res.New),
			zap.Int("updated", p.res.Updated))
		p.progress = now
	}
}

func (m *Manager) publish(kind string, res *Result, err error) {
	if m.bus == nil {
		return
	}
	payload := bus.SyncPass{
		PassID:    res.PassID,
		ChannelID: res.ChannelID,
		Mode:      string(res.Mode),
		Fetched:   res.Fetched,
		New:       res.New,
		Updated:   res.Updated,
		Skipped:   res.Unchanged + res.Invalid,
	}
	if err != nil {
		payload.Err = err.Error()
	}
	m.bus.Publish(bus.Event{Kind: kind, Payload: payload})
}

func toMessage(rec history.Record) (store.Message, error) {
	if rec.ID == "" {
		return store.Message{}, errors.New("record has no id")
	}
	ts, err := coverage.ParseTimestamp(rec.Timestamp)
	if err != nil {
		return store.Message{}, fmt.Errorf("timestamp: %w", err)
	}
	msg := store.Message{ID: rec.ID, Timestamp: ts, Payload: rec.Payload}
	if rec.EditedTimestamp != "" {
		edited, err := coverage.ParseTimestamp(rec.EditedTimestamp)
		if err != nil {
			return store.Message{}, fmt.Errorf("edited timestamp: %w", err)
		}
		msg.EditedTimestamp = &edited
	}
	return msg, msg.Validate()
}
