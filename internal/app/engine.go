// Package app wires storage, session, drafts, notifications and the
// pollers into one client engine, and serves the local status API.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"assembly/client/internal/drafts"
	"assembly/client/internal/notify"
	"assembly/client/internal/observable"
	"assembly/client/internal/platform"
	"assembly/client/internal/poller"
	"assembly/client/internal/session"
	"assembly/client/internal/storage"
	"assembly/client/internal/tabsync"
)

// PlatformAPI is the slice of the platform client the engine consumes.
type PlatformAPI interface {
	session.API
	Proposals(ctx context.Context, accessToken string) ([]platform.Proposal, error)
	Tally(ctx context.Context, accessToken, proposalID string) (platform.VoteTally, error)
	KYCStatus(ctx context.Context, accessToken string) (platform.KYCStatus, error)
}

// Options collects the knobs the engine passes down to its parts.
type Options struct {
	ProfileID    string
	PollBase     time.Duration
	PollMax      time.Duration
	PollMaxFails int
	MinResumeGap time.Duration
	FetchTimeout time.Duration

	DebounceWindow time.Duration
	DraftCeiling   int

	Notify notify.Options

	SessionCacheTTL time.Duration
	// OnLoginRedirect fires when no credential path works. nil logs.
	OnLoginRedirect func()
}

// Engine is one running client instance.
type Engine struct {
	store     storage.Store
	sessions  *session.Orchestrator
	notifier  *notify.Center
	profileID string

	// draftMu guards the draft store, its autosaver and the notifier;
	// poller subscriptions and HTTP handlers funnel through it.
	draftMu   sync.Mutex
	drafts    *drafts.Store
	autosaver *drafts.Autosaver

	proposals *poller.Poller[[]platform.Proposal]
	tallies   *poller.Poller[[]platform.VoteTally]
	kyc       *poller.Poller[platform.KYCStatus]

	deltaMu        sync.Mutex
	knownProposals map[string]bool
	deadlineSeen   map[string]bool
	lastKYC        string
	watchedTallies []string

	visible   *observable.Value[bool]
	unsubs    []func()
	stopSync  func()
	closeOnce sync.Once
}

// guardedFetch wraps a token-taking fetch so each poll resolves a
// credential first. An unauthenticated member surfaces as a fetch
// failure and backs off like any other.
func guardedFetch[T any](sessions *session.Orchestrator, fetch func(ctx context.Context, token string) (T, error)) func(ctx context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		var out T
		err := sessions.GuardedCall(ctx, func(ctx context.Context, token string, _ session.Identity) error {
			var err error
			out, err = fetch(ctx, token)
			return err
		})
		return out, err
	}
}

// New assembles an engine on top of an opened storage backend and the
// platform client.
func New(store storage.Store, api PlatformAPI, opts Options) *Engine {
	e := &Engine{
		store:          store,
		profileID:      opts.ProfileID,
		knownProposals: map[string]bool{},
		deadlineSeen:   map[string]bool{},
		visible:        observable.New(true),
	}

	redirect := opts.OnLoginRedirect
	if redirect == nil {
		redirect = func() { log.Print("session: all credential paths failed, member must sign in again") }
	}
	e.sessions = session.New(api, store, opts.SessionCacheTTL, redirect)

	e.drafts = drafts.NewStore(store, opts.ProfileID, opts.DraftCeiling)
	e.autosaver = drafts.NewAutosaver(e.drafts, opts.DebounceWindow)
	e.notifier = notify.NewCenter(store, opts.Notify)

	pollOpts := poller.Options{
		BaseInterval: opts.PollBase,
		MaxInterval:  opts.PollMax,
		MaxFailures:  opts.PollMaxFails,
		MinResumeGap: opts.MinResumeGap,
		FetchTimeout: opts.FetchTimeout,
	}
	e.proposals = poller.New("proposals", guardedFetch(e.sessions, api.Proposals), pollOpts)
	e.tallies = poller.New("tallies", guardedFetch(e.sessions, func(ctx context.Context, token string) ([]platform.VoteTally, error) {
		return e.fetchTallies(ctx, api, token)
	}), pollOpts)
	e.kyc = poller.New("kyc", guardedFetch(e.sessions, api.KYCStatus), pollOpts)

	e.unsubs = append(e.unsubs,
		e.proposals.Value().Subscribe(e.onProposals),
		e.kyc.Value().Subscribe(e.onKYC),
	)

	e.stopSync = tabsync.Setup(store, []string{
		drafts.Key(opts.ProfileID),
		notify.StorageKey,
		notify.PrefsKey,
	}, e.onExternalChange)

	return e
}

// Start kicks off all pollers.
func (e *Engine) Start() {
	e.proposals.Start()
	e.tallies.Start()
	e.kyc.Start()
}

// SetVisible suspends or resumes polling. Draft autosaving is
// unaffected; edits made while hidden still flush.
func (e *Engine) SetVisible(visible bool) {
	e.visible.Set(visible)
	e.proposals.SetVisible(visible)
	e.tallies.SetVisible(visible)
	e.kyc.SetVisible(visible)
	log.Printf("engine: visibility -> %v", visible)
}

// Close flushes pending drafts and stops polling and cross-instance
// sync. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.autosaver.Close()
		e.proposals.Close()
		e.tallies.Close()
		e.kyc.Close()
		for _, unsub := range e.unsubs {
			unsub()
		}
		e.stopSync()
		if closer, ok := e.store.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				log.Printf("engine: close storage: %v", err)
			}
		}
	})
}

// fetchTallies fetches the running count for every proposal currently
// in a voting state.
func (e *Engine) fetchTallies(ctx context.Context, api PlatformAPI, token string) ([]platform.VoteTally, error) {
	e.deltaMu.Lock()
	ids := make([]string, len(e.watchedTallies))
	copy(ids, e.watchedTallies)
	e.deltaMu.Unlock()

	out := make([]platform.VoteTally, 0, len(ids))
	for _, id := range ids {
		tally, err := api.Tally(ctx, token, id)
		if err != nil {
			return nil, fmt.Errorf("tally %s: %w", id, err)
		}
		out = append(out, tally)
	}
	return out, nil
}

// onProposals reacts to a fresh proposals result: updates the tally
// watch list and emits notifications for new proposals and approaching
// deadlines.
func (e *Engine) onProposals(list []platform.Proposal) {
	now := time.Now()

	e.deltaMu.Lock()
	var watched []string
	type emission struct{ class, subject, title, body string }
	var emissions []emission
	for _, p := range list {
		if p.Status == "voting" {
			watched = append(watched, p.ID)
		}
		if !e.knownProposals[p.ID] {
			e.knownProposals[p.ID] = true
			emissions = append(emissions, emission{"proposal", p.ID, "New proposal", p.Title})
		}
		deadline := p.VoteDeadline
		if p.Status == "voting" && !deadline.IsZero() && !e.deadlineSeen[p.ID] {
			if remaining := deadline.Sub(now); remaining > 0 && remaining < 24*time.Hour {
				e.deadlineSeen[p.ID] = true
				emissions = append(emissions, emission{"deadline", p.ID, "Vote closing soon", p.Title})
			}
		}
	}
	e.watchedTallies = watched
	e.deltaMu.Unlock()

	e.draftMu.Lock()
	for _, em := range emissions {
		e.notifier.TryEmit(em.class, em.subject, em.title, em.body)
	}
	e.draftMu.Unlock()
}

// onKYC emits a notification when the verification status changes.
func (e *Engine) onKYC(status platform.KYCStatus) {
	e.deltaMu.Lock()
	changed := e.lastKYC != "" && e.lastKYC != status.Status
	e.lastKYC = status.Status
	e.deltaMu.Unlock()

	if changed {
		e.draftMu.Lock()
		e.notifier.TryEmit("kyc", "status", "Verification updated", "Your verification status is now "+status.Status)
		e.draftMu.Unlock()
	}
}

// onExternalChange re-hydrates local mirrors when another instance
// writes one of the watched keys. Last write wins.
func (e *Engine) onExternalChange(key string, version int, data json.RawMessage) {
	switch key {
	case drafts.Key(e.profileID):
		var list []drafts.Draft
		if err := json.Unmarshal(data, &list); err != nil {
			log.Printf("engine: rehydrate drafts: %v", err)
			return
		}
		e.draftMu.Lock()
		e.drafts.Replace(list)
		e.draftMu.Unlock()
	case notify.StorageKey:
		var list []notify.Notification
		if err := json.Unmarshal(data, &list); err != nil {
			log.Printf("engine: rehydrate notifications: %v", err)
			return
		}
		e.draftMu.Lock()
		e.notifier.Replace(list)
		e.draftMu.Unlock()
	case notify.PrefsKey:
		var prefs map[string]bool
		if err := json.Unmarshal(data, &prefs); err != nil {
			log.Printf("engine: rehydrate notification prefs: %v", err)
			return
		}
		e.draftMu.Lock()
		e.notifier.ReplacePrefs(prefs)
		e.draftMu.Unlock()
	}
}

// CreateDraft adds a draft and persists immediately.
func (e *Engine) CreateDraft(title, body string) (drafts.Draft, error) {
	e.draftMu.Lock()
	defer e.draftMu.Unlock()
	return e.drafts.Create(title, body)
}

// UpdateDraft schedules a debounced partial update.
func (e *Engine) UpdateDraft(id string, patch drafts.Patch) error {
	e.draftMu.Lock()
	defer e.draftMu.Unlock()
	if _, ok := e.drafts.Get(id); !ok {
		return drafts.ErrNotFound
	}
	e.autosaver.ScheduleUpdate(id, patch)
	return nil
}

// DeleteDraft flushes pending edits first so a just-edited draft is not
// resurrected by a late flush.
func (e *Engine) DeleteDraft(id string) error {
	e.autosaver.FlushNow()
	e.draftMu.Lock()
	defer e.draftMu.Unlock()
	return e.drafts.Delete(id)
}

func (e *Engine) Drafts() []drafts.Draft {
	e.draftMu.Lock()
	defer e.draftMu.Unlock()
	return e.drafts.List()
}

// FlushDrafts forces pending edits to disk now.
func (e *Engine) FlushDrafts() {
	e.autosaver.FlushNow()
}

func (e *Engine) Notifications() []notify.Notification {
	e.draftMu.Lock()
	defer e.draftMu.Unlock()
	return e.notifier.List()
}

func (e *Engine) MarkNotificationRead(id string) bool {
	e.draftMu.Lock()
	defer e.draftMu.Unlock()
	return e.notifier.MarkRead(id)
}

// SetNotificationsEnabled toggles a notification class; the preference
// persists and reaches other instances through storage sync.
func (e *Engine) SetNotificationsEnabled(class string, enabled bool) {
	e.draftMu.Lock()
	defer e.draftMu.Unlock()
	e.notifier.SetEnabled(class, enabled)
}

// Status reports the member identity behind the current credential.
func (e *Engine) Status(ctx context.Context) (session.Identity, error) {
	return e.sessions.Status(ctx)
}

// pollerByName resolves the status-API poller names.
func (e *Engine) pollerByName(name string) (interface {
	Retry()
	ManualRefresh()
	State() *observable.Value[poller.State]
}, bool) {
	switch name {
	case "proposals":
		return e.proposals, true
	case "tallies":
		return e.tallies, true
	case "kyc":
		return e.kyc, true
	}
	return nil, false
}
