// Package filterengine owns the per-connection kind-1 event cache and
// the rule-snapshot coordination that decides whether an upstream
// frame is forwarded to the client or dropped.
package filterengine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nostrgate/nostrgate/internal/filterdsl"
	"github.com/nostrgate/nostrgate/internal/nostrmsg"
)

const defaultRefreshInterval = 30 * time.Second

// Safelist flag bits.
const (
	FlagPostAllowed  = 1
	FlagFilterBypass = 2
	FlagBanned       = 4
)

// Canonical rejection reasons.
const (
	ReasonBannedNpub    = "banned_npub"
	ReasonKindBlacklist = "kind_blacklist"
	ReasonBotFilter     = "bot_filter"
	ReasonNotInSafelist = "not_in_safelist"
)

// ReasonFilterRule formats the rejection reason for a DSL rule match.
func ReasonFilterRule(ruleID int64) string {
	return fmt.Sprintf("filter_rule:%d", ruleID)
}

// RuleRow is one enabled filter rule as returned by the store.
type RuleRow struct {
	ID      int64
	Name    string
	DSLText string
}

// PolicyStore is the subset of the policy store used by the filter
// engine: npub/kind lookups, active rules, and the rejection log sink.
type PolicyStore interface {
	SafelistFlags(npub string) (flags int, found bool, err error)
	KindBlacklisted(kind int) (bool, error)
	ActiveRules() ([]RuleRow, error)
	LogRejection(eventID, pubkeyHex, npub, ip string, kind int, reason string) error
}

type compiledRule struct {
	ID     int64
	Name   string
	Filter *filterdsl.CompiledFilter
}

// Engine is created fresh for each client connection. It is not safe
// for concurrent use by more than one upstream-reading flow; its
// kind-1 cache assumes a single reader, per the proxy's b2c flow.
type Engine struct {
	store           PolicyStore
	refreshInterval time.Duration
	cache           filterdsl.Kind1Cache

	mu       sync.RWMutex
	rules    []compiledRule
	loadedAt time.Time
}

// New creates an Engine backed by store. A zero or negative
// refreshInterval falls back to the default 30-second snapshot age.
func New(store PolicyStore, refreshInterval time.Duration) *Engine {
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}
	return &Engine{
		store:           store,
		refreshInterval: refreshInterval,
		cache:           filterdsl.Kind1Cache{},
	}
}

// Evaluate inspects one upstream text frame and reports whether it
// should be dropped. Non-EVENT frames are never dropped. An EVENT frame
// whose payload fails to decode returns an error along with drop=false:
// the caller logs it and still forwards the frame (fail-open).
func (e *Engine) Evaluate(text []byte, ip string) (bool, error) {
	ev, ok, err := decodeEventFrame(text)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	npub, _ := ev.Npub()

	if e.isNpubBanned(npub) {
		e.logRejection(ev, npub, ip, ReasonBannedNpub)
		return true, nil
	}

	if e.isKindBlacklisted(ev.Kind) {
		e.logRejection(ev, npub, ip, ReasonKindBlacklist)
		return true, nil
	}

	if ev.Kind == 1 {
		e.cache[ev.ID] = ev.CreatedAt
	}

	e.reloadIfNeeded()

	bypass := e.isFilterBypass(npub)

	if !bypass {
		if ruleID, matched := e.matchRule(ev); matched {
			e.logRejection(ev, npub, ip, ReasonFilterRule(ruleID))
			return true, nil
		}
	}

	if (ev.Kind == 6 || ev.Kind == 7) && !bypass {
		if eTagID, ok := ev.FirstTagValue("e"); ok {
			if createdAt, hit := e.cache[eTagID]; hit && createdAt == ev.CreatedAt {
				e.logRejection(ev, npub, ip, ReasonBotFilter)
				return true, nil
			}
		}
	}

	return false, nil
}

// decodeEventFrame returns the event carried by an ["EVENT", sub_id, event]
// frame. ok=false means the frame is not an EVENT at all; a non-nil
// error means it is an EVENT whose payload would not decode.
func decodeEventFrame(text []byte) (*nostrmsg.Event, bool, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(text, &arr); err != nil || len(arr) < 3 {
		return nil, false, nil
	}
	var cmd string
	if err := json.Unmarshal(arr[0], &cmd); err != nil || cmd != "EVENT" {
		return nil, false, nil
	}
	var ev nostrmsg.Event
	if err := json.Unmarshal(arr[2], &ev); err != nil {
		return nil, false, fmt.Errorf("decode upstream EVENT payload: %w", err)
	}
	return &ev, true, nil
}

func (e *Engine) matchRule(ev *nostrmsg.Event) (int64, bool) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, r := range rules {
		if r.Filter.Matches(ev, e.cache) {
			return r.ID, true
		}
	}
	return 0, false
}

func (e *Engine) reloadIfNeeded() {
	e.mu.RLock()
	stale := time.Since(e.loadedAt) >= e.refreshInterval
	e.mu.RUnlock()
	if !stale {
		return
	}
	e.reload()
}

func (e *Engine) reload() {
	rows, err := e.store.ActiveRules()
	if err != nil {
		log.Error().Err(err).Msg("filterengine: failed to load active rules; keeping previous snapshot")
		return
	}

	compiled := make([]compiledRule, 0, len(rows))
	for _, row := range rows {
		cf, err := filterdsl.Compile(row.DSLText)
		if err != nil {
			log.Debug().Int64("rule_id", row.ID).Str("name", row.Name).Err(err).
				Msg("filterengine: skipping invalid filter rule")
			continue
		}
		compiled = append(compiled, compiledRule{ID: row.ID, Name: row.Name, Filter: cf})
	}

	e.mu.Lock()
	e.rules = compiled
	e.loadedAt = time.Now()
	e.mu.Unlock()
}

func (e *Engine) isNpubBanned(npub string) bool {
	if npub == "" {
		return false
	}
	flags, found, err := e.store.SafelistFlags(npub)
	if err != nil {
		log.Error().Err(err).Str("npub", npub).Msg("filterengine: safelist lookup failed; treating as not banned")
		return false
	}
	return found && flags&FlagBanned == FlagBanned
}

func (e *Engine) isFilterBypass(npub string) bool {
	if npub == "" {
		return false
	}
	flags, found, err := e.store.SafelistFlags(npub)
	if err != nil {
		log.Error().Err(err).Str("npub", npub).Msg("filterengine: safelist lookup failed; treating as no bypass")
		return false
	}
	return found && flags&FlagFilterBypass == FlagFilterBypass
}

func (e *Engine) isKindBlacklisted(kind int) bool {
	blacklisted, err := e.store.KindBlacklisted(kind)
	if err != nil {
		log.Error().Err(err).Int("kind", kind).Msg("filterengine: kind blacklist lookup failed; treating as not blacklisted")
		return false
	}
	return blacklisted
}

func (e *Engine) logRejection(ev *nostrmsg.Event, npub, ip, reason string) {
	logNpub := npub
	if logNpub == "" {
		logNpub = "unknown"
	}
	if err := e.store.LogRejection(ev.ID, ev.PubKey, logNpub, ip, ev.Kind, reason); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Str("reason", reason).Msg("filterengine: failed to record rejection")
		return
	}
	log.Debug().Str("event_id", ev.ID).Str("npub", logNpub).Str("reason", reason).Msg("filterengine: rejected event")
}
