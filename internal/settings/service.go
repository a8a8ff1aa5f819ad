// Package settings is the broker's dynamic configuration layer. Every knob
// an admin can change at runtime lives here as a typed, validated setting.
// Reads resolve through: in-memory cache (5s TTL) -> last value successfully
// read from the DB -> env var fallback -> compiled default, so a database
// outage degrades to stale-but-sane values instead of failures.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentim/agentim/internal/bus"
	"github.com/agentim/agentim/internal/store"
)

// Source says where a resolved value came from.
type Source string

const (
	SourceDB      Source = "db"
	SourceEnv     Source = "env"
	SourceDefault Source = "default"
)

// DefaultCacheTTL bounds staleness of cached reads.
const DefaultCacheTTL = 5 * time.Second

const secretMask = "***"

// ErrUnknownKey is returned for keys with no definition.
var ErrUnknownKey = errors.New("unknown setting key")

type cacheEntry struct {
	value   string
	source  Source
	fetched time.Time
}

// Service resolves and updates settings.
type Service struct {
	store  store.SettingStore
	pub    bus.Publisher
	aesKey []byte
	ttl    time.Duration

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	lastKnown map[string]string // last value successfully read from the DB
}

// Options configures a Service.
type Options struct {
	EncryptionKey string        // raw key material for sensitive settings; empty disables them
	CacheTTL      time.Duration // defaults to DefaultCacheTTL
}

// New builds a Service. When pub is non-nil the service listens for
// setting-change events and evicts its cache, so writes made elsewhere
// (another replica via LISTEN/NOTIFY) become visible within one read.
func New(st store.SettingStore, pub bus.Publisher, opts Options) *Service {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	s := &Service{
		store:     st,
		pub:       pub,
		ttl:       ttl,
		cache:     make(map[string]cacheEntry),
		lastKnown: make(map[string]string),
	}
	if opts.EncryptionKey != "" {
		s.aesKey = deriveKey(opts.EncryptionKey)
	}
	if pub != nil {
		pub.Subscribe("settings-cache", func(e bus.Event) {
			if e.Name != bus.EventSettingChanged {
				return
			}
			if p, ok := e.Payload.(bus.InvalidatePayload); ok {
				s.evict(p.Key)
			}
		})
	}
	return s
}

// Close detaches the service from the bus.
func (s *Service) Close() {
	if s.pub != nil {
		s.pub.Unsubscribe("settings-cache")
	}
}

// Get resolves a setting to its string value. It only errors for unknown
// keys; storage failures degrade through the fallback chain.
func (s *Service) Get(ctx context.Context, key string) (string, error) {
	val, _, err := s.resolve(ctx, key)
	return val, err
}

func (s *Service) resolve(ctx context.Context, key string) (string, Source, error) {
	def, ok := Lookup(key)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	s.mu.RLock()
	if e, hit := s.cache[key]; hit && time.Since(e.fetched) < s.ttl {
		s.mu.RUnlock()
		return e.value, e.source, nil
	}
	s.mu.RUnlock()

	row, err := s.store.Get(ctx, key)
	if err == nil {
		val := row.Value
		usable := true
		if def.Sensitive {
			switch {
			case s.aesKey == nil:
				slog.Error("sensitive setting stored but no encryption key configured", "key", key)
				usable = false
			default:
				dec, derr := decryptValue(s.aesKey, val)
				if derr != nil {
					slog.Error("sensitive setting unreadable", "key", key, "error", derr)
					usable = false
				} else {
					val = dec
				}
			}
		}
		if usable {
			s.remember(key, val, SourceDB, true)
			return val, SourceDB, nil
		}
		// Unreadable row degrades to the env/default chain below.
	} else if !errors.Is(err, store.ErrNotFound) {
		slog.Warn("setting read failed, falling back", "key", key, "error", err)
		s.mu.RLock()
		lk, have := s.lastKnown[key]
		s.mu.RUnlock()
		if have {
			return lk, SourceDB, nil
		}
	}

	if def.EnvKey != "" {
		if v := os.Getenv(def.EnvKey); v != "" {
			if verr := def.validate(v); verr == nil {
				s.remember(key, v, SourceEnv, false)
				return v, SourceEnv, nil
			}
			slog.Warn("ignoring invalid env value for setting", "key", key, "env", def.EnvKey)
		}
	}

	s.remember(key, def.Default, SourceDefault, false)
	return def.Default, SourceDefault, nil
}

func (s *Service) remember(key, value string, src Source, fromDB bool) {
	s.mu.Lock()
	s.cache[key] = cacheEntry{value: value, source: src, fetched: time.Now()}
	if fromDB {
		s.lastKnown[key] = value
	}
	s.mu.Unlock()
}

func (s *Service) evict(key string) {
	s.mu.Lock()
	if key == "" {
		s.cache = make(map[string]cacheEntry)
	} else {
		delete(s.cache, key)
	}
	s.mu.Unlock()
}

// Set validates, persists, and announces a new value. Sensitive settings
// require an encryption key and are sealed before they touch the DB.
func (s *Service) Set(ctx context.Context, key, value string) error {
	def, ok := Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := def.validate(value); err != nil {
		return err
	}

	stored := value
	if def.Sensitive {
		if s.aesKey == nil {
			return fmt.Errorf("setting %s is sensitive and no encryption key is configured", key)
		}
		enc, err := encryptValue(s.aesKey, value)
		if err != nil {
			return err
		}
		stored = enc
	}

	if err := s.store.Set(ctx, &store.Setting{Key: key, Value: stored, UpdatedAt: time.Now().UTC()}); err != nil {
		return fmt.Errorf("persist setting %s: %w", key, err)
	}

	s.evict(key)
	if s.pub != nil {
		s.pub.Broadcast(bus.Event{
			Name:    bus.EventSettingChanged,
			Payload: bus.InvalidatePayload{Kind: "settings", Key: key},
		})
	}
	return nil
}

// Resolved is one setting as presented to admins: sensitive values masked.
type Resolved struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Type        Type   `json:"type"`
	Source      Source `json:"source"`
	Sensitive   bool   `json:"sensitive"`
	Description string `json:"description"`
}

// List resolves every known setting. Sensitive values are replaced with a
// mask when set and left empty when unset.
func (s *Service) List(ctx context.Context) []Resolved {
	keys := Keys()
	out := make([]Resolved, 0, len(keys))
	for _, key := range keys {
		def, _ := Lookup(key)
		val, src, err := s.resolve(ctx, key)
		if err != nil {
			continue
		}
		if def.Sensitive && val != "" {
			val = secretMask
		}
		out = append(out, Resolved{
			Key:         key,
			Value:       val,
			Type:        def.Type,
			Source:      src,
			Sensitive:   def.Sensitive,
			Description: def.Description,
		})
	}
	return out
}

// GetInt resolves a numeric setting. Unparseable values fall back to the
// definition default, which is statically valid.
func (s *Service) GetInt(ctx context.Context, key string) int {
	raw, err := s.Get(ctx, key)
	if err != nil {
		slog.Error("GetInt on unknown setting", "key", key)
		return 0
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int(f)
	}
	def, _ := Lookup(key)
	n, _ := strconv.Atoi(def.Default)
	return n
}

// GetBool resolves a boolean setting.
func (s *Service) GetBool(ctx context.Context, key string) bool {
	raw, err := s.Get(ctx, key)
	if err != nil {
		slog.Error("GetBool on unknown setting", "key", key)
		return false
	}
	return raw == "true" || raw == "1"
}

// GetDuration resolves a millisecond-valued numeric setting.
func (s *Service) GetDuration(ctx context.Context, key string) time.Duration {
	return time.Duration(s.GetInt(ctx, key)) * time.Millisecond
}

// GetExpiry resolves an expiry setting like "15m" or "7d".
func (s *Service) GetExpiry(ctx context.Context, key string) time.Duration {
	raw, err := s.Get(ctx, key)
	if err != nil {
		slog.Error("GetExpiry on unknown setting", "key", key)
		return 0
	}
	d, perr := ParseExpiry(raw)
	if perr != nil {
		def, _ := Lookup(key)
		d, _ = ParseExpiry(def.Default)
	}
	return d
}

// ParseExpiry parses a Go duration, additionally accepting a "d" suffix
// for whole days ("7d" = 168h).
func ParseExpiry(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid expiry %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
