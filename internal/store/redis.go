package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/finance-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache for the derived per-user views. Writes go to the
// primary store and invalidate the cache; reads check Redis first then
// fall back to the primary. Cash is never cached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store. ttl must
// be positive; config.Load enforces that for CACHE_TTL.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) AppendTrade(ctx context.Context, event *model.TradeEvent) error {
	if err := s.primary.AppendTrade(ctx, event); err != nil {
		return err
	}
	s.invalidate(ctx, event.UserID)
	return nil
}

func (s *CachedStore) WithinUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	if err := s.primary.WithinUserTx(ctx, userID, fn); err != nil {
		return err
	}
	// Invalidate only after commit; next read will re-populate.
	s.invalidate(ctx, userID)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) Holdings(ctx context.Context, userID string) ([]model.Holding, error) {
	var holdings []model.Holding
	if s.get(ctx, holdingsKey(userID), &holdings) {
		return holdings, nil
	}

	gen, ok := s.generation(ctx, userID)
	holdings, err := s.primary.Holdings(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, userID, holdingsKey(userID), gen, holdings)
	}
	return holdings, nil
}

func (s *CachedStore) TradesByUser(ctx context.Context, userID string) ([]model.TradeEvent, error) {
	var events []model.TradeEvent
	if s.get(ctx, historyKey(userID), &events) {
		return events, nil
	}

	gen, ok := s.generation(ctx, userID)
	events, err := s.primary.TradesByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.fill(ctx, userID, historyKey(userID), gen, events)
	}
	return events, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, acct *model.Account) error {
	return s.primary.CreateAccount(ctx, acct)
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, userID)
}

func (s *CachedStore) GetAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	return s.primary.GetAccountByUsername(ctx, username)
}

func (s *CachedStore) GetCash(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.primary.GetCash(ctx, userID)
}

func (s *CachedStore) AdjustCash(ctx context.Context, userID string, delta decimal.Decimal) error {
	return s.primary.AdjustCash(ctx, userID, delta)
}

func (s *CachedStore) TradesByUserAndSymbol(ctx context.Context, userID, symbol string) ([]model.TradeEvent, error) {
	return s.primary.TradesByUserAndSymbol(ctx, userID, symbol)
}

func (s *CachedStore) HeldSymbols(ctx context.Context) ([]string, error) {
	return s.primary.HeldSymbols(ctx)
}

// --- Cache helpers ---

// fillScript stores a value only if the user's generation is unchanged
// since the fill read the primary. KEYS: generation, value. ARGV: the
// generation seen, the payload, the TTL in milliseconds.
var fillScript = redis.NewScript(`
if (redis.call('GET', KEYS[1]) or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// generation must be read before the primary so a commit landing between
// the primary read and the fill is detected. ok is false if Redis is
// unreachable, in which case the caller skips the fill.
func (s *CachedStore) generation(ctx context.Context, userID string) (string, bool) {
	gen, err := s.rdb.Get(ctx, generationKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	if err != nil {
		return "", false
	}
	return gen, true
}

func (s *CachedStore) fill(ctx context.Context, userID, key, gen string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = fillScript.Run(ctx, s.rdb, []string{generationKey(userID), key}, gen, data, s.ttl.Milliseconds()).Err()
	if err != nil {
		slog.Debug("cache fill skipped", "key", key, "err", err)
	}
}

// invalidate bumps the generation before dropping the views, so any fill
// that read the primary before this commit is refused.
func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(userID))
		pipe.Del(ctx, holdingsKey(userID), historyKey(userID))
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

func holdingsKey(uid string) string { return fmt.Sprintf("holdings:%s", uid) }
func historyKey(uid string) string  { return fmt.Sprintf("history:%s", uid) }

func generationKey(uid string) string { return fmt.Sprintf("cachegen:%s", uid) }
