package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/finance-engine/internal/model"
)

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

func newAccount(id, username string, cash int64) *model.Account {
	return &model.Account{
		UserID:    id,
		Username:  username,
		Cash:      d(cash),
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func newEvent(id, userID, symbol string, price, shares int64) *model.TradeEvent {
	return &model.TradeEvent{
		ID:        id,
		UserID:    userID,
		Symbol:    symbol,
		Price:     d(price),
		Shares:    shares,
		Total:     d(price * shares),
		Timestamp: time.Now().UTC().Truncate(time.Second),
	}
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "finance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := NewSQLiteStore(db)
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// newPostgresStore gives each test its own schema on the server at
// DATABASE_URL, dropped on cleanup.
func newPostgresStore(t *testing.T, url string) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	admin, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	schema := fmt.Sprintf("finance_test_%d", time.Now().UnixNano())
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close(context.Background())
	})

	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	st := NewPostgresStore(pool)
	require.NoError(t, st.Migrate(ctx))
	return st
}

// storeSuite runs the same behavioral checks against every Store implementation.
func storeSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("accounts", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()

		require.NoError(t, st.CreateAccount(ctx, newAccount("u1", "alice", 10000)))
		err := st.CreateAccount(ctx, newAccount("u2", "alice", 10000))
		assert.True(t, errors.Is(err, ErrDuplicateUsername), "expected ErrDuplicateUsername, got %v", err)

		acct, err := st.GetAccountByUsername(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "u1", acct.UserID)
		assert.True(t, acct.Cash.Equal(d(10000)))

		_, err = st.GetAccount(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = st.GetCash(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("adjust cash rejects negative", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.CreateAccount(ctx, newAccount("u1", "alice", 100)))

		require.NoError(t, st.AdjustCash(ctx, "u1", d(-40)))
		err := st.AdjustCash(ctx, "u1", d(-61))
		assert.True(t, errors.Is(err, ErrNegativeBalance), "expected ErrNegativeBalance, got %v", err)

		cash, err := st.GetCash(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, cash.Equal(d(60)), "cash = %s", cash)

		assert.True(t, errors.Is(st.AdjustCash(ctx, "missing", d(1)), ErrNotFound))
	})

	t.Run("ledger order and holdings", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.CreateAccount(ctx, newAccount("u1", "alice", 10000)))
		require.NoError(t, st.CreateAccount(ctx, newAccount("u2", "bob", 10000)))

		require.NoError(t, st.AppendTrade(ctx, newEvent("e1", "u1", "MSFT", 10, 3)))
		require.NoError(t, st.AppendTrade(ctx, newEvent("e2", "u1", "AAPL", 10, 5)))
		require.NoError(t, st.AppendTrade(ctx, newEvent("e3", "u1", "MSFT", 12, -3)))
		require.NoError(t, st.AppendTrade(ctx, newEvent("e4", "u2", "TSLA", 20, 1)))

		events, err := st.TradesByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, []string{"e1", "e2", "e3"}, []string{events[0].ID, events[1].ID, events[2].ID})
		assert.True(t, events[2].Total.Equal(d(-36)))

		msft, err := st.TradesByUserAndSymbol(ctx, "u1", "MSFT")
		require.NoError(t, err)
		assert.Len(t, msft, 2)

		holdings, err := st.Holdings(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []model.Holding{{Symbol: "AAPL", Shares: 5}, {Symbol: "MSFT", Shares: 0}}, holdings)

		held, err := st.HeldSymbols(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"AAPL", "TSLA"}, held)
	})

	t.Run("rejects events a NUMERIC(_, 4) row cannot hold", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.CreateAccount(ctx, newAccount("u1", "alice", 100)))

		unrounded := newEvent("e1", "u1", "AAPL", 1, 3)
		unrounded.Price = decimal.RequireFromString("0.12345")
		unrounded.Total = decimal.RequireFromString("0.37035")
		mismatched := newEvent("e2", "u1", "AAPL", 10, 3)
		mismatched.Total = d(31)
		zero := newEvent("e3", "u1", "AAPL", 10, 0)

		for _, ev := range []*model.TradeEvent{unrounded, mismatched, zero} {
			err := st.AppendTrade(ctx, ev)
			assert.True(t, errors.Is(err, ErrInvalidTrade), "%s: expected ErrInvalidTrade, got %v", ev.ID, err)
		}

		err := st.WithinUserTx(ctx, "u1", func(tx Tx) error {
			return tx.AppendTrade(ctx, unrounded)
		})
		assert.True(t, errors.Is(err, ErrInvalidTrade), "expected ErrInvalidTrade in tx, got %v", err)

		events, err := st.TradesByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("tx commits together", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.CreateAccount(ctx, newAccount("u1", "alice", 1000)))

		err := st.WithinUserTx(ctx, "u1", func(tx Tx) error {
			if err := tx.AppendTrade(ctx, newEvent("e1", "u1", "AAPL", 100, 4)); err != nil {
				return err
			}
			held, err := tx.SharesHeld(ctx, "AAPL")
			if err != nil {
				return err
			}
			assert.Equal(t, int64(4), held, "tx should see its own append")
			return tx.AdjustCash(ctx, d(-400))
		})
		require.NoError(t, err)

		cash, _ := st.GetCash(ctx, "u1")
		assert.True(t, cash.Equal(d(600)), "cash = %s", cash)
		events, _ := st.TradesByUser(ctx, "u1")
		assert.Len(t, events, 1)
	})

	t.Run("tx rolls back on error", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.CreateAccount(ctx, newAccount("u1", "alice", 100)))

		err := st.WithinUserTx(ctx, "u1", func(tx Tx) error {
			if err := tx.AppendTrade(ctx, newEvent("e1", "u1", "AAPL", 100, 4)); err != nil {
				return err
			}
			// 400 > 100: the balance guard rejects, so the append must vanish too.
			return tx.AdjustCash(ctx, d(-400))
		})
		assert.True(t, errors.Is(err, ErrNegativeBalance), "expected ErrNegativeBalance, got %v", err)

		cash, _ := st.GetCash(ctx, "u1")
		assert.True(t, cash.Equal(d(100)))
		events, _ := st.TradesByUser(ctx, "u1")
		assert.Empty(t, events)
	})

	t.Run("tx unknown user", func(t *testing.T) {
		st := newStore(t)
		err := st.WithinUserTx(context.Background(), "missing", func(Tx) error { return nil })
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("tx serializes same user", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.CreateAccount(ctx, newAccount("u1", "alice", 0)))
		require.NoError(t, st.AppendTrade(ctx, newEvent("seed", "u1", "AAPL", 10, 5)))

		// Five concurrent read-check-write sells of 2 shares: only two fit.
		var wg sync.WaitGroup
		var mu sync.Mutex
		sold := 0
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				st.WithinUserTx(ctx, "u1", func(tx Tx) error {
					held, err := tx.SharesHeld(ctx, "AAPL")
					if err != nil || held < 2 {
						return errors.New("not enough")
					}
					ev := newEvent("sell-"+string(rune('a'+i)), "u1", "AAPL", 10, -2)
					if err := tx.AppendTrade(ctx, ev); err != nil {
						return err
					}
					mu.Lock()
					sold++
					mu.Unlock()
					return tx.AdjustCash(ctx, d(20))
				})
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 2, sold)
		holdings, _ := st.Holdings(ctx, "u1")
		assert.Equal(t, []model.Holding{{Symbol: "AAPL", Shares: 1}}, holdings)
		cash, _ := st.GetCash(ctx, "u1")
		assert.True(t, cash.Equal(d(40)), "cash = %s", cash)
	})
}

func TestMemoryStore(t *testing.T) {
	storeSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	storeSuite(t, func(t *testing.T) Store { return newSQLiteStore(t) })
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	storeSuite(t, func(t *testing.T) Store { return newPostgresStore(t, url) })
}

func TestPostgresStore_StoresMoneyScale(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	st := newPostgresStore(t, url)
	ctx := context.Background()
	require.NoError(t, st.CreateAccount(ctx, newAccount("u1", "alice", 10000)))

	ev := newEvent("e1", "u1", "AAPL", 1, 2)
	ev.Price = decimal.RequireFromString("189.8438")
	ev.Total = decimal.RequireFromString("379.6876")
	require.NoError(t, st.WithinUserTx(ctx, "u1", func(tx Tx) error {
		if err := tx.AppendTrade(ctx, ev); err != nil {
			return err
		}
		return tx.AdjustCash(ctx, ev.Total.Neg())
	}))

	events, err := st.TradesByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Price.Equal(ev.Price), "price = %s", events[0].Price)
	assert.True(t, events[0].Total.Equal(ev.Total), "total = %s", events[0].Total)

	cash, err := st.GetCash(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, cash.Equal(decimal.RequireFromString("9620.3124")), "cash = %s", cash)
}

func TestSQLiteStore_DecimalPrecision(t *testing.T) {
	st := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CreateAccount(ctx, newAccount("u1", "alice", 10000)))

	ev := &model.TradeEvent{
		ID:        "e1",
		UserID:    "u1",
		Symbol:    "AAPL",
		Price:     decimal.RequireFromString("189.8437"),
		Shares:    3,
		Total:     decimal.RequireFromString("569.5311"),
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, st.AppendTrade(ctx, ev))
	require.NoError(t, st.AdjustCash(ctx, "u1", ev.Total.Neg()))

	events, err := st.TradesByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "189.8437", events[0].Price.String())
	assert.Equal(t, "569.5311", events[0].Total.String())

	cash, err := st.GetCash(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "9430.4689", cash.String())
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	st, closeFn, err := Open(ctx, Options{})
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &MemoryStore{}, st)

	st, closeFn, err = Open(ctx, Options{SQLitePath: filepath.Join(t.TempDir(), "open.db"), Migrate: true})
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &SQLiteStore{}, st)
	require.NoError(t, st.CreateAccount(ctx, newAccount("u1", "alice", 1)))

	_, _, err = Open(ctx, Options{RedisURL: "redis://localhost:6379"})
	assert.Error(t, err, "a cache without a database is rejected")
}
