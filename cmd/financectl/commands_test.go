package main

import (
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/finance-engine/internal/portfolio"
	"github.com/papertrade/finance-engine/internal/quote"
	"github.com/papertrade/finance-engine/internal/store"
)

type cli struct {
	app    *app
	out    *bytes.Buffer
	quotes *quote.StaticProvider
}

// newCLI shares one in-memory store across invocations, like a database
// would across separate runs of the binary.
func newCLI() *cli {
	st := store.NewMemoryStore()
	quotes := quote.NewStaticProvider(map[string]decimal.Decimal{
		"AAPL": decimal.NewFromInt(100),
		"MSFT": decimal.RequireFromString("250.25"),
	})
	svc := portfolio.NewService(st, quotes, decimal.NewFromInt(10000))

	out := &bytes.Buffer{}
	a := &app{
		out: out,
		open: func(context.Context, bool) (*portfolio.Service, func(), error) {
			return svc, func() {}, nil
		},
	}
	return &cli{app: a, out: out, quotes: quotes}
}

func (c *cli) run(args ...string) subcommands.ExitStatus {
	c.out.Reset()
	fs := flag.NewFlagSet("financectl", flag.ContinueOnError)
	commander := subcommands.NewCommander(fs, "financectl")
	for _, cmd := range commands(c.app) {
		commander.Register(cmd, "")
	}
	if err := fs.Parse(args); err != nil {
		return subcommands.ExitUsageError
	}
	return commander.Execute(context.Background())
}

func TestCLI_TradeFlow(t *testing.T) {
	c := newCLI()

	require.Equal(t, subcommands.ExitSuccess, c.run("register", "-username", "alice"))
	assert.Contains(t, c.out.String(), "registered alice")
	assert.Contains(t, c.out.String(), "$10,000.00")

	require.Equal(t, subcommands.ExitSuccess, c.run("buy", "-user", "alice", "aapl", "10"))
	assert.Contains(t, c.out.String(), "Bought 10 AAPL at $100.00 for $1,000.00, cash now $9,000.00")

	require.Equal(t, subcommands.ExitSuccess, c.run("sell", "-user", "alice", "AAPL", "4"))
	assert.Contains(t, c.out.String(), "Sold 4 AAPL")

	require.Equal(t, subcommands.ExitSuccess, c.run("holdings", "-user", "alice"))
	lines := strings.Split(strings.TrimSpace(c.out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "AAPL")
	assert.Contains(t, lines[1], "6")

	require.Equal(t, subcommands.ExitSuccess, c.run("value", "-user", "alice"))
	assert.Contains(t, c.out.String(), "$600.00")
	assert.Contains(t, c.out.String(), "$9,400.00")
	assert.Contains(t, c.out.String(), "$10,000.00")

	require.Equal(t, subcommands.ExitSuccess, c.run("history", "-user", "alice"))
	lines = strings.Split(strings.TrimSpace(c.out.String()), "\n")
	assert.Len(t, lines, 3)
}

func TestCLI_Quote(t *testing.T) {
	c := newCLI()

	require.Equal(t, subcommands.ExitSuccess, c.run("quote", "msft"))
	assert.Contains(t, c.out.String(), "(MSFT) costs $250.25")

	assert.Equal(t, subcommands.ExitFailure, c.run("quote", "ZZZZ"))
	assert.Equal(t, subcommands.ExitUsageError, c.run("quote"))
}

func TestCLI_Rejections(t *testing.T) {
	c := newCLI()
	require.Equal(t, subcommands.ExitSuccess, c.run("register", "-username", "bob"))

	assert.Equal(t, subcommands.ExitFailure, c.run("register", "-username", "bob"), "duplicate username")
	assert.Equal(t, subcommands.ExitFailure, c.run("buy", "-user", "bob", "AAPL", "101"), "insufficient funds")
	assert.Equal(t, subcommands.ExitFailure, c.run("sell", "-user", "bob", "AAPL", "1"), "nothing held")
	assert.Equal(t, subcommands.ExitFailure, c.run("buy", "-user", "nobody", "AAPL", "1"), "unknown user")
	assert.Equal(t, subcommands.ExitUsageError, c.run("buy", "-user", "bob", "AAPL", "1.5"))
	assert.Equal(t, subcommands.ExitUsageError, c.run("buy", "AAPL", "1"))
	assert.Equal(t, subcommands.ExitUsageError, c.run("register"))
}

func TestCLI_Migrate(t *testing.T) {
	c := newCLI()
	var migrated bool
	open := c.app.open
	c.app.open = func(ctx context.Context, migrate bool) (*portfolio.Service, func(), error) {
		migrated = migrate
		return open(ctx, migrate)
	}

	require.Equal(t, subcommands.ExitSuccess, c.run("migrate"))
	assert.True(t, migrated)
	assert.Contains(t, c.out.String(), "schema up to date")
}
