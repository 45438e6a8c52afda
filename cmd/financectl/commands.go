package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/papertrade/finance-engine/internal/money"
	"github.com/papertrade/finance-engine/internal/portfolio"
)

// app carries what every command needs. open is swapped out in tests.
type app struct {
	out  io.Writer
	open func(ctx context.Context, migrate bool) (*portfolio.Service, func(), error)
}

func commands(a *app) []subcommands.Command {
	return []subcommands.Command{
		&migrateCmd{app: a},
		&registerCmd{app: a},
		&quoteCmd{app: a},
		&tradeCmd{app: a, sell: false},
		&tradeCmd{app: a, sell: true},
		&holdingsCmd{app: a},
		&valueCmd{app: a},
		&historyCmd{app: a},
	}
}

func (a *app) fail(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// withService opens the store for the duration of fn.
func (a *app) withService(ctx context.Context, migrate bool, fn func(*portfolio.Service) error) subcommands.ExitStatus {
	svc, closeFn, err := a.open(ctx, migrate)
	if err != nil {
		return a.fail("%v", err)
	}
	defer closeFn()
	if err := fn(svc); err != nil {
		return a.fail("%v", err)
	}
	return subcommands.ExitSuccess
}

// resolveUser accepts a username and returns the account's user ID.
func resolveUser(ctx context.Context, svc *portfolio.Service, username string) (string, error) {
	acct, err := svc.AccountByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	return acct.UserID, nil
}

// --- migrate ---

type migrateCmd struct{ *app }

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "creates the database schema if it does not exist" }
func (*migrateCmd) Usage() string {
	return `migrate

Applies the schema for the database selected by DATABASE_URL or SQLITE_PATH.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (c *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return c.withService(ctx, true, func(*portfolio.Service) error {
		fmt.Fprintln(c.out, "schema up to date")
		return nil
	})
}

// --- register ---

type registerCmd struct {
	*app
	username string
}

func (*registerCmd) Name() string     { return "register" }
func (*registerCmd) Synopsis() string { return "creates an account with the starting cash balance" }
func (*registerCmd) Usage() string {
	return `register -username <name>
`
}
func (c *registerCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.username, "username", "", "The new account's unique username.")
}

func (c *registerCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.username == "" {
		fmt.Fprintln(os.Stderr, "Error: -username is required.")
		return subcommands.ExitUsageError
	}
	return c.withService(ctx, false, func(svc *portfolio.Service) error {
		acct, err := svc.Register(ctx, c.username)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "registered %s (%s) with %s\n", acct.Username, acct.UserID, money.USD(acct.Cash))
		return nil
	})
}

// --- quote ---

type quoteCmd struct{ *app }

func (*quoteCmd) Name() string     { return "quote" }
func (*quoteCmd) Synopsis() string { return "prints the current price of a symbol" }
func (*quoteCmd) Usage() string {
	return `quote <symbol>
`
}
func (*quoteCmd) SetFlags(*flag.FlagSet) {}

func (c *quoteCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one symbol is required.")
		return subcommands.ExitUsageError
	}
	return c.withService(ctx, false, func(svc *portfolio.Service) error {
		q, err := svc.Quote(ctx, f.Arg(0))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "A share of %s (%s) costs %s.\n", q.Name, q.Symbol, money.USD(q.Price))
		return nil
	})
}

// --- buy / sell ---

type tradeCmd struct {
	*app
	sell bool
	user string
}

func (c *tradeCmd) Name() string {
	if c.sell {
		return "sell"
	}
	return "buy"
}
func (c *tradeCmd) Synopsis() string {
	if c.sell {
		return "sells shares of a held symbol at the current price"
	}
	return "buys shares of a symbol at the current price"
}
func (c *tradeCmd) Usage() string {
	return c.Name() + ` -user <username> <symbol> <shares>
`
}
func (c *tradeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "The username of the trading account.")
}

func (c *tradeCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" || f.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s", c.Usage())
		return subcommands.ExitUsageError
	}
	shares, err := strconv.ParseInt(f.Arg(1), 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: shares must be a whole number, got %q\n", f.Arg(1))
		return subcommands.ExitUsageError
	}

	return c.withService(ctx, false, func(svc *portfolio.Service) error {
		userID, err := resolveUser(ctx, svc, c.user)
		if err != nil {
			return err
		}
		exec := svc.Buy
		if c.sell {
			exec = svc.Sell
		}
		event, err := exec(ctx, userID, f.Arg(0), shares)
		if err != nil {
			return err
		}
		acct, err := svc.Account(ctx, userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s %d %s at %s for %s, cash now %s\n",
			pastTense(c.sell), shares, event.Symbol, money.USD(event.Price),
			money.USD(event.Total.Abs()), money.USD(acct.Cash))
		return nil
	})
}

func pastTense(sell bool) string {
	if sell {
		return "Sold"
	}
	return "Bought"
}

// --- holdings ---

type holdingsCmd struct {
	*app
	user string
}

func (*holdingsCmd) Name() string     { return "holdings" }
func (*holdingsCmd) Synopsis() string { return "lists the shares currently held" }
func (*holdingsCmd) Usage() string {
	return `holdings -user <username>
`
}
func (c *holdingsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "The username of the account.")
}

func (c *holdingsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required.")
		return subcommands.ExitUsageError
	}
	return c.withService(ctx, false, func(svc *portfolio.Service) error {
		userID, err := resolveUser(ctx, svc, c.user)
		if err != nil {
			return err
		}
		holdings, err := svc.CurrentHoldings(ctx, userID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "Symbol\tShares\t")
		for _, h := range holdings {
			fmt.Fprintf(tw, "%s\t%d\t\n", h.Symbol, h.Shares)
		}
		return tw.Flush()
	})
}

// --- value ---

type valueCmd struct {
	*app
	user string
}

func (*valueCmd) Name() string     { return "value" }
func (*valueCmd) Synopsis() string { return "values the portfolio at current prices" }
func (*valueCmd) Usage() string {
	return `value -user <username>

Prints every held position at its live price, the cash balance and the total.
`
}
func (c *valueCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "The username of the account.")
}

func (c *valueCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required.")
		return subcommands.ExitUsageError
	}
	return c.withService(ctx, false, func(svc *portfolio.Service) error {
		userID, err := resolveUser(ctx, svc, c.user)
		if err != nil {
			return err
		}
		p, err := svc.Portfolio(ctx, userID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "Symbol\tName\tShares\tPrice\tTotal\t")
		for _, h := range p.Holdings {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t\n", h.Symbol, h.Name, h.Shares, money.USD(h.Price), money.USD(h.Value))
		}
		fmt.Fprintf(tw, "CASH\t\t\t\t%s\t\n", money.USD(p.Cash))
		fmt.Fprintf(tw, "TOTAL\t\t\t\t%s\t\n", money.USD(p.Total))
		return tw.Flush()
	})
}

// --- history ---

type historyCmd struct {
	*app
	user string
}

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "lists every trade in the order it was recorded" }
func (*historyCmd) Usage() string {
	return `history -user <username>
`
}
func (c *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.user, "user", "", "The username of the account.")
}

func (c *historyCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.user == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required.")
		return subcommands.ExitUsageError
	}
	return c.withService(ctx, false, func(svc *portfolio.Service) error {
		userID, err := resolveUser(ctx, svc, c.user)
		if err != nil {
			return err
		}
		events, err := svc.TransactionHistory(ctx, userID)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "Symbol\tShares\tPrice\tTotal\tTransacted\t")
		for _, e := range events {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t\n",
				e.Symbol, e.Shares, money.USD(e.Price), money.USD(e.Total), e.Timestamp.Format("2006-01-02 15:04:05"))
		}
		return tw.Flush()
	})
}
