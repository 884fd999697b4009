package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"praondefoi/internal/amqp"
	"praondefoi/internal/cli"
	"praondefoi/internal/core"
	"praondefoi/internal/log"
	"praondefoi/internal/services"
	"praondefoi/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}

	commands := map[string]func(context.Context, *cli.Runtime, []string) error{
		"account":    runAccount,
		"entry":      runEntry,
		"template":   runTemplate,
		"set-budget": runSetBudget,
		"catchup":    runCatchUp,
		"summary":    runSummary,
		"budget":     runBudget,
		"balance":    runBalance,
		"events":     runEvents,
		"watch":      runWatch,
	}
	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = log.WithContext(ctx, logger)

	rt := cli.Bootstrap(ctx, cfg, logger)
	defer rt.Close()

	if err := run(ctx, rt, os.Args[2:]); err != nil {
		logger.Error("Command failed", "command", cmd, log.FieldError, err)
		rt.Close()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("praondefoi - recurring ledger")
	fmt.Println("\nUsage:")
	fmt.Println("  praondefoi <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  account     Create an account")
	fmt.Println("  entry       Record a ledger entry")
	fmt.Println("  template    Create a recurrence or subscription")
	fmt.Println("  set-budget  Set a monthly category limit")
	fmt.Println("  catchup     Materialize due occurrences (-now to override the date)")
	fmt.Println("  summary     Show the monthly summary of an account")
	fmt.Println("  budget      Show budget status of an account")
	fmt.Println("  balance     Show the balance of an account")
	fmt.Println("  events      Print the durable ledger event log until interrupted")
	fmt.Println("  watch       Reprint a monthly summary whenever its account changes")
	fmt.Println("  help        Show this help message")
	fmt.Println("\nRun 'praondefoi <command> -h' for more information on a command.")
}

func runAccount(ctx context.Context, rt *cli.Runtime, args []string) error {
	fs := flag.NewFlagSet("account", flag.ExitOnError)
	name := fs.String("name", "", "Account name")
	initial := fs.String("initial", "0", "Initial balance")
	fs.Parse(args)

	balance, err := parseBalance(*initial)
	if err != nil {
		return err
	}
	a, err := rt.Ledger.CreateAccount(ctx, core.Account{Name: *name, InitialBalance: balance})
	if err != nil {
		return err
	}
	fmt.Printf("Created account %d (%s)\n", a.ID, a.Name)
	return nil
}

func runEntry(ctx context.Context, rt *cli.Runtime, args []string) error {
	fs := flag.NewFlagSet("entry", flag.ExitOnError)
	account := fs.Int64("account", 0, "Account ID")
	amt := fs.String("amount", "", "Amount, e.g. 12.34 or 12,34")
	flow := fs.String("flow", string(core.Outflow), "inflow or outflow")
	currency := fs.String("currency", "BRL", "ISO currency code")
	category := fs.Int64("category", 0, "Category ID")
	day := fs.String("date", time.Now().Format(time.DateOnly), "Date (YYYY-MM-DD)")
	desc := fs.String("desc", "", "Description")
	fs.Parse(args)

	amount, err := core.ParseAmount(*amt)
	if err != nil {
		return err
	}
	occurred, err := parseDate(*day)
	if err != nil {
		return err
	}
	e, err := rt.Ledger.CreateEntry(ctx, core.Entry{
		AccountID:   *account,
		Amount:      amount,
		Flow:        core.Flow(*flow),
		Currency:    *currency,
		CategoryID:  *category,
		OccurredOn:  occurred,
		Description: *desc,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created entry %d: %s %s on %s\n", e.ID, e.Flow, core.FormatAmount(e.Amount), e.OccurredOn.Format(time.DateOnly))
	return nil
}

func runTemplate(ctx context.Context, rt *cli.Runtime, args []string) error {
	fs := flag.NewFlagSet("template", flag.ExitOnError)
	account := fs.Int64("account", 0, "Account ID")
	class := fs.String("class", string(core.ClassRecurrence), "recurrence or subscription")
	amt := fs.String("amount", "", "Amount per occurrence")
	flow := fs.String("flow", string(core.Outflow), "inflow or outflow (recurrences only)")
	currency := fs.String("currency", "BRL", "ISO currency code")
	category := fs.Int64("category", 0, "Category ID")
	every := fs.Int("every", 1, "Interval quantity")
	unit := fs.String("unit", string(core.UnitMonth), "Interval unit: day or month")
	anchor := fs.String("anchor", time.Now().Format(time.DateOnly), "First occurrence (YYYY-MM-DD)")
	desc := fs.String("desc", "", "Description, or the subscription name")
	nextDue := fs.String("next-due", "", "First occurrence still owed (YYYY-MM-DD); earlier ones are skipped")
	fs.Parse(args)

	amount, err := core.ParseAmount(*amt)
	if err != nil {
		return err
	}
	anchorDate, err := parseDate(*anchor)
	if err != nil {
		return err
	}
	var due *time.Time
	if *nextDue != "" {
		d, err := parseDate(*nextDue)
		if err != nil {
			return err
		}
		due = &d
	}
	day := anchorDate.Day()
	t, err := rt.Ledger.CreateTemplate(ctx, core.RecurringTemplate{
		AccountID:   *account,
		Class:       core.TemplateClass(*class),
		Flow:        core.Flow(*flow),
		Amount:      amount,
		Currency:    *currency,
		CategoryID:  *category,
		Description: *desc,
		Interval:    core.Interval{Quantity: *every, Unit: core.IntervalUnit(*unit)},
		Anchor:      anchorDate,
		DayOfMonth:  &day,
		NextDue:     due,
		Active:      true,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Created %s %d: %s every %s from %s\n", t.Class, t.ID, core.FormatAmount(t.Amount), t.Interval, t.Anchor.Format(time.DateOnly))
	return nil
}

func runSetBudget(ctx context.Context, rt *cli.Runtime, args []string) error {
	fs := flag.NewFlagSet("set-budget", flag.ExitOnError)
	account := fs.Int64("account", 0, "Account ID")
	category := fs.Int64("category", 0, "Category ID")
	month, year := periodFlags(fs)
	limit := fs.String("limit", "", "Monthly limit")
	fs.Parse(args)

	amount, err := core.ParseAmount(*limit)
	if err != nil {
		return err
	}
	b, err := rt.Ledger.SetBudget(ctx, core.Budget{
		AccountID:  *account,
		CategoryID: *category,
		Month:      *month,
		Year:       *year,
		Limit:      amount,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Budget %d: category %d limited to %s in %02d/%d\n", b.ID, b.CategoryID, core.FormatAmount(b.Limit), b.Month, b.Year)
	return nil
}

func runCatchUp(ctx context.Context, rt *cli.Runtime, args []string) error {
	fs := flag.NewFlagSet("catchup", flag.ExitOnError)
	now := fs.String("now", "", "Logical date for the pass (YYYY-MM-DD, default today)")
	fs.Parse(args)

	when := time.Now()
	if *now != "" {
		d, err := parseDate(*now)
		if err != nil {
			return err
		}
		when = d
	}

	result, err := rt.CatchUp.RunCatchUp(ctx, when)
	if errors.Is(err, services.ErrCatchUpInProgress) {
		fmt.Println("Another catch-up pass is running; nothing done.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Catch-up %s: %d templates scanned, %d processed, %d entries created, %d conflicts, %d failures\n",
		result.RunID, result.Scanned, result.Processed, result.EntriesCreated, result.Conflicts, result.Failures)
	return nil
}

func runSummary(ctx context.Context, rt *cli.Runtime, args []string) error {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	account := fs.Int64("account", 0, "Account ID")
	month, year := periodFlags(fs)
	fs.Parse(args)

	s, err := rt.Projector.ComputeSummary(ctx, *account, *month, *year)
	if err != nil {
		return err
	}
	printSummary(s)
	return nil
}

func printSummary(s core.MonthlySummary) {
	fmt.Printf("Account %d, %02d/%d\n", s.AccountID, s.Month, s.Year)
	fmt.Printf("  In:                       %12s\n", core.FormatAmount(s.TotalIn))
	fmt.Printf("  Out:                      %12s\n", core.FormatAmount(s.TotalOut))
	fmt.Printf("  Net realized:             %12s\n", core.FormatAmount(s.NetRealized))
	fmt.Printf("  Projected recurring in:   %12s\n", core.FormatAmount(s.ProjectedRecurringIn))
	fmt.Printf("  Projected recurring out:  %12s\n", core.FormatAmount(s.ProjectedRecurringOut))
	fmt.Printf("  Projected subscriptions:  %12s\n", core.FormatAmount(s.ProjectedSubscriptionsOut))
	fmt.Printf("  Net projected:            %12s\n", core.FormatAmount(s.NetProjected))
}

func runBudget(ctx context.Context, rt *cli.Runtime, args []string) error {
	fs := flag.NewFlagSet("budget", flag.ExitOnError)
	account := fs.Int64("account", 0, "Account ID")
	month, year := periodFlags(fs)
	fs.Parse(args)

	statuses, err := rt.Projector.ComputeBudgetStatus(ctx, *account, *month, *year)
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		fmt.Println("No budgets configured for this month.")
		return nil
	}
	fmt.Printf("%-10s %12s %12s %12s\n", "Category", "Limit", "Spent", "Available")
	for _, s := range statuses {
		fmt.Printf("%-10d %12s %12s %12s\n", s.CategoryID,
			core.FormatAmount(s.Limit), core.FormatAmount(s.Spent), core.FormatAmount(s.Available))
	}
	return nil
}

func runBalance(ctx context.Context, rt *cli.Runtime, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	account := fs.Int64("account", 0, "Account ID")
	fs.Parse(args)

	balance, err := rt.Projector.ComputeBalance(ctx, *account)
	if err != nil {
		return err
	}
	fmt.Printf("Account %d balance: %s\n", *account, core.FormatAmount(balance))
	return nil
}

// runEvents tails the durable queue, which keeps events published while no
// consumer was running.
func runEvents(ctx context.Context, rt *cli.Runtime, _ []string) error {
	if rt.AMQP == nil {
		return fmt.Errorf("events require AMQP_URL to be set and reachable")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rt.AMQP.ConsumeEvents(ctx, func(_ context.Context, d amqp.Delivery) error {
		fmt.Printf("%s %s %s\n", d.Type, d.MessageID, d.Body)
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runWatch keeps one summary on screen. Writes from any process reach this
// one through its own invalidation queue and bump the local cache version,
// so the next read recomputes.
func runWatch(ctx context.Context, rt *cli.Runtime, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	account := fs.Int64("account", 0, "Account ID")
	month, year := periodFlags(fs)
	fs.Parse(args)

	if rt.AMQP == nil {
		return fmt.Errorf("watch requires AMQP_URL to be set and reachable")
	}

	s, err := rt.Projector.ComputeSummary(ctx, *account, *month, *year)
	if err != nil {
		return err
	}
	printSummary(s)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := worker.NewEventHandler(rt.Versions, func(ctx context.Context, accountID int64) {
		if accountID != *account {
			return
		}
		s, err := rt.Projector.ComputeSummary(ctx, accountID, *month, *year)
		if err != nil {
			log.FromContext(ctx).ErrorContext(ctx, "Failed to refresh summary", log.FieldAccountID, accountID, log.FieldError, err)
			return
		}
		fmt.Println()
		printSummary(s)
	})
	err = rt.AMQP.ConsumeInvalidations(ctx, handler.HandleDelivery)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func periodFlags(fs *flag.FlagSet) (*int, *int) {
	now := time.Now()
	month := fs.Int("month", int(now.Month()), "Month (1-12)")
	year := fs.Int("year", now.Year(), "Year")
	return month, year
}

func parseDate(s string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q, expected YYYY-MM-DD", core.ErrValidation, s)
	}
	return d, nil
}

// parseBalance accepts zero, unlike ParseAmount.
func parseBalance(s string) (decimal.Decimal, error) {
	if s == "" || s == "0" {
		return decimal.Zero, nil
	}
	return core.ParseAmount(s)
}
