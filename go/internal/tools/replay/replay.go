package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/eventrelay/go/internal/dbconfig"
	"github.com/mcdev12/eventrelay/go/internal/delivery"
	"github.com/mcdev12/eventrelay/go/internal/models"
	"github.com/mcdev12/eventrelay/go/internal/outbox"
)

type options struct {
	table      string
	id         int64
	list       bool
	replayDead bool
	stats      bool
	cleanup    time.Duration
	status     string
	eventType  string
	tenantID   int64
	limit      int
}

func main() {
	var o options
	flag.StringVar(&o.table, "table", "outbox", "outbox or delivery")
	flag.Int64Var(&o.id, "id", 0, "replay a single DEAD or FAILED row by id")
	flag.BoolVar(&o.list, "list", false, "list rows (DEAD unless -status is given)")
	flag.BoolVar(&o.replayDead, "replay-dead", false, "replay every DEAD row matching the filters")
	flag.BoolVar(&o.stats, "stats", false, "print row counts by status")
	flag.DurationVar(&o.cleanup, "cleanup", 0, "delete SUCCESS and DEAD rows older than this")
	flag.StringVar(&o.status, "status", string(models.StatusDead), "status filter for -list")
	flag.StringVar(&o.eventType, "event-type", "", "event type filter")
	flag.Int64Var(&o.tenantID, "tenant", -1, "tenant filter (-1 for all)")
	flag.IntVar(&o.limit, "limit", 50, "max rows to list or replay")
	flag.Parse()

	ctx := context.Background()

	// Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := run(ctx, pool, o); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, pool *pgxpool.Pool, o options) error {
	status, err := models.ParseStatus(o.status)
	if err != nil {
		return err
	}
	var tenantID *int64
	if o.tenantID >= 0 {
		tenantID = &o.tenantID
	}
	clock := clockwork.NewRealClock()

	switch o.table {
	case "outbox":
		repo, err := outbox.NewRepository(pool, clock)
		if err != nil {
			return err
		}
		app := outbox.NewApp(repo)
		filter := outbox.Filter{Status: status, EventType: o.eventType, TenantID: tenantID, Limit: o.limit}
		return runOutbox(ctx, app, clock, o, filter)
	case "delivery":
		repo, err := delivery.NewRepository(pool, clock)
		if err != nil {
			return err
		}
		app := delivery.NewApp(repo)
		filter := delivery.Filter{Status: status, EventType: o.eventType, TenantID: tenantID, Limit: o.limit}
		return runDelivery(ctx, app, clock, o, filter)
	default:
		return fmt.Errorf("unknown table %q", o.table)
	}
}

func runOutbox(ctx context.Context, app *outbox.App, clock clockwork.Clock, o options, f outbox.Filter) error {
	switch {
	case o.id > 0:
		ok, err := app.Replay(ctx, o.id)
		if err != nil {
			return err
		}
		fmt.Printf("outbox message %d replayed: %t\n", o.id, ok)
	case o.replayDead:
		n, err := app.ReplayDead(ctx, f)
		if err != nil {
			return err
		}
		fmt.Printf("replayed %d dead outbox messages\n", n)
	case o.list:
		msgs, err := app.List(ctx, f)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Printf("%d\t%s\t%s\ttenant=%d\tretries=%d\tupdated=%s\t%s\n",
				m.ID, m.Status, m.EventType, m.TenantID, m.RetryCount, m.UpdatedAt.Format(time.RFC3339), deref(m.LastError))
		}
	case o.stats:
		counts, err := app.Stats(ctx)
		if err != nil {
			return err
		}
		printCounts("outbox", counts)
	case o.cleanup > 0:
		n, err := app.Cleanup(ctx, clock.Now().UTC(), o.cleanup, 0)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d outbox messages\n", n)
	default:
		return errors.New("nothing to do: pass -id, -replay-dead, -list, -stats or -cleanup")
	}
	return nil
}

func runDelivery(ctx context.Context, app *delivery.App, clock clockwork.Clock, o options, f delivery.Filter) error {
	switch {
	case o.id > 0:
		ok, err := app.Replay(ctx, o.id)
		if err != nil {
			return err
		}
		fmt.Printf("delivery %d replayed: %t\n", o.id, ok)
	case o.replayDead:
		n, err := app.ReplayDead(ctx, f)
		if err != nil {
			return err
		}
		fmt.Printf("replayed %d dead deliveries\n", n)
	case o.list:
		rows, err := app.List(ctx, f)
		if err != nil {
			return err
		}
		for _, d := range rows {
			fmt.Printf("%d\t%s\t%s\tsub=%d\t%s\ttenant=%d\tretries=%d\thttp=%s\t%s\n",
				d.ID, d.Status, d.EventType, d.SubscriptionID, d.ChannelType, d.TenantID, d.RetryCount, derefInt(d.LastHTTPStatus), deref(d.LastError))
		}
	case o.stats:
		counts, err := app.Stats(ctx)
		if err != nil {
			return err
		}
		printCounts("delivery", counts)
	case o.cleanup > 0:
		n, err := app.Cleanup(ctx, clock.Now().UTC(), o.cleanup, 0)
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d deliveries\n", n)
	default:
		return errors.New("nothing to do: pass -id, -replay-dead, -list, -stats or -cleanup")
	}
	return nil
}

func printCounts(table string, counts map[models.Status]int64) {
	for _, s := range []models.Status{models.StatusNew, models.StatusSending, models.StatusFailed, models.StatusSuccess, models.StatusDead} {
		fmt.Printf("%s\t%s\t%d\n", table, s, counts[s])
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(i *int) string {
	if i == nil {
		return "-"
	}
	return fmt.Sprint(*i)
}
