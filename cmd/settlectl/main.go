// Command settlectl runs imports, settlement and ledger operations from a shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/odyssey-erp/ordersettle/cmd/settlectl/cli"
	"github.com/odyssey-erp/ordersettle/internal/app"
	"github.com/odyssey-erp/ordersettle/internal/orders"
	"github.com/odyssey-erp/ordersettle/internal/platform/cache"
	"github.com/odyssey-erp/ordersettle/internal/platform/db"
	"github.com/odyssey-erp/ordersettle/jobs"
)

const usage = `usage: settlectl <command> [flags]

commands:
  migrate                              create tables for the configured partitions
  import   -file F                     ingest an order export (xlsx or csv)
  run      -start D -end D [-client N] price waiting orders
  execute  -start D -end D -client N   create the settlement record of a client
  resettle -date D ID...               reset and recompute orders of one date
  cancel   -reason R ID...             withdraw orders from settlement
  lookup   ID...                       show settlement state of orders
  enqueue  [-start D -end D -client N] queue an asynchronous settlement run
  queue                                show task queue statistics
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type commonFlags struct {
	json  bool
	actor string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.BoolVar(&c.json, "json", false, "print JSON instead of text")
	fs.StringVar(&c.actor, "admin", "", "admin id recorded on audit fields")
}

func (c commonFlags) output(stdout, stderr io.Writer) cli.Output {
	return cli.Output{JSON: c.json, Stdout: stdout, Stderr: stderr}
}

type clientFlag struct{ value *int64 }

func (f *clientFlag) String() string {
	if f.value == nil {
		return ""
	}
	return strconv.FormatInt(*f.value, 10)
}

func (f *clientFlag) Set(s string) error {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("client id must be a non-negative integer")
	}
	f.value = &n
	return nil
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprint(stderr, usage)
		return cli.ExitUsage
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return cli.ExitFailed
	}
	logger := app.NewLogger(cfg).With(slog.String("component", "settlectl"))

	cmd, rest := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)

	switch cmd {
	case "queue", "enqueue":
		return runQueue(ctx, cfg, fs, cmd, rest, common, stdout, stderr)
	case "migrate", "import", "run", "execute", "resettle", "cancel", "lookup":
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return cli.ExitUsage
	}

	var (
		file, start, end, date, reason string
		client                         clientFlag
	)
	switch cmd {
	case "import":
		fs.StringVar(&file, "file", "", "path of the export file")
	case "run", "execute":
		fs.StringVar(&start, "start", "", "first payment date, YYYY-MM-DD")
		fs.StringVar(&end, "end", "", "last payment date, YYYY-MM-DD")
		fs.Var(&client, "client", "client id")
	case "resettle":
		fs.StringVar(&date, "date", "", "payment date to recompute, YYYY-MM-DD")
	case "cancel":
		fs.StringVar(&reason, "reason", "", "cancellation reason")
	}
	if err := fs.Parse(rest); err != nil {
		return cli.ExitUsage
	}
	if end == "" {
		end = start
	}

	pool, err := db.New(ctx, cfg.DB())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "connect postgres: %v\n", err)
		return cli.ExitFailed
	}
	defer pool.Close()

	if cmd == "migrate" {
		router, err := app.Migrate(ctx, pool, cfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "migrate: %v\n", err)
			return cli.ExitFailed
		}
		_, _ = fmt.Fprintf(stdout, "schema ready with %d order partitions\n", router.Count())
		return cli.ExitOK
	}

	deps := app.ServiceDeps{Config: cfg, Logger: logger, Pool: pool}
	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Warn("redis unavailable, settlement dates will not be locked", slog.Any("error", err))
	} else {
		defer func() { _ = redisClient.Close() }()
		deps.Redis = redisClient
		jobClient := jobs.NewClient(cfg.Redis().AsynqOpt(), logger)
		defer func() { _ = jobClient.Close() }()
		deps.Notifier = jobClient
	}

	services, err := app.BuildServices(ctx, deps)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "build services: %v\n", err)
		return cli.ExitFailed
	}
	finder := func(ctx context.Context, ids []string) ([]orders.Order, error) {
		return orders.FindByExternalIDs(ctx, services.Orders.Shards(), ids)
	}
	ops := cli.NewOpsCLI(services.Ingest, services.Settlement, finder)
	out := common.output(stdout, stderr)

	switch cmd {
	case "import":
		return ops.ImportCommand(ctx, cli.ImportOptions{Path: file, Actor: common.actor, Output: out})
	case "run":
		return ops.RunCommand(ctx, cli.RunOptions{Start: start, End: end, ClientID: client.value, Actor: common.actor, Output: out})
	case "execute":
		return ops.ExecuteCommand(ctx, cli.RunOptions{Start: start, End: end, ClientID: client.value, Actor: common.actor, Output: out})
	case "resettle":
		return ops.ResettleCommand(ctx, cli.ResettleOptions{OrderIDs: fs.Args(), Date: date, Actor: common.actor, Output: out})
	case "cancel":
		return ops.CancelCommand(ctx, cli.CancelOptions{OrderIDs: fs.Args(), Reason: reason, Actor: common.actor, Output: out})
	default:
		return ops.LookupCommand(ctx, cli.LookupOptions{OrderIDs: fs.Args(), Output: out})
	}
}

func runQueue(ctx context.Context, cfg *app.Config, fs *flag.FlagSet, cmd string, args []string, common commonFlags, stdout, stderr io.Writer) int {
	var (
		start, end string
		client     clientFlag
	)
	if cmd == "enqueue" {
		fs.StringVar(&start, "start", "", "first payment date, YYYY-MM-DD; yesterday when empty")
		fs.StringVar(&end, "end", "", "last payment date, YYYY-MM-DD")
		fs.Var(&client, "client", "client id")
	}
	if err := fs.Parse(args); err != nil {
		return cli.ExitUsage
	}
	if end == "" {
		end = start
	}
	jobsCLI := cli.NewJobsCLI(cfg.Redis().AsynqOpt())
	defer func() { _ = jobsCLI.Close() }()

	if cmd == "enqueue" {
		info, err := jobsCLI.EnqueueSettlement(ctx, jobs.SettlementRunPayload{Start: start, End: end, ClientID: client.value})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "enqueue: %v\n", err)
			return cli.ExitFailed
		}
		_, _ = fmt.Fprintf(stdout, "queued %s as %s\n", info.Type, info.ID)
		return cli.ExitOK
	}

	stats, err := jobsCLI.InspectQueue(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "queue: %v\n", err)
		return cli.ExitFailed
	}
	if common.json {
		return common.output(stdout, stderr).Print("queue", stats)
	}
	_, _ = fmt.Fprintf(stdout, "%s: pending %d, active %d, scheduled %d, retry %d, archived %d\n",
		stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	return cli.ExitOK
}
