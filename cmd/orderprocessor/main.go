// Command orderprocessor restocks the base inventory, places one order through
// the order workflow and prints how it ended.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/davidroman0O/replaylite"
	"github.com/davidroman0O/replaylite/codec"
	"github.com/davidroman0O/replaylite/orderprocessing"
	"github.com/davidroman0O/replaylite/statestore"
	"github.com/davidroman0O/replaylite/statestore/memory"
	redisstore "github.com/davidroman0O/replaylite/statestore/redis"
	"github.com/davidroman0O/replaylite/statestore/sqlite"
	"github.com/redis/go-redis/v9"
	"go.uber.org/automaxprocs/maxprocs"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	item := flag.String("item", "", "Inventory item to order (default cars)")
	quantity := flag.Int("quantity", 0, "Number of items to order (default 11)")
	dbPath := flag.String("db", "", "SQLite file for workflow history (in memory when empty)")
	storeKind := flag.String("store", "", "State store: memory, sqlite or redis")
	storePath := flag.String("store-path", "", "SQLite file for the sqlite state store")
	redisAddr := flag.String("redis-addr", "", "Redis address for the redis state store")
	codecName := flag.String("codec", "", "Payload codec: json or msgpack")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	logFormat := flag.String("log-format", "", "Log format: text or json")
	timeout := flag.Duration("timeout", 0, "How long to wait for the order (default 60s)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		die("%v", err)
	}
	overrideString(&cfg.Order.Item, *item)
	overrideString(&cfg.Engine.Path, *dbPath)
	overrideString(&cfg.Engine.Codec, *codecName)
	overrideString(&cfg.Store.Kind, *storeKind)
	overrideString(&cfg.Store.Path, *storePath)
	overrideString(&cfg.Store.RedisAddr, *redisAddr)
	overrideString(&cfg.Log.Level, *logLevel)
	overrideString(&cfg.Log.Format, *logFormat)
	if *quantity > 0 {
		cfg.Order.Quantity = *quantity
	}
	if *timeout > 0 {
		cfg.Timeout = *timeout
	}
	if err := cfg.validate(); err != nil {
		die("%v", err)
	}

	logger := replaylite.NewDefaultLogger(replaylite.ParseLevel(cfg.Log.Level), replaylite.LogFormat(cfg.Log.Format))
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		logger.Debug(context.Background(), fmt.Sprintf(format, args...))
	})); err != nil {
		logger.Warn(context.Background(), "Failed to set GOMAXPROCS", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		die("%v", err)
	}
}

func run(ctx context.Context, cfg Config, logger replaylite.Logger) error {
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	inventory := orderprocessing.BaseInventory()
	if err := orderprocessing.NewInventory(store).Restock(ctx, inventory); err != nil {
		return fmt.Errorf("restock inventory: %w", err)
	}
	stock, ok := inventory[cfg.Order.Item]
	if !ok {
		return fmt.Errorf("%w: %s", orderprocessing.ErrItemNotFound, cfg.Order.Item)
	}

	registry, err := orderprocessing.NewRegistry(orderprocessing.NewActivities(store), orderprocessing.WorkflowOptions{
		ApprovalThreshold: cfg.Order.ApprovalThreshold,
		RefundOnFailure:   cfg.Order.RefundOnFailure,
	})
	if err != nil {
		return err
	}

	engine, err := newEngine(ctx, registry, cfg.Engine, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Error(context.Background(), "Failed to close engine", "error", err)
		}
	}()

	order := orderprocessing.OrderPayload{
		ItemName:  cfg.Order.Item,
		Quantity:  cfg.Order.Quantity,
		TotalCost: float64(cfg.Order.Quantity) * stock.PerItemCost,
	}
	id, err := engine.ScheduleNewWorkflow(ctx, orderprocessing.WorkflowName, order)
	if err != nil {
		return fmt.Errorf("schedule order: %w", err)
	}
	logger.Info(ctx, "Order scheduled", "order_id", id, "item", order.ItemName, "quantity", order.Quantity)

	state, err := engine.WaitForWorkflowCompletion(ctx, id, cfg.Timeout)
	if errors.Is(err, replaylite.ErrTimeout) {
		fmt.Printf("Order %s is still %s after %s\n", id, state.Status, cfg.Timeout)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Order %s finished: %s\n", id, state.Status)
	if state.Status != replaylite.StatusCompleted {
		if failure := state.Err(); failure != nil {
			fmt.Printf("Failure: %v\n", failure)
		}
		return nil
	}
	var result orderprocessing.OrderResult
	if err := state.Output(&result); err != nil {
		return err
	}
	fmt.Printf("Processed: %v\n", result.Processed)
	return nil
}

func newEngine(ctx context.Context, registry *replaylite.Registry, cfg EngineConfig, logger replaylite.Logger) (*replaylite.Engine, error) {
	c, err := codec.Get(cfg.Codec)
	if err != nil {
		return nil, err
	}
	opts := []replaylite.EngineOption{
		replaylite.WithLogger(logger),
		replaylite.WithCodec(c),
	}
	if cfg.Path != "" {
		opts = append(opts, replaylite.WithPath(cfg.Path))
	}
	if cfg.ActivityWorkers > 0 {
		opts = append(opts, replaylite.WithActivityWorkers(cfg.ActivityWorkers))
	}
	if cfg.PollInterval > 0 {
		opts = append(opts, replaylite.WithPollInterval(cfg.PollInterval))
	}
	if cfg.LeaseTimeout > 0 {
		opts = append(opts, replaylite.WithLeaseTimeout(cfg.LeaseTimeout))
	}
	return replaylite.New(ctx, registry, opts...)
}

func openStore(ctx context.Context, cfg StoreConfig) (statestore.Store, error) {
	switch cfg.Kind {
	case "sqlite":
		store, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", cfg.Path, err)
		}
		return store, nil
	case "redis":
		store := redisstore.New(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), redisstore.WithOwnedClient())
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return store, nil
	default:
		store, err := memory.New()
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func overrideString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
