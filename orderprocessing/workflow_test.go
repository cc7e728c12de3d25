package orderprocessing

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davidroman0O/replaylite"
	"github.com/davidroman0O/replaylite/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	delay    time.Duration
}

func (n *recordingNotifier) Notify(ctx context.Context, message string) error {
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func setupTestEngine(t *testing.T, registry *replaylite.Registry, path string) *replaylite.Engine {
	t.Helper()
	var e *replaylite.Engine
	var err error
	if path == "" {
		e, err = replaylite.New(context.Background(), registry,
			replaylite.WithLogger(replaylite.NoopLogger()),
			replaylite.WithPollInterval(5*time.Millisecond))
	} else {
		e, err = replaylite.New(context.Background(), registry,
			replaylite.WithLogger(replaylite.NoopLogger()),
			replaylite.WithPollInterval(5*time.Millisecond),
			replaylite.WithPath(path), replaylite.WithDestructive())
	}
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, e.Close())
	})
	return e
}

func placeOrder(t *testing.T, e *replaylite.Engine, item string, quantity int, cost float64) (string, OrderResult) {
	t.Helper()
	ctx := context.Background()
	id, err := e.ScheduleNewWorkflow(ctx, WorkflowName, OrderPayload{
		ItemName:  item,
		Quantity:  quantity,
		TotalCost: float64(quantity) * cost,
	})
	require.NoError(t, err)

	state, err := e.WaitForWorkflowCompletion(ctx, id, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, replaylite.StatusCompleted, state.Status, "failure: %v", state.Err())

	var result OrderResult
	require.NoError(t, state.Output(&result))
	return id, result
}

func restock(t *testing.T, store statestore.Store, quantity int) {
	t.Helper()
	require.NoError(t, NewInventory(store).Restock(context.Background(), map[string]InventoryItem{
		"cars": {Name: "Cars", Quantity: quantity, PerItemCost: 15000},
	}))
}

func carsLeft(t *testing.T, store statestore.Store) int {
	t.Helper()
	item, _, err := NewInventory(store).Get(context.Background(), "cars")
	require.NoError(t, err)
	return item.Quantity
}

// go test -timeout 30s -v -count=1 -run ^TestOrderProcessed$ .
func TestOrderProcessed(t *testing.T) {
	for name, factory := range testStores() {
		t.Run(name, func(t *testing.T) {
			store := setupTestStore(t, factory)
			require.NoError(t, NewInventory(store).Restock(context.Background(), BaseInventory()))

			notifier := &recordingNotifier{}
			registry, err := NewRegistry(NewActivities(store, WithNotifier(notifier)), WorkflowOptions{})
			require.NoError(t, err)
			e := setupTestEngine(t, registry, "")

			id, result := placeOrder(t, e, "cars", 11, 15000)
			assert.True(t, result.Processed)
			assert.Equal(t, 89, carsLeft(t, store))
			assert.Equal(t, []string{
				fmt.Sprintf("Received order %s for 11 cars at $165000!", id),
				fmt.Sprintf("Order %s has completed!", id),
			}, notifier.all())

			record, _, err := NewPayments(store).Get(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, PaymentCharged, record.Status)
			assert.Equal(t, 165000.0, record.Amount)
		})
	}
}

// go test -timeout 30s -v -count=1 -run ^TestOrderProcessedDurableHistory$ .
func TestOrderProcessedDurableHistory(t *testing.T) {
	store := setupTestStore(t, testStores()["sqlite"])
	restock(t, store, 100)

	registry, err := NewRegistry(NewActivities(store), WorkflowOptions{})
	require.NoError(t, err)
	e := setupTestEngine(t, registry, filepath.Join(t.TempDir(), "orders.db"))

	_, result := placeOrder(t, e, "cars", 11, 15000)
	assert.True(t, result.Processed)
	assert.Equal(t, 89, carsLeft(t, store))
}

// go test -timeout 30s -v -count=1 -run ^TestOrderInsufficientInventory$ .
func TestOrderInsufficientInventory(t *testing.T) {
	store := setupTestStore(t, testStores()["memory"])
	restock(t, store, 5)

	notifier := &recordingNotifier{}
	registry, err := NewRegistry(NewActivities(store, WithNotifier(notifier)), WorkflowOptions{})
	require.NoError(t, err)
	e := setupTestEngine(t, registry, "")

	id, result := placeOrder(t, e, "cars", 11, 15000)
	assert.False(t, result.Processed)
	assert.Equal(t, 5, carsLeft(t, store))
	assert.Equal(t, "Insufficient inventory for cars!", notifier.all()[1])

	_, _, err = NewPayments(store).Get(context.Background(), id)
	assert.ErrorIs(t, err, statestore.ErrNotFound)

	history, err := e.History(context.Background(), id)
	require.NoError(t, err)
	for _, ev := range history {
		assert.NotEqual(t, ActivityProcessPayment, ev.Name)
	}
}

// stock drained between verification and the inventory update
func drainingRegistry(t *testing.T, store statestore.Store, notifier Notifier, opts WorkflowOptions) *replaylite.Registry {
	t.Helper()
	acts := NewActivities(store, WithNotifier(notifier))
	registry, err := replaylite.NewRegistryBuilder().
		Workflow(WorkflowName, opts.Workflow()).
		Activity(ActivityNotify, acts.Notify).
		Activity(ActivityVerifyInventory, acts.VerifyInventory).
		Activity(ActivityProcessPayment, func(ctx replaylite.ActivityContext, input PaymentRequest) error {
			if err := acts.ProcessPayment(ctx, input); err != nil {
				return err
			}
			return acts.Inventory().Restock(ctx, map[string]InventoryItem{
				"cars": {Name: "Cars", Quantity: 5, PerItemCost: 15000},
			})
		}).
		Activity(ActivityUpdateInventory, acts.UpdateInventory).
		Activity(ActivityRefundPayment, acts.RefundPayment).
		Build()
	require.NoError(t, err)
	return registry
}

// go test -timeout 30s -v -count=1 -run ^TestOrderInventoryRace$ .
func TestOrderInventoryRace(t *testing.T) {
	store := setupTestStore(t, testStores()["memory"])
	restock(t, store, 100)

	notifier := &recordingNotifier{}
	e := setupTestEngine(t, drainingRegistry(t, store, notifier, WorkflowOptions{}), "")

	id, result := placeOrder(t, e, "cars", 11, 15000)
	assert.False(t, result.Processed)
	assert.Equal(t, 5, carsLeft(t, store))

	messages := notifier.all()
	require.Len(t, messages, 2)
	assert.Equal(t, fmt.Sprintf("Order %s Failed!", id), messages[1])

	// refunds are off by default
	record, _, err := NewPayments(store).Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PaymentCharged, record.Status)

	history, err := e.History(context.Background(), id)
	require.NoError(t, err)
	var failed bool
	for _, ev := range history {
		if ev.Name == ActivityUpdateInventory && ev.Failure != nil {
			failed = true
			assert.Equal(t, KindInsufficientInventory, ev.Failure.Kind)
			assert.True(t, ev.Failure.NonRetryable)
		}
	}
	assert.True(t, failed)
}

// go test -timeout 30s -v -count=1 -run ^TestOrderInventoryRaceWithRefund$ .
func TestOrderInventoryRaceWithRefund(t *testing.T) {
	store := setupTestStore(t, testStores()["memory"])
	restock(t, store, 100)

	notifier := &recordingNotifier{}
	e := setupTestEngine(t, drainingRegistry(t, store, notifier, WorkflowOptions{RefundOnFailure: true}), "")

	id, result := placeOrder(t, e, "cars", 11, 15000)
	assert.False(t, result.Processed)

	record, _, err := NewPayments(store).Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, record.Status)
	assert.Equal(t, fmt.Sprintf("Order %s Failed!", id), notifier.all()[1])
}

// go test -timeout 30s -v -count=1 -run ^TestOrderWaitTimeout$ .
func TestOrderWaitTimeout(t *testing.T) {
	store := setupTestStore(t, testStores()["memory"])
	restock(t, store, 100)

	notifier := &recordingNotifier{delay: 200 * time.Millisecond}
	registry, err := NewRegistry(NewActivities(store, WithNotifier(notifier)), WorkflowOptions{})
	require.NoError(t, err)
	e := setupTestEngine(t, registry, "")
	ctx := context.Background()

	id, err := e.ScheduleNewWorkflow(ctx, WorkflowName, OrderPayload{ItemName: "cars", Quantity: 11, TotalCost: 165000})
	require.NoError(t, err)

	state, err := e.WaitForWorkflowCompletion(ctx, id, 50*time.Millisecond)
	require.ErrorIs(t, err, replaylite.ErrTimeout)
	assert.Equal(t, replaylite.StatusRunning, state.Status)

	state, err = e.WaitForWorkflowCompletion(ctx, id, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, replaylite.StatusCompleted, state.Status)
	var result OrderResult
	require.NoError(t, state.Output(&result))
	assert.True(t, result.Processed)
}

// go test -timeout 30s -v -count=1 -run ^TestOrderApproval$ .
func TestOrderApproval(t *testing.T) {
	for _, approve := range []bool{true, false} {
		t.Run(fmt.Sprintf("approved=%v", approve), func(t *testing.T) {
			store := setupTestStore(t, testStores()["memory"])
			restock(t, store, 100)

			var asked []OrderPayload
			var mu sync.Mutex
			approver := ApproverFunc(func(ctx context.Context, order OrderPayload) (bool, error) {
				mu.Lock()
				defer mu.Unlock()
				asked = append(asked, order)
				return approve, nil
			})
			notifier := &recordingNotifier{}
			acts := NewActivities(store, WithNotifier(notifier), WithApprover(approver))
			registry, err := NewRegistry(acts, WorkflowOptions{ApprovalThreshold: 100000})
			require.NoError(t, err)
			e := setupTestEngine(t, registry, "")

			// below the threshold, no approval needed
			_, result := placeOrder(t, e, "cars", 2, 15000)
			assert.True(t, result.Processed)

			id, result := placeOrder(t, e, "cars", 11, 15000)
			assert.Equal(t, approve, result.Processed)

			mu.Lock()
			require.Len(t, asked, 1)
			assert.Equal(t, 165000.0, asked[0].TotalCost)
			mu.Unlock()

			if approve {
				assert.Equal(t, 87, carsLeft(t, store))
				return
			}
			assert.Equal(t, 98, carsLeft(t, store))
			assert.Contains(t, notifier.all(), fmt.Sprintf("Order %s was not approved!", id))
			_, _, err = NewPayments(store).Get(context.Background(), id)
			assert.ErrorIs(t, err, statestore.ErrNotFound)
		})
	}
}

// lostAckStore applies the first conditional write to key and then reports
// a transport error, as if the reply was lost on the way back.
type lostAckStore struct {
	statestore.Store
	key     string
	tripped atomic.Bool
}

func (s *lostAckStore) PutIf(ctx context.Context, store, key string, value []byte, etag string) (string, error) {
	newETag, err := s.Store.PutIf(ctx, store, key, value, etag)
	if err == nil && key == s.key && s.tripped.CompareAndSwap(false, true) {
		return "", errors.New("read tcp: connection reset by peer")
	}
	return newETag, err
}

var retryFast = &replaylite.RetryPolicy{
	MaxAttempts:        3,
	InitialInterval:    time.Millisecond,
	BackoffCoefficient: 2,
}

// go test -timeout 30s -v -count=1 -run ^TestOrderRetriedAfterLostWrite$ .
func TestOrderRetriedAfterLostWrite(t *testing.T) {
	for name, factory := range testStores() {
		t.Run(name, func(t *testing.T) {
			base := setupTestStore(t, factory)
			require.NoError(t, NewInventory(base).Restock(context.Background(), BaseInventory()))
			store := &lostAckStore{Store: base, key: "cars"}

			registry, err := NewRegistry(NewActivities(store), WorkflowOptions{RetryPolicy: retryFast})
			require.NoError(t, err)
			e := setupTestEngine(t, registry, "")

			id, result := placeOrder(t, e, "cars", 11, 15000)
			assert.True(t, result.Processed)
			assert.True(t, store.tripped.Load())
			assert.Equal(t, 89, carsLeft(t, base))

			history, err := e.History(context.Background(), id)
			require.NoError(t, err)
			for _, ev := range history {
				if ev.Name == ActivityUpdateInventory {
					assert.Nil(t, ev.Failure)
				}
			}
		})
	}
}

// go test -timeout 30s -v -count=1 -run ^TestOrderTimedOutUpdateOverlapsRetry$ .
func TestOrderTimedOutUpdateOverlapsRetry(t *testing.T) {
	store := setupTestStore(t, testStores()["memory"])
	restock(t, store, 100)

	acts := NewActivities(store)
	var attempts atomic.Int32
	lateDone := make(chan struct{})
	registry, err := replaylite.NewRegistryBuilder().
		Workflow(WorkflowName, WorkflowOptions{RetryPolicy: &replaylite.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			Timeout:         50 * time.Millisecond,
		}}.Workflow()).
		Activity(ActivityNotify, acts.Notify).
		Activity(ActivityVerifyInventory, acts.VerifyInventory).
		Activity(ActivityProcessPayment, acts.ProcessPayment).
		Activity(ActivityUpdateInventory, func(ctx replaylite.ActivityContext, input PaymentRequest) error {
			if attempts.Add(1) == 1 {
				// stalls past its timeout, then lands its write anyway
				defer close(lateDone)
				time.Sleep(150 * time.Millisecond)
				ctx.Context = context.WithoutCancel(ctx.Context)
			}
			return acts.UpdateInventory(ctx, input)
		}).
		Build()
	require.NoError(t, err)
	e := setupTestEngine(t, registry, "")

	_, result := placeOrder(t, e, "cars", 11, 15000)
	assert.True(t, result.Processed)

	select {
	case <-lateDone:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled attempt never finished")
	}
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	assert.Equal(t, 89, carsLeft(t, store))
}
