package orderprocessing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/replaylite/codec"
	"github.com/davidroman0O/replaylite/statestore"
	"github.com/sethvargo/go-retry"
)

// StoreName is the state store namespace of the sample.
const StoreName = "statestore-actors"

const (
	casAttempts = 20
	casBackoff  = 5 * time.Millisecond
)

func paymentKey(requestID string) string {
	return "payment-" + requestID
}

// BaseInventory is the stock the CLI restocks before ordering.
func BaseInventory() map[string]InventoryItem {
	return map[string]InventoryItem{
		"paperclip": {Name: "Paperclip", Quantity: 100, PerItemCost: 5},
		"cars":      {Name: "Cars", Quantity: 100, PerItemCost: 15000},
		"computers": {Name: "Computers", Quantity: 100, PerItemCost: 500},
	}
}

// Inventory reads and mutates inventory records in the state store.
// Every mutation is a compare-and-swap on the record etag.
type Inventory struct {
	store statestore.Store
}

func NewInventory(store statestore.Store) *Inventory {
	return &Inventory{store: store}
}

// Get returns the record and its etag.
func (inv *Inventory) Get(ctx context.Context, key string) (*InventoryItem, string, error) {
	raw, err := inv.store.Get(ctx, StoreName, key)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, "", errors.Join(ErrItemNotFound, fmt.Errorf("item %s", key))
	}
	if err != nil {
		return nil, "", err
	}
	item, err := DecodeInventoryItem(raw.Value)
	if err != nil {
		return nil, "", fmt.Errorf("item %s: %w", key, err)
	}
	return item, raw.ETag, nil
}

// Restock overwrites the given records.
func (inv *Inventory) Restock(ctx context.Context, items map[string]InventoryItem) error {
	for key, item := range items {
		data, err := item.Encode()
		if err != nil {
			return fmt.Errorf("restock %s: %w", key, err)
		}
		if _, err := inv.store.Put(ctx, StoreName, key, data); err != nil {
			return fmt.Errorf("restock %s: %w", key, err)
		}
	}
	return nil
}

// Take removes quantity units from the record on behalf of requestID. It
// never writes a negative quantity: when the stock is short it returns
// ErrInsufficientInventory and leaves the record untouched. Concurrent
// writers are retried on etag conflicts.
//
// The order id is recorded in the same write as the decrement, so taking
// again for an order already applied returns the record unchanged. An empty
// requestID disables that check.
func (inv *Inventory) Take(ctx context.Context, requestID, key string, quantity int) (*InventoryItem, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("take %d %s: quantity must be positive", quantity, key)
	}
	var updated *InventoryItem
	backoff := retry.WithMaxRetries(casAttempts, retry.NewConstant(casBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		item, etag, err := inv.Get(ctx, key)
		if err != nil {
			return err
		}
		if requestID != "" && item.applied(requestID) {
			updated = item
			return nil
		}
		if item.Quantity < quantity {
			return errors.Join(ErrInsufficientInventory,
				fmt.Errorf("%d %s requested, %d left", quantity, key, item.Quantity))
		}
		item.Quantity -= quantity
		if requestID != "" {
			item.markApplied(requestID)
		}
		data, err := item.Encode()
		if err != nil {
			return err
		}
		if _, err := inv.store.PutIf(ctx, StoreName, key, data, etag); err != nil {
			if errors.Is(err, statestore.ErrETagMismatch) {
				return retry.RetryableError(err)
			}
			return err
		}
		updated = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Payments keeps one PaymentRecord per order.
type Payments struct {
	store statestore.Store
}

func NewPayments(store statestore.Store) *Payments {
	return &Payments{store: store}
}

func (p *Payments) Get(ctx context.Context, requestID string) (*PaymentRecord, string, error) {
	raw, err := p.store.Get(ctx, StoreName, paymentKey(requestID))
	if err != nil {
		return nil, "", err
	}
	var record PaymentRecord
	if err := codec.JSON.Unmarshal(raw.Value, &record); err != nil {
		return nil, "", fmt.Errorf("payment %s: %w", requestID, err)
	}
	return &record, raw.ETag, nil
}

// Charge records the payment. It reports false when the order was already
// charged by an earlier attempt.
func (p *Payments) Charge(ctx context.Context, req PaymentRequest) (bool, error) {
	data, err := codec.JSON.Marshal(PaymentRecord{
		RequestID: req.RequestID,
		Item:      req.ItemBeingPurchased,
		Amount:    req.Amount,
		Quantity:  req.Quantity,
		Status:    PaymentCharged,
		UpdatedAt: time.Now(),
	})
	if err != nil {
		return false, err
	}
	_, err = p.store.PutIf(ctx, StoreName, paymentKey(req.RequestID), data, "")
	if errors.Is(err, statestore.ErrETagMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Refund flips a charged payment to refunded. Refunding twice or refunding
// an order that was never charged is a no-op.
func (p *Payments) Refund(ctx context.Context, requestID string) (bool, error) {
	var refunded bool
	backoff := retry.WithMaxRetries(casAttempts, retry.NewConstant(casBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		record, etag, err := p.Get(ctx, requestID)
		if errors.Is(err, statestore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if record.Status == PaymentRefunded {
			return nil
		}
		record.Status = PaymentRefunded
		record.UpdatedAt = time.Now()
		data, err := codec.JSON.Marshal(record)
		if err != nil {
			return err
		}
		if _, err := p.store.PutIf(ctx, StoreName, paymentKey(requestID), data, etag); err != nil {
			if errors.Is(err, statestore.ErrETagMismatch) {
				return retry.RetryableError(err)
			}
			return err
		}
		refunded = true
		return nil
	})
	return refunded, err
}
