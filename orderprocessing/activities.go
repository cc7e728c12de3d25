package orderprocessing

import (
	"context"
	"errors"
	"fmt"

	"github.com/davidroman0O/replaylite"
	"github.com/davidroman0O/replaylite/statestore"
)

// Failure kinds the workflow branches on.
const (
	KindInsufficientInventory = "insufficient_inventory"
	KindInvalidState          = "invalid_state"
)

// Notifier delivers order notifications to customers.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type NotifierFunc func(ctx context.Context, message string) error

func (f NotifierFunc) Notify(ctx context.Context, message string) error {
	return f(ctx, message)
}

// Approver decides on orders above the approval threshold.
type Approver interface {
	Approve(ctx context.Context, order OrderPayload) (bool, error)
}

type ApproverFunc func(ctx context.Context, order OrderPayload) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, order OrderPayload) (bool, error) {
	return f(ctx, order)
}

// Activities holds the order activities and the stores they use.
type Activities struct {
	inventory *Inventory
	payments  *Payments
	notifier  Notifier
	approver  Approver
}

type ActivitiesOption func(*Activities)

func WithNotifier(n Notifier) ActivitiesOption {
	return func(a *Activities) {
		a.notifier = n
	}
}

// WithApprover replaces the default approver, which approves every order.
func WithApprover(ap Approver) ActivitiesOption {
	return func(a *Activities) {
		a.approver = ap
	}
}

func NewActivities(store statestore.Store, opts ...ActivitiesOption) *Activities {
	a := &Activities{
		inventory: NewInventory(store),
		payments:  NewPayments(store),
		approver: ApproverFunc(func(ctx context.Context, order OrderPayload) (bool, error) {
			return true, nil
		}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Activities) Inventory() *Inventory {
	return a.inventory
}

func (a *Activities) Payments() *Payments {
	return a.payments
}

func (a *Activities) Notify(ctx replaylite.ActivityContext, input Notification) error {
	ctx.Logger().Info(ctx, input.Message)
	if a.notifier == nil {
		return nil
	}
	return a.notifier.Notify(ctx, input.Message)
}

func (a *Activities) VerifyInventory(ctx replaylite.ActivityContext, input InventoryRequest) (InventoryResult, error) {
	logger := ctx.Logger()
	logger.Info(ctx, fmt.Sprintf("Verifying inventory for order %s of %d %s", input.RequestID, input.Quantity, input.ItemName))

	item, _, err := a.inventory.Get(ctx, input.ItemName)
	if errors.Is(err, ErrItemNotFound) {
		return InventoryResult{Success: false}, nil
	}
	if errors.Is(err, ErrInvalidInventory) || errors.Is(err, ErrUnsupportedSchema) {
		return InventoryResult{}, replaylite.NewApplicationError(KindInvalidState, err, true)
	}
	if err != nil {
		return InventoryResult{}, err
	}

	logger.Info(ctx, fmt.Sprintf("There are %d %s available for purchase", item.Quantity, item.Name))
	if item.Quantity >= input.Quantity {
		return InventoryResult{Success: true, Item: item}, nil
	}
	return InventoryResult{Success: false}, nil
}

// ProcessPayment charges the order once. A retried attempt finds the
// payment record and succeeds without charging again.
func (a *Activities) ProcessPayment(ctx replaylite.ActivityContext, input PaymentRequest) error {
	logger := ctx.Logger()
	logger.Info(ctx, fmt.Sprintf("Processing payment: %s for %d %s at %v USD",
		input.RequestID, input.Quantity, input.ItemBeingPurchased, input.Amount))

	charged, err := a.payments.Charge(ctx, input)
	if err != nil {
		return err
	}
	if !charged {
		logger.Info(ctx, fmt.Sprintf("Payment for request ID %s was already processed", input.RequestID))
		return nil
	}
	logger.Info(ctx, fmt.Sprintf("Payment for request ID %s processed successfully", input.RequestID))
	return nil
}

// UpdateInventory removes the purchased units from stock. Short stock is a
// domain failure and is never retried.
func (a *Activities) UpdateInventory(ctx replaylite.ActivityContext, input PaymentRequest) error {
	logger := ctx.Logger()
	logger.Info(ctx, fmt.Sprintf("Checking inventory for order %s for %d %s",
		input.RequestID, input.Quantity, input.ItemBeingPurchased))

	item, err := a.inventory.Take(ctx, input.RequestID, input.ItemBeingPurchased, input.Quantity)
	switch {
	case errors.Is(err, ErrInsufficientInventory):
		return replaylite.NewApplicationError(KindInsufficientInventory,
			fmt.Errorf("payment for request ID %s could not be processed: %w", input.RequestID, err), true)
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrInvalidInventory), errors.Is(err, ErrUnsupportedSchema):
		return replaylite.NewApplicationError(KindInvalidState, err, true)
	case err != nil:
		return err
	}

	logger.Info(ctx, fmt.Sprintf("There are now %d %s left in stock", item.Quantity, input.ItemBeingPurchased))
	return nil
}

func (a *Activities) RequestApproval(ctx replaylite.ActivityContext, input OrderPayload) (ApprovalResult, error) {
	ctx.Logger().Info(ctx, fmt.Sprintf("Requesting approval for payment of %v USD for %d %s",
		input.TotalCost, input.Quantity, input.ItemName))
	approved, err := a.approver.Approve(ctx, input)
	if err != nil {
		return ApprovalResult{}, err
	}
	return ApprovalResult{Approved: approved}, nil
}

// RefundPayment reverses the charge made by ProcessPayment.
func (a *Activities) RefundPayment(ctx replaylite.ActivityContext, input PaymentRequest) error {
	refunded, err := a.payments.Refund(ctx, input.RequestID)
	if err != nil {
		return err
	}
	if refunded {
		ctx.Logger().Info(ctx, fmt.Sprintf("Refunded %v USD for request ID %s", input.Amount, input.RequestID))
	}
	return nil
}
