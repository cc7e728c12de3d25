// Package orderprocessing is the order workflow: notify, verify inventory,
// charge payment, update inventory, notify.
package orderprocessing

import (
	"context"
	"fmt"

	"github.com/davidroman0O/replaylite"
)

const WorkflowName = "order_processing_workflow"

const (
	ActivityNotify          = "notify_activity"
	ActivityVerifyInventory = "verify_inventory_activity"
	ActivityProcessPayment  = "process_payment_activity"
	ActivityUpdateInventory = "update_inventory_activity"
	ActivityRequestApproval = "request_approval_activity"
	ActivityRefundPayment   = "refund_payment_activity"
)

// WorkflowOptions are the policy switches of the order workflow.
type WorkflowOptions struct {
	// ApprovalThreshold sends orders costing more than this through
	// RequestApproval. Zero disables approvals.
	ApprovalThreshold float64
	// RefundOnFailure refunds the payment when the inventory update fails
	// after the order was charged.
	RefundOnFailure bool
	// RetryPolicy applies to every activity call, nil keeps the engine
	// default.
	RetryPolicy *replaylite.RetryPolicy
}

// Workflow returns the order workflow configured with o.
func (o WorkflowOptions) Workflow() func(ctx replaylite.WorkflowContext, order OrderPayload) (OrderResult, error) {
	return func(ctx replaylite.WorkflowContext, order OrderPayload) (OrderResult, error) {
		return o.run(ctx, order)
	}
}

func (o WorkflowOptions) call(ctx replaylite.WorkflowContext, name string, input interface{}) *replaylite.Future {
	if o.RetryPolicy != nil {
		return ctx.CallActivity(name, input, replaylite.WithActivityRetryPolicy(*o.RetryPolicy))
	}
	return ctx.CallActivity(name, input)
}

func (o WorkflowOptions) notify(ctx replaylite.WorkflowContext, format string, args ...interface{}) error {
	return o.call(ctx, ActivityNotify, Notification{Message: fmt.Sprintf(format, args...)}).Get()
}

func (o WorkflowOptions) run(ctx replaylite.WorkflowContext, order OrderPayload) (OrderResult, error) {
	orderID := ctx.InstanceID()

	if err := o.notify(ctx, "Received order %s for %d %s at $%v!", orderID, order.Quantity, order.ItemName, order.TotalCost); err != nil {
		return OrderResult{}, err
	}

	var verified InventoryResult
	err := o.call(ctx, ActivityVerifyInventory, InventoryRequest{
		RequestID: orderID,
		ItemName:  order.ItemName,
		Quantity:  order.Quantity,
	}).Get(&verified)
	if err != nil {
		return OrderResult{}, err
	}
	if !verified.Success {
		if err := o.notify(ctx, "Insufficient inventory for %s!", order.ItemName); err != nil {
			return OrderResult{}, err
		}
		return OrderResult{Processed: false}, nil
	}

	if o.ApprovalThreshold > 0 && order.TotalCost > o.ApprovalThreshold {
		var approval ApprovalResult
		if err := o.call(ctx, ActivityRequestApproval, order).Get(&approval); err != nil {
			return OrderResult{}, err
		}
		if !approval.Approved {
			if err := o.notify(ctx, "Order %s was not approved!", orderID); err != nil {
				return OrderResult{}, err
			}
			return OrderResult{Processed: false}, nil
		}
	}

	payment := PaymentRequest{
		RequestID:          orderID,
		ItemBeingPurchased: order.ItemName,
		Amount:             order.TotalCost,
		Quantity:           order.Quantity,
	}
	if err := o.call(ctx, ActivityProcessPayment, payment).Get(); err != nil {
		return OrderResult{}, err
	}

	if err := o.call(ctx, ActivityUpdateInventory, payment).Get(); err != nil {
		ctx.Logger().Warn(context.Background(), "Inventory update failed", "order_id", orderID, "error", err)
		if o.RefundOnFailure {
			if err := o.call(ctx, ActivityRefundPayment, payment).Get(); err != nil {
				return OrderResult{}, err
			}
		}
		if err := o.notify(ctx, "Order %s Failed!", orderID); err != nil {
			return OrderResult{}, err
		}
		return OrderResult{Processed: false}, nil
	}

	if err := o.notify(ctx, "Order %s has completed!", orderID); err != nil {
		return OrderResult{}, err
	}
	return OrderResult{Processed: true}, nil
}

// Register adds the order workflow and its activities to b.
func Register(b *replaylite.RegistryBuilder, acts *Activities, opts WorkflowOptions) *replaylite.RegistryBuilder {
	return b.
		Workflow(WorkflowName, opts.Workflow()).
		Activity(ActivityNotify, acts.Notify).
		Activity(ActivityVerifyInventory, acts.VerifyInventory).
		Activity(ActivityProcessPayment, acts.ProcessPayment).
		Activity(ActivityUpdateInventory, acts.UpdateInventory).
		Activity(ActivityRequestApproval, acts.RequestApproval).
		Activity(ActivityRefundPayment, acts.RefundPayment)
}

// NewRegistry builds a registry holding only the order workflow.
func NewRegistry(acts *Activities, opts WorkflowOptions) (*replaylite.Registry, error) {
	return Register(replaylite.NewRegistryBuilder(), acts, opts).Build()
}
