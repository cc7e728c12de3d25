package orderprocessing

import (
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/replaylite/codec"
)

// InventorySchemaVersion is written with every inventory record.
const InventorySchemaVersion = 1

// maxAppliedOrders bounds the per-record order window. A retry arriving after
// that many newer orders on the same item is no longer recognized.
const maxAppliedOrders = 1024

var (
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrItemNotFound          = errors.New("inventory item not found")
	ErrUnsupportedSchema     = errors.New("unsupported inventory schema version")
	ErrInvalidInventory      = errors.New("invalid inventory record")
)

// InventoryItem is the persisted inventory record. Records without a
// schema_version predate versioning and are read as version 1.
type InventoryItem struct {
	SchemaVersion int     `json:"schema_version"`
	Name          string  `json:"name"`
	Quantity      int     `json:"quantity"`
	PerItemCost   float64 `json:"per_item_cost"`
	// AppliedOrders lists the most recent orders taken from this record,
	// oldest first, so a repeated Take for one order is a no-op.
	AppliedOrders []string `json:"applied_orders,omitempty"`
}

func (i *InventoryItem) applied(requestID string) bool {
	for _, id := range i.AppliedOrders {
		if id == requestID {
			return true
		}
	}
	return false
}

func (i *InventoryItem) markApplied(requestID string) {
	i.AppliedOrders = append(i.AppliedOrders, requestID)
	if extra := len(i.AppliedOrders) - maxAppliedOrders; extra > 0 {
		i.AppliedOrders = append([]string(nil), i.AppliedOrders[extra:]...)
	}
}

func (i InventoryItem) Validate() error {
	if i.Name == "" {
		return errors.Join(ErrInvalidInventory, fmt.Errorf("name is empty"))
	}
	if i.Quantity < 0 {
		return errors.Join(ErrInvalidInventory, fmt.Errorf("%s has negative quantity %d", i.Name, i.Quantity))
	}
	if i.PerItemCost < 0 {
		return errors.Join(ErrInvalidInventory, fmt.Errorf("%s has negative cost %v", i.Name, i.PerItemCost))
	}
	return nil
}

// Encode validates the record and stamps the current schema version.
func (i InventoryItem) Encode() ([]byte, error) {
	i.SchemaVersion = InventorySchemaVersion
	if err := i.Validate(); err != nil {
		return nil, err
	}
	return codec.JSON.Marshal(i)
}

func DecodeInventoryItem(data []byte) (*InventoryItem, error) {
	var item InventoryItem
	if err := codec.JSON.Unmarshal(data, &item); err != nil {
		return nil, errors.Join(ErrInvalidInventory, err)
	}
	switch item.SchemaVersion {
	case 0:
		item.SchemaVersion = InventorySchemaVersion
	case InventorySchemaVersion:
	default:
		return nil, errors.Join(ErrUnsupportedSchema, fmt.Errorf("version %d", item.SchemaVersion))
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	return &item, nil
}

type OrderPayload struct {
	ItemName  string  `json:"item_name"`
	Quantity  int     `json:"quantity"`
	TotalCost float64 `json:"total_cost"`
}

type InventoryRequest struct {
	RequestID string `json:"request_id"`
	ItemName  string `json:"item_name"`
	Quantity  int    `json:"quantity"`
}

type InventoryResult struct {
	Success bool           `json:"success"`
	Item    *InventoryItem `json:"item,omitempty"`
}

type PaymentRequest struct {
	RequestID          string  `json:"request_id"`
	ItemBeingPurchased string  `json:"item_being_purchased"`
	Amount             float64 `json:"amount"`
	Quantity           int     `json:"quantity"`
}

type Notification struct {
	Message string `json:"message"`
}

type OrderResult struct {
	Processed bool `json:"processed"`
}

type ApprovalResult struct {
	Approved bool `json:"approved"`
}

type PaymentStatus string

const (
	PaymentCharged  PaymentStatus = "charged"
	PaymentRefunded PaymentStatus = "refunded"
)

// PaymentRecord is stored once per order and makes charging idempotent.
type PaymentRecord struct {
	RequestID string        `json:"request_id"`
	Item      string        `json:"item"`
	Amount    float64       `json:"amount"`
	Quantity  int           `json:"quantity"`
	Status    PaymentStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}
