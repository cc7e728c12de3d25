package orderprocessing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// go test -timeout 30s -v -count=1 -run ^TestInventoryItemSchema$ .
func TestInventoryItemSchema(t *testing.T) {
	data, err := InventoryItem{Name: "Cars", Quantity: 100, PerItemCost: 15000}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"schema_version":1,"name":"Cars","quantity":100,"per_item_cost":15000}`, string(data))

	item, err := DecodeInventoryItem(data)
	require.NoError(t, err)
	assert.Equal(t, 100, item.Quantity)

	// records written before versioning
	item, err = DecodeInventoryItem([]byte(`{"name":"Paperclip","quantity":100,"per_item_cost":5}`))
	require.NoError(t, err)
	assert.Equal(t, InventorySchemaVersion, item.SchemaVersion)
	assert.Equal(t, "Paperclip", item.Name)

	_, err = DecodeInventoryItem([]byte(`{"schema_version":2,"name":"Cars","quantity":1}`))
	assert.ErrorIs(t, err, ErrUnsupportedSchema)

	_, err = DecodeInventoryItem([]byte(`{"schema_version":1,"name":"Cars","quantity":-1}`))
	assert.ErrorIs(t, err, ErrInvalidInventory)

	_, err = DecodeInventoryItem([]byte(`{"schema_version":1,"quantity":3}`))
	assert.ErrorIs(t, err, ErrInvalidInventory)

	_, err = DecodeInventoryItem([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidInventory)

	_, err = InventoryItem{Name: "Cars", Quantity: -5}.Encode()
	assert.ErrorIs(t, err, ErrInvalidInventory)
}
