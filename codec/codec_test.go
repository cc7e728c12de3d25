package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ItemName  string  `json:"item_name"`
	Quantity  int     `json:"quantity"`
	TotalCost float64 `json:"total_cost"`
}

func TestGet(t *testing.T) {
	c, err := Get("")
	require.NoError(t, err)
	assert.Equal(t, NameJSON, c.Name())

	c, err = Get(NameMsgpack)
	require.NoError(t, err)
	assert.Equal(t, NameMsgpack, c.Name())

	_, err = Get("protobuf")
	assert.Error(t, err)
}

func TestCodecsHonorJSONTags(t *testing.T) {
	in := order{ItemName: "cars", Quantity: 11, TotalCost: 165000}
	for _, c := range []Codec{JSON, Msgpack} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Marshal(in)
			require.NoError(t, err)
			assert.Contains(t, string(data), "item_name")

			var out order
			require.NoError(t, c.Unmarshal(data, &out))
			assert.Equal(t, in, out)
		})
	}
}
