package memory

import (
	"testing"

	"github.com/davidroman0O/replaylite/statestore"
	"github.com/davidroman0O/replaylite/statestore/storetest"
	"github.com/stretchr/testify/require"
)

// go test -timeout 30s -v -count=1 -run ^TestMemoryStore$ .
func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) statestore.Store {
		s, err := New()
		require.NoError(t, err)
		return s
	})
}
