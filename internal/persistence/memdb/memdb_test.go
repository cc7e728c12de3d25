package memdb

import (
	"testing"

	"github.com/davidroman0O/replaylite/internal/persistence"
	"github.com/davidroman0O/replaylite/internal/persistence/persistencetest"
	"github.com/stretchr/testify/require"
)

// go test -timeout 30s -v -count=1 -run ^TestMemdbBackend$ .
func TestMemdbBackend(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Backend {
		b, err := New()
		require.NoError(t, err)
		return b
	})
}
