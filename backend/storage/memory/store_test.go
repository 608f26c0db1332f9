package memory

import (
	"testing"

	"github.com/adwski/objectsync/backend/storage/storagetest"
)

func TestMemStore(t *testing.T) {
	storagetest.Run(t, func(*testing.T) storagetest.Store {
		return NewMemStore()
	})
}
