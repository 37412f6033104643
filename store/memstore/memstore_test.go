package memstore

import (
	"testing"

	"github.com/ggoodman/policyhost/store"
	"github.com/ggoodman/policyhost/store/storetest"
)

func TestMemstore(t *testing.T) {
	storetest.RunCatalogTests(t, func(t *testing.T) store.Catalog {
		s, err := New(Config{ErrorHistory: 10})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	}, storetest.Options{ErrorHistory: 10})
}
