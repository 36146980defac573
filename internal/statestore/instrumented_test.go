package statestore

import (
	"context"
	"testing"
)

func TestInstrumentedPassesThroughToUnderlyingStore(t *testing.T) {
	ctx := context.Background()
	store := Instrument(NewMemoryStore())

	if err := store.StatusInit(ctx, "e1", []string{"a"}); err != nil {
		t.Fatalf("status_init: %v", err)
	}
	st, err := store.StatusGet(ctx, "e1", "a")
	if err != nil {
		t.Fatalf("status_get: %v", err)
	}
	if st.Status != "WAITING" {
		t.Fatalf("expected WAITING, got %s", st.Status)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
