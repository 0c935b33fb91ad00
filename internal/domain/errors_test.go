package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsConcurrencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "conflict error",
			err:  ErrConcurrencyConflict,
			want: true,
		},
		{
			name: "typed product conflict",
			err:  NewProductConflict(7),
			want: true,
		},
		{
			name: "wrapped conflict error",
			err:  fmt.Errorf("place order: %w", NewOrderConflict(3)),
			want: true,
		},
		{
			name: "other error",
			err:  ErrOrderNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsConcurrencyConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsConcurrencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{ErrQuantityCapExceeded, KindValidation},
		{fmt.Errorf("item 2: %w", ErrDuplicateProduct), KindValidation},
		{ErrUnauthenticated, KindUnauthenticated},
		{ErrForbidden, KindForbidden},
		{ErrProductNotFound, KindNotFound},
		{ErrPromotionExpired, KindUnavailable},
		{ErrProductUnavailable, KindUnavailable},
		{ErrInsufficientInventory, KindInsufficientInventory},
		{NewProductConflict(1), KindConcurrencyConflict},
		{ErrIdempotencyConflict, KindIdempotencyConflict},
		{ErrIdempotencyKeyRequired, KindValidation},
		{ErrInvalidStatusTransition, KindConflict},
		{errors.New("boom"), KindInternal},
		{nil, KindInternal},
	}

	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestConflictError_Message(t *testing.T) {
	var conflict *ConflictError
	err := fmt.Errorf("save: %w", NewProductConflict(42))

	if !errors.As(err, &conflict) {
		t.Fatal("expected ConflictError in chain")
	}
	if conflict.Entity != "product" || conflict.ID != 42 {
		t.Fatalf("unexpected conflict: %+v", conflict)
	}
}
