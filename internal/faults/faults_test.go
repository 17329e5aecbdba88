package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"direct fault", New(KindNotFound, "kb not found"), KindNotFound},
		{"wrapped fault", fmt.Errorf("query: %w", New(KindRateLimited, "slow down")), KindRateLimited},
		{"context canceled", context.Canceled, KindCanceled},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"plain error", errors.New("boom"), KindInternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestBusinessCodes(t *testing.T) {
	assert.Equal(t, "AUTH_001", KindUnauthorized.Code())
	assert.Equal(t, "RAG_003", KindProviderError.Code())
	assert.Equal(t, "VALID_001", KindValidation.Code())
	assert.Equal(t, "DOC_003", KindDuplicateContent.Code())
	assert.Equal(t, "SYS_000", KindInternal.Code())

	// Codes must be unique across kinds.
	seen := map[string]Kind{}
	for k := range kindNames {
		code := k.Code()
		prev, dup := seen[code]
		assert.False(t, dup, "code %s shared by %s and %s", code, prev, k)
		seen[code] = k
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, KindInvalidCredential.HTTPStatus())
	assert.Equal(t, http.StatusConflict, KindDuplicateContent.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, KindRateLimited.HTTPStatus())
	assert.Equal(t, http.StatusRequestEntityTooLarge, KindFileTooLarge.HTTPStatus())
	assert.Equal(t, 499, KindCanceled.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, KindProviderError.HTTPStatus())
}

func TestMessageNeverLeaksInternals(t *testing.T) {
	cause := errors.New("pq: connection refused on 10.0.0.3")
	err := Wrap(KindDatabaseError, cause, "storage unavailable")

	assert.Equal(t, "storage unavailable", Message(err))
	assert.ErrorIs(t, err, cause)

	// Unclassified errors fall back to a generic message.
	assert.Equal(t, "internal error", Message(errors.New("secret detail")))
}

func TestWithDetails(t *testing.T) {
	base := New(KindValidation, "top_k out of range")
	detailed := base.WithDetails(map[string]any{"field": "top_k", "max": 100})

	assert.Nil(t, Details(base))
	assert.Equal(t, 100, Details(detailed)["max"])
	assert.Equal(t, KindValidation, KindOf(detailed))
}
