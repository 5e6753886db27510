package errors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	pterrs "github.com/jdholdren/pitlane/internal/errors"
)

func TestEConstructor(t *testing.T) {
	got := pterrs.E(
		"unexpected status",
		pterrs.Body(`{"error":"nope"}`),
		http.StatusBadGateway,
	)
	want := &pterrs.Error{
		Err:    errors.New("unexpected status"),
		Body:   `{"error":"nope"}`,
		Status: http.StatusBadGateway,
	}

	assert.Equal(t, want, got)
}

func TestEDefaultsToInternal(t *testing.T) {
	got := pterrs.E(pterrs.ErrNotFound)

	assert.Equal(t, http.StatusInternalServerError, got.Status)
	assert.ErrorIs(t, got, pterrs.ErrNotFound)
}

func TestStatus(t *testing.T) {
	wrapped := fmt.Errorf("error fetching map: %w", pterrs.E(http.StatusTooManyRequests))

	assert.Equal(t, http.StatusTooManyRequests, pterrs.Status(wrapped))
	assert.Equal(t, 0, pterrs.Status(pterrs.ErrUpstreamTimeout))
}
