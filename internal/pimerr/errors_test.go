package pimerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndWrap(t *testing.T) {
	err := New(KindNotFound, "missing item")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Contains(t, err.Error(), "missing item")

	wrapped := Wrap(KindTransportFailure, "dialing", errors.New("boom"))
	assert.Equal(t, KindTransportFailure, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "boom")

	assert.Nil(t, Wrap(KindTransportFailure, "dialing", nil))
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	wrapped := Wrap(KindJournalIOError, "writing", inner)
	assert.True(t, errors.Is(wrapped, inner))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNone, KindOf(nil))
	assert.Equal(t, KindIntegrityError, KindOf(fmt.Errorf("untyped")))
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "x")))
}

func TestAggregator_TracksWorstSeverity(t *testing.T) {
	var agg Aggregator
	assert.True(t, agg.Empty())

	agg.Add(New(KindNotFound, "a"))
	agg.Add(New(KindTransportFailure, "b"))
	agg.Add(New(KindUserCanceled, "c"))

	assert.False(t, agg.Empty())
	assert.Equal(t, KindTransportFailure, agg.WorstKind())
	assert.Error(t, agg.Err())
}

func TestAggregator_AddNilIsNoop(t *testing.T) {
	var agg Aggregator
	agg.Add(nil)
	assert.True(t, agg.Empty())
	assert.Equal(t, KindNone, agg.WorstKind())
}
