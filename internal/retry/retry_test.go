package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/realpick/internal/apperr"
)

var fast = Policy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestDoRetriesPersistenceFailures(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fast, "写入", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, apperr.Wrap(apperr.PersistenceFailure, "写入失败", errors.New("deadlock"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnDomainErrors(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast, "写入", func() (struct{}, error) {
		calls++
		return struct{}{}, apperr.New(apperr.Conflict, "已存在")
	})
	assert.True(t, apperr.IsKind(err, apperr.Conflict))
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterMaxTries(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast, "写入", func() (struct{}, error) {
		calls++
		return struct{}{}, apperr.Wrap(apperr.PersistenceFailure, "写入失败", errors.New("timeout"))
	})
	assert.True(t, apperr.IsKind(err, apperr.PersistenceFailure))
	assert.Equal(t, 3, calls)
}

func TestDelayGrows(t *testing.T) {
	p := Policy{InitialInterval: time.Second, MaxInterval: time.Minute}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Greater(t, p.Delay(3), p.Delay(2))
	assert.LessOrEqual(t, p.Delay(50), time.Minute)
}
