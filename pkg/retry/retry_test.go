package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoappcluster/dnscluster/pkg/clusterrors"
)

func retryableErr(code clusterrors.ErrorCode, message string) *clusterrors.ClusterError {
	return clusterrors.New(code, message)
}

func TestRetryerSucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryerRetriesRetryableError(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 5 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		if attempts < 3 {
			return retryableErr(clusterrors.ErrCodeDNSTryAgain, "nameserver busy")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryerDoesNotRetryNonRetryableError(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	testErr := clusterrors.ConfigurationError("malformed document")

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return testErr
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryerDoesNotRetryPlainError(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxAttempts = 3
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return assert.AnError
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryerMaxAttemptsExceeded(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 5 * time.Millisecond
	config.Jitter = false
	retryer := New(config)

	attempts := 0
	err := retryer.Do(func() error {
		attempts++
		return retryableErr(clusterrors.ErrCodeSyncTimeout, "still running")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryerContextCancellationStopsRetries(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 100 * time.Millisecond
	retryer := New(config)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retryer.DoWithContext(ctx, func(ctx context.Context) error {
		attempts++
		return retryableErr(clusterrors.ErrCodeDNSQueryFailed, "unreachable")
	})

	require.Error(t, err)
	assert.Less(t, attempts, 10)
}

func TestRetryerExponentialBackoff(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxAttempts = 4
	config.InitialDelay = 100 * time.Millisecond
	config.MaxDelay = 1 * time.Second
	config.Multiplier = 2.0
	config.Jitter = false

	var delays []time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	retryer := New(config)
	err := retryer.Do(func() error {
		return retryableErr(clusterrors.ErrCodeSyncTimeout, "still running")
	})

	require.Error(t, err)
	require.Len(t, delays, 3)
	assert.Equal(t, 100*time.Millisecond, delays[0])
	assert.Equal(t, 200*time.Millisecond, delays[1])
	assert.Equal(t, 400*time.Millisecond, delays[2])
}

func TestRetryerMaxDelayCap(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxAttempts = 10
	config.InitialDelay = 1 * time.Second
	config.MaxDelay = 2 * time.Second
	config.Multiplier = 2.0
	config.Jitter = false

	var maxDelay time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		if delay > maxDelay {
			maxDelay = delay
		}
	}

	retryer := New(config)
	_ = retryer.Do(func() error {
		return retryableErr(clusterrors.ErrCodeSyncTimeout, "still running")
	})

	assert.LessOrEqual(t, maxDelay, config.MaxDelay)
}

func TestRetryerOnRetryCallbackReceivesAttemptAndError(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 5 * time.Millisecond
	config.Jitter = false

	var callbackCalled int
	var lastAttempt int
	var lastErr error

	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		callbackCalled++
		lastAttempt = attempt
		lastErr = err
		assert.Positive(t, delay)
	}

	retryer := New(config)
	testErr := retryableErr(clusterrors.ErrCodeSyncTimeout, "still running")
	_ = retryer.Do(func() error {
		return testErr
	})

	assert.Equal(t, 2, callbackCalled)
	assert.Equal(t, 2, lastAttempt)
	assert.Equal(t, testErr, lastErr)
}

func TestRetryerWithMethodsDeriveIndependentConfig(t *testing.T) {
	t.Parallel()

	original := New(DefaultConfig())

	modified := original.WithMaxAttempts(10)
	assert.Equal(t, 10, modified.config.MaxAttempts)
	assert.NotEqual(t, 10, original.config.MaxAttempts)

	modified = original.WithInitialDelay(500 * time.Millisecond)
	assert.Equal(t, 500*time.Millisecond, modified.config.InitialDelay)

	modified = original.WithMaxDelay(60 * time.Second)
	assert.Equal(t, 60*time.Second, modified.config.MaxDelay)

	var called bool
	modified = original.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		called = true
	})
	_ = modified.Do(func() error {
		return retryableErr(clusterrors.ErrCodeSyncTimeout, "still running")
	})
	assert.True(t, called)
}

func TestRetryWithBackoffConvenience(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := RetryWithBackoff(context.Background(), 3, func() error {
		attempts++
		if attempts < 2 {
			return retryableErr(clusterrors.ErrCodeDNSTryAgain, "nameserver busy")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryerJitterAddsVariance(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.MaxAttempts = 3
	config.InitialDelay = 100 * time.Millisecond
	config.Jitter = true

	var delays []time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	retryer := New(config)
	_ = retryer.Do(func() error {
		return retryableErr(clusterrors.ErrCodeSyncTimeout, "still running")
	})

	baseDelay := config.InitialDelay
	hasVariance := false
	for _, delay := range delays {
		if delay != baseDelay {
			hasVariance = true
			break
		}
		baseDelay = time.Duration(float64(baseDelay) * config.Multiplier)
	}
	assert.True(t, hasVariance, "expected jitter to create variance in delays")
}
