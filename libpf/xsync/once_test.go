// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnceInitializesExactlyOnce(t *testing.T) {
	var once Once[int]
	var calls atomic.Int32

	const goroutines = 32
	var wg sync.WaitGroup
	results := make([]*int, goroutines)
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := once.GetOrInit(func() (int, error) {
				calls.Add(1)
				return 42, nil
			})
			require.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.NotNil(t, v)
		assert.Equal(t, 42, *v)
	}
}

func TestOnceRetriesAfterError(t *testing.T) {
	var once Once[int]

	_, err := once.GetOrInit(func() (int, error) {
		return 0, errors.New("boom")
	})
	require.Error(t, err)
	assert.Nil(t, once.Get())

	v, err := once.GetOrInit(func() (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, *v)
	require.NotNil(t, once.Get())
	assert.Equal(t, 7, *once.Get())
}
