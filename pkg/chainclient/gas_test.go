package chainclient

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSuggester struct {
	mu    sync.Mutex
	price *big.Int
	err   error
	calls int
}

func (s *stubSuggester) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return new(big.Int).Set(s.price), nil
}

func gwei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000))
}

func TestMultiplierStrategy(t *testing.T) {
	tests := []struct {
		name      string
		suggested *big.Int
		previous  *big.Int
		max       *big.Int
		want      *big.Int
		wantErr   error
	}{
		{
			name:      "bump by percent",
			suggested: gwei(10),
			previous:  gwei(30),
			max:       gwei(500),
			want:      gwei(33),
		},
		{
			name:      "market moved above bump",
			suggested: gwei(100),
			previous:  gwei(30),
			max:       gwei(500),
			want:      gwei(110),
		},
		{
			name:      "bump capped",
			suggested: gwei(10),
			previous:  gwei(480),
			max:       gwei(500),
			want:      gwei(500),
		},
		{
			name:      "already at cap",
			suggested: gwei(10),
			previous:  gwei(500),
			max:       gwei(500),
			wantErr:   ErrGasPriceAtCap,
		},
		{
			name:      "rounds up",
			suggested: big.NewInt(1),
			previous:  big.NewInt(1),
			max:       gwei(500),
			want:      big.NewInt(2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMultiplierStrategy(&stubSuggester{price: tt.suggested}, 1.1, 10, tt.max)
			got, err := s.BumpGasPrice(context.Background(), tt.previous)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.String(), got.String())
		})
	}
}

func TestInitialGasPrice(t *testing.T) {
	s := NewMultiplierStrategy(&stubSuggester{price: gwei(100)}, 1.1, 10, gwei(500))
	price, err := s.InitialGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gwei(110).String(), price.String())

	capped := NewMultiplierStrategy(&stubSuggester{price: gwei(1000)}, 1.1, 10, gwei(500))
	price, err = capped.InitialGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gwei(500).String(), price.String())

	failing := NewMultiplierStrategy(&stubSuggester{err: errors.New("connection refused")}, 1.1, 10, nil)
	_, err = failing.InitialGasPrice(context.Background())
	assert.Error(t, err)
}

func TestBumpIgnoresSuggestionError(t *testing.T) {
	s := NewMultiplierStrategy(&stubSuggester{err: errors.New("timeout")}, 1.1, 10, nil)
	price, err := s.BumpGasPrice(context.Background(), big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "1100", price.String())
}

func TestGasPriceRoutineCachesSample(t *testing.T) {
	source := &stubSuggester{price: gwei(42)}
	routine := NewGasPriceRoutine(source, 137, time.Minute, nil)

	routine.Start(context.Background())
	require.Eventually(t, func() bool {
		_, ok := routine.Latest()
		return ok
	}, time.Second, 10*time.Millisecond)
	assert.True(t, routine.IsRunning())
	routine.Stop()
	assert.False(t, routine.IsRunning())

	price, err := routine.SuggestGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gwei(42).String(), price.String())
	assert.Equal(t, 1, source.calls)
}

func TestGasPriceRoutineStaleSampleReadsNode(t *testing.T) {
	source := &stubSuggester{price: gwei(5)}
	routine := NewGasPriceRoutine(source, 137, time.Second, nil)
	now := time.Unix(1_700_000_000, 0)
	routine.now = func() time.Time { return now }

	_, err := routine.SuggestGasPrice(context.Background())
	require.NoError(t, err)

	now = now.Add(3 * time.Second)
	source.price = gwei(7)
	price, err := routine.SuggestGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, gwei(7).String(), price.String())
	assert.Equal(t, 2, source.calls)
}
