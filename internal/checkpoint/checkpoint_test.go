package checkpoint

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []Checkpoint{
		Zero,
		Max,
		New(1, 2, 3, 4, 5),
		New(1700000000, 137, 55_000_000, 12, 3),
	}
	for _, c := range cases {
		encoded := Encode(c)
		require.Len(t, encoded, fieldWidth*5)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, c, decoded)
	}
}

func TestOrderMatchesEncoding(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	randCheckpoint := func() Checkpoint {
		return New(
			uint64(r.Intn(1_000_000)),
			uint64(r.Intn(5)),
			uint64(r.Intn(1_000_000)),
			uint64(r.Intn(100)),
			uint64(r.Intn(100)),
		)
	}

	for i := 0; i < 500; i++ {
		a, b := randCheckpoint(), randCheckpoint()
		cmp := Compare(a, b)
		ea, eb := Encode(a), Encode(b)

		switch {
		case ea < eb:
			require.Equal(t, -1, cmp, "a=%v b=%v", a, b)
		case ea > eb:
			require.Equal(t, 1, cmp, "a=%v b=%v", a, b)
		default:
			require.Equal(t, 0, cmp, "a=%v b=%v", a, b)
		}
	}
}

func TestZeroLessThanMax(t *testing.T) {
	require.True(t, Less(Zero, Max))
	require.False(t, Less(Max, Zero))
	require.Equal(t, 0, Compare(Zero, Zero))
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode("too-short")
	require.Error(t, err)
}
