package contenthash

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWarehouse_ContentHash_Digest(t *testing.T) {
	t.Parallel()

	t.Run("deterministic across calls", func(t *testing.T) {
		t.Parallel()
		values := []any{"John", "Smith", int64(42), true, 3.14}
		require.Equal(t, Digest(values), Digest(values))
	})

	t.Run("nil and empty string do not collide", func(t *testing.T) {
		t.Parallel()
		require.NotEqual(t, Digest([]any{nil}), Digest([]any{""}))
	})

	t.Run("sentinel encoding does not collide with literal values", func(t *testing.T) {
		t.Parallel()
		// A string that spells out the nil encoding is still distinct from nil.
		require.NotEqual(t, Digest([]any{nil}), Digest([]any{"nil:0:"}))
	})

	t.Run("value boundaries cannot shift between columns", func(t *testing.T) {
		t.Parallel()
		require.NotEqual(t, Digest([]any{"ab", "c"}), Digest([]any{"a", "bc"}))
	})

	t.Run("different types with same text form differ", func(t *testing.T) {
		t.Parallel()
		require.NotEqual(t, Digest([]any{"1"}), Digest([]any{int64(1)}))
	})

	t.Run("time encoding normalizes to UTC", func(t *testing.T) {
		t.Parallel()
		loc := time.FixedZone("UTC+2", 2*60*60)
		instant := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
		require.Equal(t,
			Digest([]any{instant}),
			Digest([]any{instant.In(loc)}),
		)
	})
}

func TestWarehouse_ContentHash_RowDigest(t *testing.T) {
	t.Parallel()

	tracked := []string{"first_name", "last_name", "branch"}

	t.Run("identical tracked values produce equal digests", func(t *testing.T) {
		t.Parallel()
		a := map[string]any{"first_name": "John", "last_name": "Smith", "branch": "Army"}
		b := map[string]any{"first_name": "John", "last_name": "Smith", "branch": "Army"}
		require.Equal(t, RowDigest(a, tracked), RowDigest(b, tracked))
	})

	t.Run("unrelated columns never affect the digest", func(t *testing.T) {
		t.Parallel()
		a := map[string]any{"first_name": "John", "last_name": "Smith", "branch": "Army", "loaded_by": "etl"}
		b := map[string]any{"first_name": "John", "last_name": "Smith", "branch": "Army", "loaded_by": "backfill", "extra": 9}
		require.Equal(t, RowDigest(a, tracked), RowDigest(b, tracked))
	})

	t.Run("changing any tracked column changes the digest", func(t *testing.T) {
		t.Parallel()
		base := map[string]any{"first_name": "John", "last_name": "Smith", "branch": "Army"}
		baseDigest := RowDigest(base, tracked)
		for _, col := range tracked {
			changed := map[string]any{"first_name": "John", "last_name": "Smith", "branch": "Army"}
			changed[col] = "different"
			require.NotEqual(t, baseDigest, RowDigest(changed, tracked), col)
		}
	})

	t.Run("missing tracked column hashes like NULL", func(t *testing.T) {
		t.Parallel()
		missing := map[string]any{"first_name": "John", "last_name": "Smith"}
		explicit := map[string]any{"first_name": "John", "last_name": "Smith", "branch": nil}
		require.Equal(t, RowDigest(missing, tracked), RowDigest(explicit, tracked))
	})
}
