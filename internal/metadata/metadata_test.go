package metadata

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnsupportedTypes(t *testing.T) {
	_, err := New(Entry{Name: "count", Value: 3})
	require.Error(t, err)
	assert.Equal(t, "value type must be string, boolean, integer, long, or double; not int", err.Error())

	_, err = New(Entry{Name: "", Value: "x"})
	assert.Error(t, err)
}

func TestNewKeepsOrder(t *testing.T) {
	md := MustNew(
		Entry{Name: "b", Value: "1"},
		Entry{Name: "a", Value: true},
		Entry{Name: "b", Value: "2"},
	)
	assert.Equal(t, []string{"b", "a"}, md.Names())
	s, err := md.StringValue("b")
	require.NoError(t, err)
	assert.Equal(t, "2", s)
}

func TestEmpty(t *testing.T) {
	assert.True(t, Empty().IsEmpty())
	assert.Equal(t, 0, Empty().Len())

	md, err := New()
	require.NoError(t, err)
	assert.True(t, md.Equal(Empty()))
}

func TestNumericCoercion(t *testing.T) {
	md := MustNew(
		Entry{Name: "i32", Value: int32(7)},
		Entry{Name: "i64", Value: int64(1) << 40},
		Entry{Name: "f64", Value: 2.5},
		Entry{Name: "str", Value: "7"},
		Entry{Name: "flag", Value: true},
	)

	i64, err := md.Int64Value("i32")
	require.NoError(t, err)
	assert.Equal(t, int64(7), i64)

	f, err := md.Float64Value("i32")
	require.NoError(t, err)
	assert.Equal(t, 7.0, f)

	f, err = md.Float64Value("i64")
	require.NoError(t, err)
	assert.Equal(t, float64(int64(1)<<40), f)

	i32, err := md.Int32Value("f64")
	require.NoError(t, err)
	assert.Equal(t, int32(2), i32)

	_, err = md.Int64Value("str")
	var typeErr *TypeError
	require.True(t, errors.As(err, &typeErr))
	assert.Equal(t, "str", typeErr.Name)

	_, err = md.Float64Value("flag")
	assert.Error(t, err)

	_, err = md.BoolValue("str")
	assert.Error(t, err)

	_, err = md.StringValue("missing")
	assert.ErrorIs(t, err, ErrNotPresent)
}

func TestEqualIsStructural(t *testing.T) {
	a := MustNew(Entry{Name: "owner", Value: "svc-a"}, Entry{Name: "n", Value: int64(5)})
	b := MustNew(Entry{Name: "n", Value: int32(5)}, Entry{Name: "owner", Value: "svc-a"})
	c := MustNew(Entry{Name: "owner", Value: "svc-b"}, Entry{Name: "n", Value: int64(5)})
	d := MustNew(Entry{Name: "owner", Value: "svc-a"})

	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.False(t, MustNew(Entry{Name: "x", Value: "5"}).Equal(MustNew(Entry{Name: "x", Value: int32(5)})))
	assert.True(t, MustNew(Entry{Name: "x", Value: 2.0}).Equal(MustNew(Entry{Name: "x", Value: int32(2)})))
}

func TestFromMap(t *testing.T) {
	md, err := FromMap(map[string]interface{}{"z": "last", "a": int32(1)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, md.Names())

	_, err = FromMap(map[string]interface{}{"bad": []string{"x"}})
	assert.Error(t, err)
}

func TestToMapIsCopy(t *testing.T) {
	md := MustNew(Entry{Name: "a", Value: "1"})
	m := md.ToMap()
	m["a"] = "2"
	s, _ := md.StringValue("a")
	assert.Equal(t, "1", s)
}

func TestNewKeyWithMetadata(t *testing.T) {
	_, err := NewKeyWithMetadata(nil, Empty())
	assert.Error(t, err)
}
