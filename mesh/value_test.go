package mesh

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_SortsEntries(t *testing.T) {
	m := Map(
		Entry{Key: String("b"), Value: Int(2)},
		Entry{Key: String("a"), Value: Int(1)},
	)

	entries := m.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", mustString(t, entries[0].Key))

	v, ok := m.Get("b")
	require.True(t, ok)
	assert.True(t, v.Equal(Int(2)))

	_, ok = m.Get("c")
	assert.False(t, ok)
}

func TestValue_Equal(t *testing.T) {
	assert.True(t, Float(math.NaN()).Equal(Float(math.NaN())))
	assert.False(t, Int(1).Equal(Uint(1)))
	assert.True(t, Variant("x", Int(3)).Equal(Variant("x", Int(3))))
	assert.False(t, Variant("x", Int(3)).Equal(Variant("i", Int(3))))
	assert.False(t, Array(Int(1)).Equal(Array(Int(1), Int(2))))
}

func TestArray_CopiesInput(t *testing.T) {
	items := []Value{Int(1)}
	a := Array(items...)
	items[0] = Int(9)
	assert.True(t, a.Items()[0].Equal(Int(1)))
}

func TestCompare_OrdersByKindThenContent(t *testing.T) {
	assert.Equal(t, -1, Compare(Bool(true), Int(0)))
	assert.Equal(t, -1, Compare(Int(-5), Int(3)))
	assert.Equal(t, 1, Compare(String("b"), String("a")))
	assert.Equal(t, 0, Compare(Array(Int(1)), Array(Int(1))))
	assert.Equal(t, -1, Compare(Array(Int(1)), Array(Int(1), Int(0))))
}

func TestJSON_Wire(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		wire  string
	}{
		{"null", Null(), `null`},
		{"int", Int(-3), `-3`},
		{"float keeps fraction", Float(2), `2.0`},
		{"nan", Float(math.NaN()), `{"$float":"NaN"}`},
		{"map", Map(Entry{Key: Int(1), Value: String("one")}), `{"$map":[[1,"one"]]}`},
		{"variant", Variant("ai", Array(Int(1))), `{"$sig":"ai","$value":[1]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.value)
			require.NoError(t, err)
			assert.JSONEq(t, tt.wire, string(data))

			back, err := Decode(data)
			require.NoError(t, err)
			assert.True(t, tt.value.Equal(back), "got %s", back)
		})
	}
}

func TestDecode_ClientForms(t *testing.T) {
	v, err := Decode([]byte(`18446744073709551615`))
	require.NoError(t, err)
	u, ok := v.AsUint()
	require.True(t, ok)
	assert.Equal(t, uint64(math.MaxUint64), u)

	v, err = Decode([]byte(`{"b":true,"a":1}`))
	require.NoError(t, err)
	require.Equal(t, KindMap, v.Kind())
	a, ok := v.Get("a")
	require.True(t, ok)
	assert.True(t, a.Equal(Int(1)))

	_, err = Decode([]byte(`{"$map":[[1]]}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"$float":"Inf"}`))
	assert.Error(t, err)
}

func TestPath(t *testing.T) {
	p := Join("root", "com.example.Clock", "Clock")
	assert.Equal(t, Path("root/com.example.Clock/Clock"), p)
	assert.Equal(t, []string{"root", "com.example.Clock", "Clock"}, p.Segments())
	assert.Equal(t, Path("root/com.example.Clock/Clock/Time"), p.Child("Time"))
	assert.Equal(t, Path("x"), Path("").Child("x"))
	assert.Nil(t, Path("").Segments())

	assert.True(t, p.Under("root"))
	assert.True(t, p.Under(p))
	assert.True(t, p.Under(""))
	assert.False(t, Path("rootx/a").Under("root"))
}

func TestToWireError(t *testing.T) {
	assert.Nil(t, ToWireError(nil))

	we := ToWireError(assert.AnError)
	assert.Equal(t, ErrorKindInternal, we.Kind)

	direct := &WireError{Kind: "Remote", Name: "org.example.Error", Message: "boom"}
	assert.Same(t, direct, ToWireError(direct))
	assert.Equal(t, "Remote: org.example.Error: boom", direct.Error())
}

func mustString(t *testing.T, v Value) string {
	t.Helper()
	s, ok := v.AsString()
	require.True(t, ok)
	return s
}
