package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValueType(t *testing.T) {
	tests := []struct {
		in   string
		want ValueType
	}{
		{"dbl", ValueTypeFloat},
		{"float", ValueTypeFloat},
		{"STR", ValueTypeStr},
		{" log ", ValueTypeLog},
		{"uint", ValueTypeUint},
		{"unsigned", ValueTypeUint},
		{"text", ValueTypeText},
		{"3", ValueTypeUint},
		{"0", ValueTypeFloat},
	}
	for _, tt := range tests {
		got, err := ParseValueType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "bool", "5", "-1", "300"} {
		_, err := ParseValueType(bad)
		assert.Error(t, err, bad)
	}
}

func TestValueTypeTable(t *testing.T) {
	for _, vt := range ValueTypes() {
		assert.True(t, vt.Valid())
		back, err := ParseValueType(vt.String())
		require.NoError(t, err)
		assert.Equal(t, vt, back)
	}
	assert.True(t, ValueTypeFloat.Numeric())
	assert.True(t, ValueTypeUint.Numeric())
	assert.False(t, ValueTypeStr.Numeric())
	assert.False(t, ValueTypeLog.Numeric())
	assert.False(t, ValueTypeText.Numeric())
	assert.False(t, ValueType(9).Valid())
	assert.Equal(t, "valuetype(9)", ValueType(9).String())
}

func TestFunctionJSON(t *testing.T) {
	var req struct {
		Function Function `json:"function"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"function":"AVG"}`), &req))
	assert.Equal(t, FuncAvg, req.Function)

	out, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"function":"avg"}`, string(out))

	assert.Error(t, json.Unmarshal([]byte(`{"function":"median"}`), &req))
	assert.Error(t, json.Unmarshal([]byte(`{"function":3}`), &req))
}

func TestParseFunction(t *testing.T) {
	for f, name := range functionNames {
		got, err := ParseFunction(name)
		require.NoError(t, err)
		assert.Equal(t, f, got)
		assert.True(t, f.Valid())
	}
	assert.False(t, Function(0).Valid())
	_, err := ParseFunction("p99")
	assert.Error(t, err)
}

func TestSampleNumeric(t *testing.T) {
	v, ok := Sample{Type: ValueTypeUint, Uint: 7}.Numeric()
	assert.True(t, ok)
	assert.Equal(t, float64(7), v)

	_, ok = Sample{Type: ValueTypeLog, Str: "x"}.Numeric()
	assert.False(t, ok)

	s := Sample{Clock: 10, Ns: 5}
	assert.True(t, s.Before(10, 6))
	assert.True(t, s.Before(11, 0))
	assert.False(t, s.Before(10, 5))
}
