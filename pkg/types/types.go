package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ValueType identifies how an item's samples are typed and stored
type ValueType uint8

const (
	ValueTypeFloat ValueType = 0
	ValueTypeStr   ValueType = 1
	ValueTypeLog   ValueType = 2
	ValueTypeUint  ValueType = 3
	ValueTypeText  ValueType = 4
)

// valueTypeInfo is the single table describing every value type.
// Routing and function support both read from it.
var valueTypeInfo = map[ValueType]struct {
	name    string
	numeric bool
}{
	ValueTypeFloat: {name: "dbl", numeric: true},
	ValueTypeStr:   {name: "str"},
	ValueTypeLog:   {name: "log"},
	ValueTypeUint:  {name: "uint", numeric: true},
	ValueTypeText:  {name: "text"},
}

// ValueTypes returns every known value type in code order
func ValueTypes() []ValueType {
	return []ValueType{ValueTypeFloat, ValueTypeStr, ValueTypeLog, ValueTypeUint, ValueTypeText}
}

// Valid reports whether the value type is known
func (v ValueType) Valid() bool {
	_, ok := valueTypeInfo[v]
	return ok
}

// Numeric reports whether samples of this type are numbers (and have trends)
func (v ValueType) Numeric() bool {
	return valueTypeInfo[v].numeric
}

// String returns the storage name of the value type
func (v ValueType) String() string {
	if info, ok := valueTypeInfo[v]; ok {
		return info.name
	}
	return fmt.Sprintf("valuetype(%d)", uint8(v))
}

// ParseValueType accepts either a storage name ("dbl", "uint", ...) or a numeric code
func ParseValueType(s string) (ValueType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for vt, info := range valueTypeInfo {
		if info.name == s {
			return vt, nil
		}
	}
	switch s {
	case "float":
		return ValueTypeFloat, nil
	case "unsigned", "uint64":
		return ValueTypeUint, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if vt := ValueType(n); n >= 0 && n < 256 && vt.Valid() {
			return vt, nil
		}
	}
	return 0, fmt.Errorf("unknown value type %q", s)
}

// Item is a monitored metric whose samples the engine serves
type Item struct {
	ItemID    uint64    `json:"itemid" cbor:"1,keyasint"`
	ValueType ValueType `json:"value_type" cbor:"2,keyasint"`
	HostID    uint64    `json:"hostid,omitempty" cbor:"3,keyasint,omitempty"`
	Key       string    `json:"key,omitempty" cbor:"4,keyasint,omitempty"`
}

// Function is an aggregation function applied inside each bucket
type Function uint8

const (
	FuncMin Function = iota + 1
	FuncMax
	FuncAvg
	FuncCount
	FuncSum
	FuncFirst
	FuncLast
)

var functionNames = map[Function]string{
	FuncMin:   "min",
	FuncMax:   "max",
	FuncAvg:   "avg",
	FuncCount: "count",
	FuncSum:   "sum",
	FuncFirst: "first",
	FuncLast:  "last",
}

// String returns the lower-case function name
func (f Function) String() string {
	if name, ok := functionNames[f]; ok {
		return name
	}
	return fmt.Sprintf("function(%d)", uint8(f))
}

// Valid reports whether the function is known
func (f Function) Valid() bool {
	_, ok := functionNames[f]
	return ok
}

// ParseFunction parses a case-insensitive function name
func ParseFunction(s string) (Function, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range functionNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown aggregation function %q", s)
}

// MarshalJSON encodes the function by name
func (f Function) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON accepts the function name
func (f *Function) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("aggregation function must be a string: %w", err)
	}
	parsed, err := ParseFunction(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Source tags which storage tier produced a bucket
type Source string

const (
	SourceHistory Source = "history"
	SourceTrends  Source = "trends"
)

// Sample is a single raw history value
type Sample struct {
	ItemID     uint64    `json:"itemid" cbor:"1,keyasint"`
	Clock      int64     `json:"clock" cbor:"2,keyasint"`
	Ns         int32     `json:"ns" cbor:"3,keyasint"`
	Type       ValueType `json:"value_type" cbor:"4,keyasint"`
	Float      float64   `json:"value_dbl,omitempty" cbor:"5,keyasint,omitempty"`
	Uint       uint64    `json:"value_uint,omitempty" cbor:"6,keyasint,omitempty"`
	Str        string    `json:"value_str,omitempty" cbor:"7,keyasint,omitempty"`
	LogEventID uint64    `json:"logeventid,omitempty" cbor:"8,keyasint,omitempty"`
	Severity   int       `json:"severity,omitempty" cbor:"9,keyasint,omitempty"`
	Source     string    `json:"source,omitempty" cbor:"10,keyasint,omitempty"`
}

// Numeric returns the sample value as a float for numeric types
func (s Sample) Numeric() (float64, bool) {
	switch s.Type {
	case ValueTypeFloat:
		return s.Float, true
	case ValueTypeUint:
		return float64(s.Uint), true
	}
	return 0, false
}

// Before reports whether s sorts strictly before (clock, ns)
func (s Sample) Before(clock int64, ns int32) bool {
	return s.Clock < clock || (s.Clock == clock && s.Ns < ns)
}

// TrendRow is one pre-aggregated row of the trends tier
type TrendRow struct {
	ItemID   uint64    `json:"itemid" cbor:"1,keyasint"`
	Clock    int64     `json:"clock" cbor:"2,keyasint"`
	Type     ValueType `json:"value_type" cbor:"3,keyasint"`
	ValueMin float64   `json:"value_min" cbor:"4,keyasint"`
	ValueMax float64   `json:"value_max" cbor:"5,keyasint"`
	ValueAvg float64   `json:"value_avg" cbor:"6,keyasint"`
	Num      uint64    `json:"num" cbor:"7,keyasint"`
}

// AggRow is one pre-bucketed row returned by a store for a width-bucketed query.
// Clock is the maximum sample clock seen in the bucket.
type AggRow struct {
	ItemID uint64  `json:"itemid"`
	Index  int     `json:"i"`
	Clock  int64   `json:"clock"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Sum    float64 `json:"sum"`
	Count  uint64  `json:"count"`
	First  float64 `json:"first"`
	Last   float64 `json:"last"`
}

// Bucket is one point of an aggregated series
type Bucket struct {
	Tick   int64   `json:"tick"`
	Clock  int64   `json:"clock"`
	Value  float64 `json:"value"`
	Source Source  `json:"-"`
}

// AggregatedSeries is the stitched, bucketed result for one item
type AggregatedSeries struct {
	ItemID   uint64   `json:"-"`
	Function Function `json:"-"`
	Sources  []Source `json:"source"`
	Data     []Bucket `json:"data"`
}

// HasSource reports whether src contributed to the series
func (s *AggregatedSeries) HasSource(src Source) bool {
	for _, have := range s.Sources {
		if have == src {
			return true
		}
	}
	return false
}

// WriteRequest carries raw samples and already-computed trend rows to a store
type WriteRequest struct {
	Items   []Item     `json:"items,omitempty"`
	Samples []Sample   `json:"samples,omitempty"`
	Trends  []TrendRow `json:"trends,omitempty"`
}
