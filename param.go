package pgsession

import "github.com/gopgsession/pgsession/internal/driver"

// JSONValue marks a query argument for JSON encoding before binding, the
// `{json: v}` parameter form in spec.md §4.2 step 3.
type JSONValue struct {
	V any
}

// JSON wraps v so Query binds it as JSON-encoded text.
func JSON(v any) JSONValue { return JSONValue{V: v} }

// TypedValue binds Value with an explicit driver-native type OID, the
// `{type: T, value: v}` parameter form in spec.md §4.2 step 3.
type TypedValue struct {
	OID   uint32
	Value any
}

// Typed wraps value so Query binds it with the given driver type OID.
func Typed(oid uint32, value any) TypedValue { return TypedValue{OID: oid, Value: value} }

// toDriverParams converts the public Query argument forms into the
// internal driver.Param representation.
func toDriverParams(args []any) []driver.Param {
	params := make([]driver.Param, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case JSONValue:
			params[i] = driver.Param{Kind: driver.ParamJSON, Value: v.V}
		case TypedValue:
			params[i] = driver.Param{Kind: driver.ParamTyped, Value: v.Value, OID: v.OID}
		default:
			params[i] = driver.Param{Kind: driver.ParamScalar, Value: a}
		}
	}
	return params
}
