// Package numeric holds decimal conversions shared by the config and strategy
// decoders.
package numeric

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
)

var decimalType = reflect.TypeOf(decimal.Decimal{})

// DecimalHook is a mapstructure hook decoding strings, integers and floats
// into decimal.Decimal. Floats go through their shortest string form so 0.1
// decodes as exactly 0.1.
func DecimalHook() mapstructure.DecodeHookFuncType {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		return ToDecimal(data)
	}
}

// ToDecimal converts a loosely typed value into a decimal.
func ToDecimal(data any) (decimal.Decimal, error) {
	switch v := data.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint:
		return decimal.NewFromString(strconv.FormatUint(uint64(v), 10))
	case uint32:
		return decimal.NewFromInt(int64(v)), nil
	case uint64:
		return decimal.NewFromString(strconv.FormatUint(v, 10))
	case float32:
		return decimal.NewFromString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	case float64:
		return decimal.NewFromString(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot decode %T as decimal", data)
	}
}
