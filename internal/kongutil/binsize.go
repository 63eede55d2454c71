// Package kongutil carries kong flag mappers shared by the CLI commands.
package kongutil

import (
	"fmt"
	"math"
	"reflect"

	"github.com/alecthomas/kong"
	"github.com/docker/go-units"
)

// BinSizeMapper parses human-readable byte sizes ("64k", "1m") into integer
// flag fields tagged type:"binsize".
var BinSizeMapper = kong.NamedMapper("binsize", kong.MapperFunc(binSizeMapper))

func binSizeMapper(dctx *kong.DecodeContext, target reflect.Value) error {
	var maxValue uint64
	switch target.Kind() {
	case reflect.Int, reflect.Int64:
		maxValue = math.MaxInt64
	case reflect.Int8:
		maxValue = math.MaxInt8
	case reflect.Int16:
		maxValue = math.MaxInt16
	case reflect.Int32:
		maxValue = math.MaxInt32
	case reflect.Uint, reflect.Uintptr, reflect.Uint64:
		maxValue = math.MaxUint64
	case reflect.Uint8:
		maxValue = math.MaxUint8
	case reflect.Uint16:
		maxValue = math.MaxUint16
	case reflect.Uint32:
		maxValue = math.MaxUint32
	default:
		return fmt.Errorf("\"binsize\" can only be used with integer types")
	}

	var rawSize string
	if err := dctx.Scan.PopValueInto("memsize", &rawSize); err != nil {
		return err
	}

	memSize, err := units.RAMInBytes(rawSize)
	if err != nil {
		return err
	}
	if memSize < 0 || uint64(memSize) > maxValue {
		return fmt.Errorf("size %q out of range for flag type", rawSize)
	}

	target.Set(reflect.ValueOf(memSize).Convert(target.Type()))
	return nil
}
