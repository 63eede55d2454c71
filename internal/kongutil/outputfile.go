package kongutil

import (
	"fmt"
	"os"
	"reflect"

	"github.com/alecthomas/kong"
)

// OutputFileMapper opens *os.File flag fields tagged type:"outputfile" for
// writing. "-" maps to stdout, existing files are refused to avoid
// clobbering a dump target.
var OutputFileMapper = kong.NamedMapper("outputfile", kong.MapperFunc(outputFileMapper))

func outputFileMapper(dctx *kong.DecodeContext, target reflect.Value) error {
	if _, ok := target.Interface().(*os.File); !ok {
		return fmt.Errorf("\"outputfile\" can only be used with *os.File")
	}

	var path string
	if err := dctx.Scan.PopValueInto("file", &path); err != nil {
		return err
	}

	if path == "-" {
		target.Set(reflect.ValueOf(os.Stdout))
		return nil
	}

	f, err := os.OpenFile(kong.ExpandPath(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, os.ModePerm)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("target file already exists")
		}
		return err
	}

	target.Set(reflect.ValueOf(f))
	return nil
}
