// Package kongini resolves kong flag values from ini configuration files.
// Flags of nested commands map to ini sections, so "wiidisc dump
// --buffer-size" reads [dump] buffer-size. Both dashed and underscored key
// spellings are accepted.
package kongini

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/ini.v1"
)

func Loader(r io.Reader) (kong.Resolver, error) {
	iniFile, err := ini.Load(r)
	if err != nil {
		return nil, fmt.Errorf("error loading ini file: %w", err)
	}

	return kong.ResolverFunc(func(kctx *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
		section, key := locate(parent, flag)

		sec := findSection(iniFile, section)
		if sec == nil {
			return nil, nil // not found
		}

		k, err := sec.GetKey(key)
		if err != nil {
			k, err = sec.GetKey(ini.TitleUnderscore(key))
		}
		if err != nil {
			return nil, nil // not found
		}

		return k.Value(), nil
	}), nil
}

// locate derives the section and key names for a flag from its command path.
func locate(parent *kong.Path, flag *kong.Flag) (section, key string) {
	var path []string
	for n := parent.Node(); n != nil && n.Type != kong.ApplicationNode; n = n.Parent {
		path = append([]string{n.Name}, path...)
	}
	path = append(path, flag.Name)

	section = ini.DefaultSection
	key = strings.Join(path, ".")
	if i := strings.LastIndexByte(key, '.'); i != -1 {
		section, key = key[:i], key[i+1:]
	}

	return section, key
}

func findSection(f *ini.File, name string) *ini.Section {
	sec, err := f.GetSection(name)
	if err != nil {
		sec, err = f.GetSection(ini.TitleUnderscore(name))
	}
	if err != nil {
		return nil
	}

	return sec
}

var _ kong.ConfigurationLoader = Loader
