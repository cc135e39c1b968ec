package config

import (
	"fmt"
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// ByteSize is a size in bytes which may be configured either as a plain
// number or as a human readable string such as "4GiB" or "512MB".
type ByteSize uint64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		ByteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

func ByteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch f.Kind() {
		case reflect.String:
			parsed, err := humanize.ParseBytes(data.(string))
			if err != nil {
				return nil, fmt.Errorf("invalid byte size %q: %w", data, err)
			}
			return ByteSize(parsed), nil
		default:
			return data, nil
		}
	}
}
