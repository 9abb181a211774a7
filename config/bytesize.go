package config

import (
	"fmt"
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
)

// ByteSize is a size in bytes written in configuration as a plain number or
// a human string such as "32KiB" or "1 MB".
type ByteSize uint64

// ParseByteSize parses s with humanize.ParseBytes.
func ParseByteSize(s string) (ByteSize, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return ByteSize(n), nil
}

// Int returns the size as an int.
func (b ByteSize) Int() int {
	return int(b)
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// MarshalYAML writes the human form.
func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

// UnmarshalText accepts the human form.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = n
	return nil
}

func byteSizeHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(ByteSize(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != target || from.Kind() != reflect.String {
			return data, nil
		}
		return ParseByteSize(reflect.ValueOf(data).String())
	}
}
