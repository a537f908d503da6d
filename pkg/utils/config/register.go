package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// AutoRegisterFlags walks an options struct and registers one flag per leaf
// field. Field names come from the json tag (falling back to the lowercased
// field name), joined with '-' under the given prefix; usage text comes from
// the "description" tag. Nested structs and struct pointers recurse.
func AutoRegisterFlags(fs *pflag.FlagSet, prefix string, opt interface{}) {
	registerFlags(fs, prefix, reflect.ValueOf(opt))
}

func registerFlags(fs *pflag.FlagSet, prefix string, v reflect.Value) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		registerFlags(fs, prefix, v.Elem())
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			fv := v.Field(i)
			if !fv.CanInterface() {
				continue
			}
			name := fieldFlagName(field)
			if name == "-" {
				continue
			}
			registerLeaf(fs, joinFlagName(prefix, name), field.Tag.Get("description"), fv)
		}
	}
}

func registerLeaf(fs *pflag.FlagSet, name, usage string, fv reflect.Value) {
	switch fv.Kind() {
	case reflect.Ptr, reflect.Struct:
		if fv.Kind() == reflect.Struct && fv.Type() == reflect.TypeOf(time.Time{}) {
			return
		}
		registerFlags(fs, name, fv)
		return
	}
	if !fv.CanAddr() {
		return
	}
	switch ptr := fv.Addr().Interface().(type) {
	case *string:
		fs.StringVar(ptr, name, *ptr, usage)
	case *bool:
		fs.BoolVar(ptr, name, *ptr, usage)
	case *int:
		fs.IntVar(ptr, name, *ptr, usage)
	case *int32:
		fs.Int32Var(ptr, name, *ptr, usage)
	case *int64:
		fs.Int64Var(ptr, name, *ptr, usage)
	case *uint:
		fs.UintVar(ptr, name, *ptr, usage)
	case *uint64:
		fs.Uint64Var(ptr, name, *ptr, usage)
	case *float64:
		fs.Float64Var(ptr, name, *ptr, usage)
	case *time.Duration:
		fs.DurationVar(ptr, name, *ptr, usage)
	case *[]string:
		fs.StringSliceVar(ptr, name, *ptr, usage)
	default:
		// leave exotic kinds to file/env configuration
	}
}

func fieldFlagName(field reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" {
		return strings.ToLower(field.Name)
	}
	name := strings.Split(tag, ",")[0]
	if name == "" {
		return strings.ToLower(field.Name)
	}
	return name
}

func joinFlagName(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return fmt.Sprintf("%s-%s", prefix, name)
}
