package cmd

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/Alia5/usbipd/internal/configpaths"
)

// Commands whose flags can be preset from a configuration file.
var configurableCommands = map[string]reflect.Type{
	"server": reflect.TypeOf(Server{}),
	"proxy":  reflect.TypeOf(Proxy{}),
	"list":   reflect.TypeOf(List{}),
}

var templateEncoders = map[string]func(any) ([]byte, error){
	"json": func(v any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") },
	"yaml": yaml.Marshal,
	"toml": toml.Marshal,
}

var durationType = reflect.TypeOf(time.Duration(0))

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit writes the defaults of one command as a configuration file.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for" enum:"server,proxy,list"`
	Format  string `help:"Output format" enum:"json,yaml,yml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to <command>.<format> in the current directory)"`
	Force   bool   `help:"Overwrite if the file already exists"`
}

func (c *ConfigInit) Run() error {
	format := strings.ToLower(c.Format)
	if format == "yml" {
		format = "yaml"
	}
	encode, ok := templateEncoders[format]
	if !ok {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}
	cmdType, ok := configurableCommands[c.Command]
	if !ok {
		return fmt.Errorf("unknown command %q; expected one of %s",
			c.Command, strings.Join(slices.Sorted(maps.Keys(configurableCommands)), ", "))
	}

	dest := cmp.Or(c.Output, c.Command+"."+format)
	if _, err := os.Stat(dest); err == nil && !c.Force {
		return fmt.Errorf("%s exists; use --force to overwrite", dest)
	}

	data, err := encode(configTemplate(cmdType))
	if err != nil {
		return fmt.Errorf("encode %s template: %w", format, err)
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	fmt.Println("Wrote", dest)
	return nil
}

// configKey converts a Go field name to the key kong's configuration loaders
// resolve for its flag, e.g. ConnectionTimeout to connection_timeout and JSON
// to json.
func configKey(s string) string {
	r := []rune(s)
	var b strings.Builder
	for i, c := range r {
		if unicode.IsUpper(c) {
			prevLower := i > 0 && !unicode.IsUpper(r[i-1])
			nextLower := i > 0 && i+1 < len(r) && unicode.IsLower(r[i+1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
			c = unicode.ToLower(c)
		}
		b.WriteRune(c)
	}
	return b.String()
}

// configTemplate maps every configurable flag of t to its default. Embedded
// groups with a prefix become nested maps, matching kong's resolver lookup.
func configTemplate(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	out := map[string]any{}
	for i := range t.NumField() {
		f := t.Field(i)
		if !f.IsExported() || f.Tag.Get("kong") == "-" {
			continue
		}
		if _, ok := f.Tag.Lookup("embed"); ok {
			sub := configTemplate(f.Type)
			if name := strings.TrimSuffix(f.Tag.Get("prefix"), "."); name != "" {
				out[name] = sub
			} else {
				maps.Copy(out, sub)
			}
			continue
		}

		key := cmp.Or(strings.ReplaceAll(f.Tag.Get("name"), "-", "_"), configKey(f.Name))
		if val := defaultValue(f.Type, f.Tag.Get("default")); val != nil {
			out[key] = val
		}
	}
	return out
}

// defaultValue parses a kong default tag into a value of t's kind. Unparsable
// or missing defaults yield the zero value.
func defaultValue(t reflect.Type, def string) any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == durationType {
		return cmp.Or(def, "0s")
	}
	switch t.Kind() {
	case reflect.String:
		return def
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, _ := strconv.ParseInt(def, 10, 64)
		return n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, _ := strconv.ParseUint(def, 10, 64)
		return n
	case reflect.Float32, reflect.Float64:
		f, _ := strconv.ParseFloat(def, 64)
		return f
	case reflect.Slice:
		if def == "" {
			return []string{}
		}
		return strings.Split(def, ",")
	case reflect.Struct:
		return configTemplate(t)
	default:
		return nil
	}
}
