package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// EnvLoader overrides configuration values from the environment. The
// variable for a field is the prefix followed by the upper-cased yaml keys
// of its path, e.g. NFTFENCE_BLACKLIST_BLOCK_AFTER.
type EnvLoader struct {
	prefix string
}

func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{prefix: prefix}
}

// Load applies every matching variable to config.
func (el *EnvLoader) Load(config *Config) error {
	return el.walk(reflect.ValueOf(config).Elem(), el.prefix)
}

func (el *EnvLoader) walk(v reflect.Value, name string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		key := envName(name, yamlKey(t.Field(i)))

		var err error
		switch field.Kind() {
		case reflect.Struct:
			err = el.walk(field, key)
		case reflect.Map:
			err = setMap(field, key)
		default:
			raw, ok := os.LookupEnv(key)
			if !ok {
				continue
			}
			err = setScalar(field, raw)
			if err != nil {
				err = fmt.Errorf("%s: %w", key, err)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func yamlKey(f reflect.StructField) string {
	tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if tag == "" || tag == "-" {
		return f.Name
	}
	return tag
}

func envName(prefix, key string) string {
	key = strings.NewReplacer("-", "_", ".", "_").Replace(strings.ToUpper(key))
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}

func setScalar(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported kind %s", field.Kind())
	}
	return nil
}

// setMap fills a map[string]string from every variable below prefix,
// e.g. NFTFENCE_LOGGING_MODULE_LEVELS_LOGSCAN=debug sets module_levels.logscan.
func setMap(field reflect.Value, prefix string) error {
	mt := field.Type()
	if mt.Key().Kind() != reflect.String || mt.Elem().Kind() != reflect.String {
		return fmt.Errorf("%s: only map[string]string is supported", prefix)
	}

	prefix += "_"
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if field.IsNil() {
			field.Set(reflect.MakeMap(mt))
		}
		name := strings.ToLower(strings.TrimPrefix(key, prefix))
		field.SetMapIndex(reflect.ValueOf(name), reflect.ValueOf(value))
	}
	return nil
}
