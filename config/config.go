// Package config loads ircsky's YAML configuration file and overlays it
// with environment variables, per spec.md §6.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix and EnvSeparator fix the environment-overlay naming scheme:
// a field path Irc.Tls.Enabled is read from IRCSKY_IRC__TLS__ENABLED.
const (
	EnvPrefix    = "IRCSKY"
	EnvSeparator = "__"
)

type Config struct {
	Jetstream Jetstream `yaml:"jetstream"`
	Psky      Psky      `yaml:"psky"`
	IRC       IRC       `yaml:"irc"`
}

type Jetstream struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Psky struct {
	General string `yaml:"general"`
}

type IRC struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Motd string `yaml:"motd"`
	TLS  TLS    `yaml:"tls"`
}

type TLS struct {
	Enabled bool   `yaml:"enabled"`
	Certs   string `yaml:"certs"`
	Key     string `yaml:"key"`
}

// Load reads path as YAML into a Config, then overlays any matching
// IRCSKY_-prefixed environment variables on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := overlayEnv(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	return &cfg, nil
}

// overlayEnv walks cfg's fields by their yaml tag path and, for every field
// whose corresponding IRCSKY_<PATH> environment variable is set, replaces
// the decoded value with the parsed environment value.
func overlayEnv(cfg *Config) error {
	return walkStruct(reflect.ValueOf(cfg).Elem(), []string{EnvPrefix})
}

func walkStruct(v reflect.Value, path []string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("yaml")
		name := strings.SplitN(tag, ",", 2)[0]
		if name == "" {
			name = strings.ToUpper(field.Name)
		}
		fieldPath := append(append([]string{}, path...), strings.ToUpper(name))
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			if err := walkStruct(fv, fieldPath); err != nil {
				return err
			}
			continue
		}

		envName := EnvPrefix + "_" + strings.Join(fieldPath[1:], EnvSeparator)
		raw, ok := os.LookupEnv(envName)
		if !ok {
			continue
		}
		if err := setFromEnv(fv, raw); err != nil {
			return fmt.Errorf("%s: %w", envName, err)
		}
	}
	return nil
}

func setFromEnv(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("not an integer: %q", raw)
		}
		fv.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("not a boolean: %q", raw)
		}
		fv.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s for environment override", fv.Kind())
	}
	return nil
}

// ResolveMotd treats motd as a filesystem path if readable, otherwise
// returns it as a literal string, per spec.md §6. An empty motd returns
// ("", false): callers should reply 422.
func ResolveMotd(motd string) (string, bool) {
	if motd == "" {
		return "", false
	}
	if data, err := os.ReadFile(motd); err == nil {
		return string(data), true
	}
	return motd, true
}
