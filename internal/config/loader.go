package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"

	"gopkg.in/yaml.v3"
)

// LoadAppConfig starts from DefaultAppConfig and overlays every
// <section>.yaml or <section>.json found in dir. Missing files keep the
// defaults.
func LoadAppConfig(dir string) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	var rawServer RawServerConfig
	if err := loadFileInto(dir, "server", &rawServer); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	mergeInto(&cfg.Server, rawServer.ToDomain())

	var rawSec RawSecurityConfig
	if err := loadFileInto(dir, "security", &rawSec); err != nil {
		return nil, fmt.Errorf("security config: %w", err)
	}
	parsedSec, err := rawSec.ToDomain()
	if err != nil {
		return nil, err
	}
	mergeInto(&cfg.Security, parsedSec)

	var rawWebRTC RawWebRTCConfig
	if err := loadFileInto(dir, "webrtc", &rawWebRTC); err != nil {
		return nil, fmt.Errorf("webrtc config: %w", err)
	}
	parsedWebRTC, err := rawWebRTC.ToDomain()
	if err != nil {
		return nil, err
	}
	mergeInto(&cfg.WebRTC, parsedWebRTC)

	var rawTURN RawTURNConfig
	if err := loadFileInto(dir, "turn", &rawTURN); err != nil {
		return nil, fmt.Errorf("turn config: %w", err)
	}
	parsedTURN, err := rawTURN.ToDomain()
	if err != nil {
		return nil, err
	}
	mergeInto(&cfg.TURN, parsedTURN)

	var rawAgent RawAgentConfig
	if err := loadFileInto(dir, "agent", &rawAgent); err != nil {
		return nil, fmt.Errorf("agent config: %w", err)
	}
	mergeInto(&cfg.Agent, rawAgent.ToDomain())

	var rawLog RawLogConfig
	if err := loadFileInto(dir, "log", &rawLog); err != nil {
		return nil, fmt.Errorf("log config: %w", err)
	}
	mergeInto(&cfg.Log, rawLog.ToDomain())

	return &cfg, nil
}

// decoders are tried in order; the first existing file wins.
var decoders = []struct {
	ext    string
	decode func(io.Reader, any) error
}{
	{".yaml", func(r io.Reader, v any) error { return yaml.NewDecoder(r).Decode(v) }},
	{".json", func(r io.Reader, v any) error { return json.NewDecoder(r).Decode(v) }},
}

// loadFileInto decodes dir/<section>.yaml or .json into target. A missing
// or empty file leaves target untouched.
func loadFileInto(dir, section string, target any) error {
	for _, d := range decoders {
		path := filepath.Join(dir, section+d.ext)
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = d.decode(f, target)
		_ = f.Close()
		if errors.Is(err, io.EOF) {
			slog.Warn("config file is empty, using defaults", "file", path)
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func mergeInto(dst, src any) {
	dstVal := reflect.ValueOf(dst).Elem()
	srcVal := reflect.ValueOf(src)

	mergeValues(dstVal, srcVal)
}

func mergeValues(dstVal, srcVal reflect.Value) {
	for i := 0; i < srcVal.NumField(); i++ {
		srcField := srcVal.Field(i)
		dstField := dstVal.Field(i)

		switch srcField.Kind() {
		case reflect.Struct:
			mergeValues(dstField, srcField)
		case reflect.Slice:
			if !srcField.IsNil() && srcField.Len() > 0 {
				dstField.Set(srcField)
			}
		case reflect.Pointer:
			if !srcField.IsNil() {
				dstField.Set(srcField)
			}
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}
}
