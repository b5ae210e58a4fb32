package config

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/hjson/hjson-go/v4"
	"github.com/mitchellh/mapstructure"
)

// Size is a byte count that may be written as "32MiB" in a config file.
type Size int

// File mirrors the HJSON/JSON config file. Zero values leave the defaults
// untouched.
type File struct {
	Listen     string        `mapstructure:"listen"`
	Target     string        `mapstructure:"target"`
	Processes  int           `mapstructure:"processes"`
	Time       time.Duration `mapstructure:"time"`
	Interval   time.Duration `mapstructure:"interval"`
	RecvBuffer Size          `mapstructure:"recv_buffer"`
	SendBuffer Size          `mapstructure:"send_buffer"`
	Window     Size          `mapstructure:"window"`
	Metrics    string        `mapstructure:"metrics"`
}

func ReadFile(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var dat map[string]interface{}
	if err := hjson.Unmarshal(data, &dat); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	f := new(File)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(durationHook, sizeHook),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           f,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(dat); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return f, nil
}

func (f *File) applyServer(c *ServerConfig) {
	if f == nil {
		return
	}
	if f.Listen != "" {
		c.Listen = f.Listen
	}
	if f.Interval != 0 {
		c.Interval = f.Interval
	}
	if f.RecvBuffer != 0 {
		c.BufferSize = int(f.RecvBuffer)
	}
	if f.Window != 0 {
		c.SocketBuffer = int(f.Window)
	}
	if f.Metrics != "" {
		c.MetricsAddr = f.Metrics
	}
}

func (f *File) applyClient(c *ClientConfig) {
	if f == nil {
		return
	}
	if f.Target != "" {
		c.Target = f.Target
	}
	if f.Processes != 0 {
		c.Workers = f.Processes
	}
	if f.Time != 0 {
		c.Duration = f.Time
	}
	if f.SendBuffer != 0 {
		c.BufferSize = int(f.SendBuffer)
	}
	if f.Window != 0 {
		c.SocketBuffer = int(f.Window)
	}
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	sizeType     = reflect.TypeOf(Size(0))
)

// Plain numbers are seconds.
func durationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return ParseDuration(v)
	case float64:
		return seconds(v), nil
	case int:
		return seconds(float64(v)), nil
	}
	return data, nil
}

func sizeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != sizeType {
		return data, nil
	}
	if s, ok := data.(string); ok {
		n, err := ParseSize(s)
		return Size(n), err
	}
	return data, nil
}
