// Package config loads statelog settings from YAML or JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/ttaaoo/statelog/internal/log"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string such as "250ms" or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.parse(n.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// File is the on-disk configuration. Unset fields keep the log's defaults.
type File struct {
	Dir             string   `yaml:"dir" json:"dir"`
	MaxSize         uint64   `yaml:"max_size" json:"max.size"`
	MaxSegments     uint32   `yaml:"max_segments" json:"max.segments"`
	SegmentSize     uint32   `yaml:"segment_size" json:"segment.size"`
	SegmentInterval Duration `yaml:"segment_interval" json:"segment.interval"`
	InitialIndex    uint64   `yaml:"initial_index" json:"initial.index"`
	FlushOnWrite    *bool    `yaml:"flush_on_write" json:"flush.on.write"`
	FlushInterval   Duration `yaml:"flush_interval" json:"flush.interval"`
	FlushRetries    *int     `yaml:"flush_retries" json:"flush.retries"`
	FlushBackoff    Duration `yaml:"flush_backoff" json:"flush.backoff"`
	LogLevel        string   `yaml:"log_level" json:"log_level"`

	Agent Agent `yaml:"agent" json:"agent"`
}

// Agent configures the serve command's cluster node.
type Agent struct {
	NodeName    string   `yaml:"node_name" json:"node.name"`
	BindAddr    string   `yaml:"bind_addr" json:"bind.addr"`
	RaftPort    int      `yaml:"raft_port" json:"raft.port"`
	Join        []string `yaml:"join" json:"join"`
	Bootstrap   bool     `yaml:"bootstrap" json:"bootstrap"`
	MetricsPort int      `yaml:"metrics_port" json:"metrics.port"`
}

// Load reads path as JSON when it ends in .json and as YAML otherwise.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	f := &File{}
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, f)
	} else {
		err = yaml.Unmarshal(data, f)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}

// LogConfig builds a validated log configuration, starting from the defaults and applying
// every field the file sets. An empty Dir falls back to DefaultDir.
func (f *File) LogConfig() (log.Config, error) {
	dir := f.Dir
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return log.Config{}, err
		}
	}

	c := log.DefaultConfig(dir)
	if f.MaxSize != 0 {
		c = c.WithMaxSize(f.MaxSize)
	}
	if f.MaxSegments != 0 {
		c = c.WithMaxSegments(f.MaxSegments)
	}
	if f.SegmentSize != 0 {
		c = c.WithSegmentSize(f.SegmentSize)
	}
	if f.SegmentInterval != 0 {
		c = c.WithSegmentInterval(time.Duration(f.SegmentInterval))
	}
	if f.InitialIndex != 0 {
		c = c.WithInitialIndex(f.InitialIndex)
	}
	if f.FlushOnWrite != nil {
		c = c.WithFlushOnWrite(*f.FlushOnWrite)
	}
	if f.FlushInterval != 0 {
		c = c.WithFlushInterval(time.Duration(f.FlushInterval))
	}
	if f.FlushRetries != nil || f.FlushBackoff != 0 {
		retries, backoff := c.Flush.Retries, c.Flush.Backoff
		if f.FlushRetries != nil {
			retries = *f.FlushRetries
		}
		if f.FlushBackoff != 0 {
			backoff = time.Duration(f.FlushBackoff)
		}
		c = c.WithFlushRetries(retries, backoff)
	}

	if err := c.Validate(); err != nil {
		return log.Config{}, err
	}
	return c, nil
}

// Level returns the zerolog level named by LogLevel, info when unset.
func (f *File) Level() (zerolog.Level, error) {
	if f.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(f.LogLevel))
}
