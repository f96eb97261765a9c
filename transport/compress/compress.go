/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

// Package compress implements XEP-0138 stream compression via zlib.
package compress

import (
	"compress/zlib"
	"io"
)

// Level represents a zlib compression level.
type Level int

const (
	// NoCompression disables stream compression.
	NoCompression Level = iota
	// DefaultCompression uses zlib's default compromise.
	DefaultCompression
	// BestCompression favors compression ratio over speed.
	BestCompression
	// SpeedCompression favors speed over compression ratio.
	SpeedCompression
)

// UnmarshalYAML accepts the lowercase level names used in the YAML
// config file ("none", "default", "best", "speed").
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch s {
	case "best":
		*l = BestCompression
	case "speed":
		*l = SpeedCompression
	case "default":
		*l = DefaultCompression
	default:
		*l = NoCompression
	}
	return nil
}

func (l Level) zlibLevel() int {
	switch l {
	case BestCompression:
		return zlib.BestCompression
	case SpeedCompression:
		return zlib.BestSpeed
	case DefaultCompression:
		return zlib.DefaultCompression
	default:
		return zlib.NoCompression
	}
}

// NewZlibWriter wraps w with a zlib compressing writer at the given level.
func NewZlibWriter(w io.Writer, level Level) (io.WriteCloser, error) {
	return zlib.NewWriterLevel(w, level.zlibLevel())
}

// NewZlibReader wraps r with a zlib decompressing reader. Must only be
// called once the peer's first compressed byte has actually arrived,
// since zlib.NewReader reads the stream header eagerly.
func NewZlibReader(r io.Reader) (io.ReadCloser, error) {
	return zlib.NewReader(r)
}
