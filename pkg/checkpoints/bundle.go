// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/internal/tensorcodec"
	"golang.org/x/exp/maps"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

// Bundle is a named group of components (each a map of variable parameter names to values)
// plus integer counters, persisted as one file.
//
// The generator bundle holds the single component "generator". The discriminator bundle holds
// the three discriminator components, both optimizer states and the "steps" and "epoch" counters.
type Bundle struct {
	Components map[string]map[string]*tensors.Tensor
	Counters   map[string]int64
}

// NewBundle creates an empty Bundle.
func NewBundle() *Bundle {
	return &Bundle{
		Components: make(map[string]map[string]*tensors.Tensor),
		Counters:   make(map[string]int64),
	}
}

// AddVariables snapshots the current values of vars into the given component, keyed by
// their parameter name (scope plus name).
func (b *Bundle) AddVariables(component string, vars []*context.Variable) error {
	values := b.Components[component]
	if values == nil {
		values = make(map[string]*tensors.Tensor, len(vars))
		b.Components[component] = values
	}
	for _, v := range vars {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "reading variable %q for component %q", v.ParameterName(), component)
		}
		// Variables' values are freed when updated, so the bundle keeps its own copy.
		snapshot, err := value.LocalClone()
		if err != nil {
			return errors.WithMessagef(err, "copying variable %q for component %q", v.ParameterName(), component)
		}
		values[v.ParameterName()] = snapshot
	}
	return nil
}

// Counter returns the counter with the given key and whether it was present.
func (b *Bundle) Counter(key string) (int64, bool) {
	v, found := b.Counters[key]
	return v, found
}

// NumVariables in all components.
func (b *Bundle) NumVariables() int {
	var n int
	for _, values := range b.Components {
		n += len(values)
	}
	return n
}

const (
	fieldComponent protowire.Number = 1
	fieldCounter   protowire.Number = 2

	fieldComponentName   protowire.Number = 1
	fieldComponentTensor protowire.Number = 2

	fieldCounterKey   protowire.Number = 1
	fieldCounterValue protowire.Number = 2
)

// encode the bundle payload (before compression). Components and tensors are written sorted,
// so the output is deterministic.
func (b *Bundle) encode() ([]byte, error) {
	var buf []byte
	for _, component := range sortedKeys(b.Components) {
		values := b.Components[component]
		var msg []byte
		msg = protowire.AppendTag(msg, fieldComponentName, protowire.BytesType)
		msg = protowire.AppendString(msg, component)
		for _, name := range sortedKeys(values) {
			tensorMsg, err := tensorcodec.Marshal(name, values[name])
			if err != nil {
				return nil, errors.WithMessagef(err, "component %q", component)
			}
			msg = tensorcodec.AppendMessage(msg, fieldComponentTensor, tensorMsg)
		}
		buf = tensorcodec.AppendMessage(buf, fieldComponent, msg)
	}
	for _, key := range sortedKeys(b.Counters) {
		var msg []byte
		msg = protowire.AppendTag(msg, fieldCounterKey, protowire.BytesType)
		msg = protowire.AppendString(msg, key)
		msg = protowire.AppendTag(msg, fieldCounterValue, protowire.VarintType)
		msg = protowire.AppendVarint(msg, protowire.EncodeZigZag(b.Counters[key]))
		buf = tensorcodec.AppendMessage(buf, fieldCounter, msg)
	}
	return buf, nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// decodeBundle parses a payload created by Bundle.encode.
func decodeBundle(payload []byte) (*Bundle, error) {
	b := NewBundle()
	err := consumeFields(payload, func(num protowire.Number, msg []byte) error {
		switch num {
		case fieldComponent:
			return b.decodeComponent(msg)
		case fieldCounter:
			return b.decodeCounter(msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bundle) decodeComponent(msg []byte) error {
	var component string
	values := make(map[string]*tensors.Tensor)
	err := consumeFields(msg, func(num protowire.Number, field []byte) error {
		switch num {
		case fieldComponentName:
			component = string(field)
		case fieldComponentTensor:
			name, t, err := tensorcodec.Unmarshal(field)
			if err != nil {
				return err
			}
			values[name] = t
		}
		return nil
	})
	if err != nil {
		return err
	}
	if component == "" {
		return errors.New("component without a name")
	}
	b.Components[component] = values
	return nil
}

func (b *Bundle) decodeCounter(msg []byte) error {
	var (
		key   string
		value int64
	)
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
		switch {
		case num == fieldCounterKey && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(msg)
		case num == fieldCounterValue && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(msg)
			value = protowire.DecodeZigZag(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
	}
	b.Counters[key] = value
	return nil
}

// consumeFields calls fn for every length-delimited field in msg, skipping other wire types.
func consumeFields(msg []byte, fn func(num protowire.Number, field []byte) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return protowire.ParseError(n)
			}
			msg = msg[n:]
			continue
		}
		field, n := protowire.ConsumeBytes(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]
		if err := fn(num, field); err != nil {
			return err
		}
	}
	return nil
}

const (
	binHeader     = "multiband_hifigan_bundle"
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// Format header
//
// ---------------------------------------------------
// | 0                      23 | 24  | 25   24 + len |
// ---------------------------------------------------
// | "multiband_hifigan_bundle" | len |  "gzip"      |

// Persist writes the bundle to path atomically: it writes a temporary file in the same directory,
// syncs it, and renames it over path. A crash never leaves a partially written file at path.
func Persist(path string, b *Bundle) error {
	payload, err := b.encode()
	if err != nil {
		return errors.WithMessagef(err, "encoding bundle for %q", path)
	}
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for %q", path)
	}
	tmpPath := f.Name()
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	var h []byte
	h = append(h, []byte(binHeader)...)
	h = append(h, lenGzipHeader)
	h = append(h, []byte(gzipHeader)...)
	if _, err = f.Write(h); err != nil {
		cleanup()
		return errors.Wrapf(err, "writing header of %q", tmpPath)
	}
	zw := gzip.NewWriter(f)
	if _, err = zw.Write(payload); err != nil {
		cleanup()
		return errors.Wrapf(err, "writing %q", tmpPath)
	}
	if err = zw.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "flushing %q", tmpPath)
	}
	if err = f.Sync(); err != nil {
		cleanup()
		return errors.Wrapf(err, "syncing %q", tmpPath)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "closing %q", tmpPath)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "renaming %q to %q", tmpPath, path)
	}
	if klog.V(1).Enabled() {
		klog.Infof("saved %d variables and %d counters to %q", b.NumVariables(), len(b.Counters), path)
	}
	return nil
}

// Load reads a bundle written by Persist. Any parsing failure is reported as ErrCorrupt.
func Load(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, len(binHeader))
	if _, err = io.ReadFull(f, header); err != nil || string(header) != binHeader {
		return nil, errors.Wrapf(ErrCorrupt, "%q: missing bundle header", path)
	}
	var lenCompression uint8
	if err = binary.Read(f, binary.BigEndian, &lenCompression); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%q: reading header: %v", path, err)
	}
	compression := make([]byte, lenCompression)
	if _, err = io.ReadFull(f, compression); err != nil || string(compression) != gzipHeader {
		return nil, errors.Wrapf(ErrCorrupt, "%q: unsupported compression %q", path, compression)
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%q: %v", path, err)
	}
	defer func() { _ = zr.Close() }()
	var payload bytes.Buffer
	if _, err = payload.ReadFrom(zr); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%q: %v", path, err)
	}
	b, err := decodeBundle(payload.Bytes())
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "%q: %v", path, err)
	}
	return b, nil
}
