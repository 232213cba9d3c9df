// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

// Package tensorcodec serializes named tensors using the protobuf wire format.
//
// A tensor message has the fields:
//
//	1: name  (string)
//	2: dtype (string, e.g. "Float32")
//	3: dims  (repeated varint)
//	4: raw   (bytes, the flat little-endian data as stored by the tensor)
//
// It is shared by the checkpoint bundles and the messages exchanged between training processes.
package tensorcodec

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldName  protowire.Number = 1
	fieldDType protowire.Number = 2
	fieldDims  protowire.Number = 3
	fieldRaw   protowire.Number = 4
)

// ErrMalformed is returned when a message can't be parsed.
var ErrMalformed = errors.New("malformed tensor message")

// Marshal encodes the tensor with the given name.
func Marshal(name string, t *tensors.Tensor) ([]byte, error) {
	return Append(nil, name, t)
}

// Append encodes the tensor with the given name, appending it to b.
func Append(b []byte, name string, t *tensors.Tensor) ([]byte, error) {
	if t == nil {
		return nil, errors.Errorf("tensorcodec: nil tensor for %q", name)
	}
	shape := t.Shape()
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	b = protowire.AppendTag(b, fieldDType, protowire.BytesType)
	b = protowire.AppendString(b, shape.DType.String())
	for _, dim := range shape.Dimensions {
		b = protowire.AppendTag(b, fieldDims, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(dim))
	}
	var err error
	err = t.ConstBytes(func(data []byte) {
		b = protowire.AppendTag(b, fieldRaw, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "tensorcodec: reading bytes of %q", name)
	}
	return b, nil
}

// Unmarshal decodes a tensor message created with Marshal.
// The returned tensor owns its data.
func Unmarshal(msg []byte) (name string, t *tensors.Tensor, err error) {
	var (
		dtypeName string
		dims      []int
		raw       []byte
		hasRaw    bool
	)
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return "", nil, errors.Wrap(ErrMalformed, protowire.ParseError(n).Error())
		}
		msg = msg[n:]
		switch {
		case num == fieldName && typ == protowire.BytesType:
			name, n = protowire.ConsumeString(msg)
		case num == fieldDType && typ == protowire.BytesType:
			dtypeName, n = protowire.ConsumeString(msg)
		case num == fieldDims && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(msg)
			dims = append(dims, int(v))
		case num == fieldRaw && typ == protowire.BytesType:
			raw, n = protowire.ConsumeBytes(msg)
			hasRaw = true
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return "", nil, errors.Wrapf(ErrMalformed, "field %d: %s", num, protowire.ParseError(n))
		}
		msg = msg[n:]
	}
	dtype, found := dtypes.MapOfNames[dtypeName]
	if !found || dtype == dtypes.InvalidDType {
		return "", nil, errors.Wrapf(ErrMalformed, "tensor %q has unknown dtype %q", name, dtypeName)
	}
	if !hasRaw {
		return "", nil, errors.Wrapf(ErrMalformed, "tensor %q has no data", name)
	}
	shape := shapes.Make(dtype, dims...)
	if int(shape.Memory()) != len(raw) {
		return "", nil, errors.Wrapf(ErrMalformed, "tensor %q shaped %s expects %d bytes, got %d",
			name, shape, shape.Memory(), len(raw))
	}
	t = tensors.FromShape(shape)
	err = t.MutableBytes(func(data []byte) {
		copy(data, raw)
	})
	if err != nil {
		return "", nil, errors.WithMessagef(err, "tensorcodec: writing bytes of %q", name)
	}
	return name, t, nil
}

// AppendMessage appends msg as a length-delimited field num of an enclosing message.
func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}
