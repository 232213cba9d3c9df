// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package tensorcodec

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MaxFrameSize limits the size of a frame read with ReadFrame.
var MaxFrameSize uint64 = 4 << 30

// WriteFrame writes msg prefixed by its length as an unsigned varint.
func WriteFrame(w io.Writer, msg []byte) error {
	var header [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(header[:], uint64(len(msg)))
	if _, err := w.Write(header[:n]); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if _, err := w.Write(msg); err != nil {
		return errors.Wrapf(err, "writing frame of %d bytes", len(msg))
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, errors.Wrap(err, "reading frame header")
	}
	if size > MaxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds the maximum of %d", size, MaxFrameSize)
	}
	msg := make([]byte, size)
	if _, err = io.ReadFull(r, msg); err != nil {
		return nil, errors.Wrapf(err, "reading frame of %d bytes", size)
	}
	return msg, nil
}
