// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"strconv"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/roman-mg/multiband-hifigan/internal/tensorcodec"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldCollectiveOp     protowire.Number = 1
	fieldCollectiveTensor protowire.Number = 2
)

// encodeCollective encodes the operation name and the tensors of a collective message.
func encodeCollective(op string, values []*tensors.Tensor) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldCollectiveOp, protowire.BytesType)
	b = protowire.AppendString(b, op)
	for i, t := range values {
		msg, err := tensorcodec.Marshal(strconv.Itoa(i), t)
		if err != nil {
			return nil, err
		}
		b = tensorcodec.AppendMessage(b, fieldCollectiveTensor, msg)
	}
	return b, nil
}

func decodeCollective(b []byte) (op string, values []*tensors.Tensor, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldCollectiveOp && typ == protowire.BytesType:
			op, n = protowire.ConsumeString(b)
		case num == fieldCollectiveTensor && typ == protowire.BytesType:
			var msg []byte
			msg, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				_, t, err := tensorcodec.Unmarshal(msg)
				if err != nil {
					return "", nil, err
				}
				values = append(values, t)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return op, values, nil
}

// exchange sends the given values from this rank and returns what rank 0 answers.
// On rank 0, gather receives the values of all other ranks (indexed by rank, with the local values
// at index 0) and returns the values to broadcast back.
func (c *Coordinator) exchange(op string, values []*tensors.Tensor,
	gather func(all [][]*tensors.Tensor) ([]*tensors.Tensor, error)) ([]*tensors.Tensor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, errors.Errorf("%s: collective %q on a closed process group", c, op)
	}

	if !c.IsAuthority() {
		msg, err := encodeCollective(op, values)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: encoding %q", c, op)
		}
		rank0 := c.peers[0]
		if err = rank0.send(msg); err != nil {
			return nil, errors.WithMessagef(err, "%s: sending %q", c, op)
		}
		reply, err := rank0.receive()
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: waiting for %q", c, op)
		}
		replyOp, result, err := decodeCollective(reply)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: decoding %q", c, op)
		}
		if replyOp != op {
			return nil, errors.Errorf("%s: ranks out of sync, issued %q but rank 0 answered %q", c, op, replyOp)
		}
		return result, nil
	}

	// Rank 0: gather from all workers in parallel.
	all := make([][]*tensors.Tensor, c.worldSize)
	all[0] = values
	var eg errgroup.Group
	for _, p := range c.workers() {
		eg.Go(func() error {
			msg, err := p.receive()
			if err != nil {
				return err
			}
			peerOp, peerValues, err := decodeCollective(msg)
			if err != nil {
				return errors.WithMessagef(err, "decoding %q from rank %d", op, p.rank)
			}
			if peerOp != op {
				return errors.Errorf("ranks out of sync, rank 0 issued %q but rank %d issued %q", op, p.rank, peerOp)
			}
			all[p.rank] = peerValues
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		c.abort()
		return nil, errors.WithMessagef(err, "%s: gathering %q", c, op)
	}
	result, err := gather(all)
	if err != nil {
		c.abort()
		return nil, errors.WithMessagef(err, "%s: %q", c, op)
	}
	reply, err := encodeCollective(op, result)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: encoding %q", c, op)
	}
	var sendGroup errgroup.Group
	for _, p := range c.workers() {
		sendGroup.Go(func() error { return p.send(reply) })
	}
	if err = sendGroup.Wait(); err != nil {
		c.abort()
		return nil, errors.WithMessagef(err, "%s: broadcasting %q", c, op)
	}
	return result, nil
}

// AllReduceMean returns the element-wise mean of the values across all ranks.
// All ranks must call it with the same number of tensors, with matching shapes.
// It blocks until all ranks have contributed.
func (c *Coordinator) AllReduceMean(op string, values []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if c.worldSize == 1 {
		return values, nil
	}
	return c.exchange("all_reduce_mean:"+op, values, func(all [][]*tensors.Tensor) ([]*tensors.Tensor, error) {
		return meanOf(all)
	})
}

// Broadcast returns rank 0's values on every rank. The other ranks' values are only used to check
// that the number of tensors matches.
func (c *Coordinator) Broadcast(op string, values []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if c.worldSize == 1 {
		return values, nil
	}
	return c.exchange("broadcast:"+op, values, func(all [][]*tensors.Tensor) ([]*tensors.Tensor, error) {
		for rank, rankValues := range all {
			if len(rankValues) != len(values) {
				return nil, errors.Errorf("rank %d has %d tensors, rank 0 has %d", rank, len(rankValues), len(values))
			}
		}
		return values, nil
	})
}

// Barrier blocks until all ranks reached it.
func (c *Coordinator) Barrier(op string) error {
	if c.worldSize == 1 {
		return nil
	}
	_, err := c.exchange("barrier:"+op, nil, func([][]*tensors.Tensor) ([]*tensors.Tensor, error) {
		return nil, nil
	})
	return err
}

// meanOf computes the element-wise mean over ranks, in float64, converting back to each tensor's dtype.
func meanOf(all [][]*tensors.Tensor) ([]*tensors.Tensor, error) {
	numTensors := len(all[0])
	result := make([]*tensors.Tensor, numTensors)
	for i := range numTensors {
		shape := all[0][i].Shape()
		acc := make([]float64, shape.Size())
		for rank, rankValues := range all {
			if len(rankValues) != numTensors {
				return nil, errors.Errorf("rank %d has %d tensors, rank 0 has %d", rank, len(rankValues), numTensors)
			}
			t := rankValues[i]
			if !t.Shape().Equal(shape) {
				return nil, errors.Errorf("tensor #%d of rank %d shaped %s, rank 0 has %s", i, rank, t.Shape(), shape)
			}
			if err := accumulate(acc, t); err != nil {
				return nil, errors.WithMessagef(err, "tensor #%d of rank %d", i, rank)
			}
		}
		scale := 1.0 / float64(len(all))
		out := tensors.FromShape(shape)
		var err error
		switch shape.DType {
		case dtypes.Float32:
			err = tensors.MutableFlatData(out, func(flat []float32) {
				for j := range flat {
					flat[j] = float32(acc[j] * scale)
				}
			})
		case dtypes.Float64:
			err = tensors.MutableFlatData(out, func(flat []float64) {
				for j := range flat {
					flat[j] = acc[j] * scale
				}
			})
		default:
			err = unsupportedDType(shape.DType)
		}
		if err != nil {
			return nil, err
		}
		result[i] = out
	}
	return result, nil
}

func accumulate(acc []float64, t *tensors.Tensor) error {
	switch t.DType() {
	case dtypes.Float32:
		return tensors.ConstFlatData(t, func(flat []float32) {
			for j, v := range flat {
				acc[j] += float64(v)
			}
		})
	case dtypes.Float64:
		return tensors.ConstFlatData(t, func(flat []float64) {
			for j, v := range flat {
				acc[j] += v
			}
		})
	}
	return unsupportedDType(t.DType())
}

func unsupportedDType(dtype dtypes.DType) error {
	return errors.Errorf("all-reduce of dtype %s not supported, only Float32 and Float64", dtype)
}
