// Copyright 2026 The multiband-hifigan Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Replicated is the handle of a replicated model component (e.g. the generator, or the discriminators)
// used to average its gradients across the process group before they are applied.
type Replicated struct {
	c     *Coordinator
	group string
}

// Wrap returns the handle used to reduce the gradients of the named group of variables.
// With a world size of 1 (or a nil Coordinator) Reduce is the identity.
func (c *Coordinator) Wrap(group string) *Replicated {
	return &Replicated{c: c, group: group}
}

// Group name of the replicated component.
func (r *Replicated) Group() string { return r.group }

// Reduce returns the mean of the gradients across all ranks. It blocks until every rank
// contributed its gradients for the same group.
func (r *Replicated) Reduce(grads []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if r.c == nil || r.c.worldSize == 1 {
		return grads, nil
	}
	return r.c.AllReduceMean(r.group, grads)
}

// Synchronize replaces values by rank 0's values on every rank. It is used once, after
// initialization or restore, so all replicas start from the same parameters.
func (r *Replicated) Synchronize(values []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if r.c == nil || r.c.worldSize == 1 {
		return values, nil
	}
	return r.c.Broadcast(r.group, values)
}
