package nexus

import (
	"context"

	"github.com/raskyld/nexus/pkg/collective"
)

// partition holds the two groups a process belongs to besides the world:
// the processes of its node, and the representatives of every node when it
// is one itself.
type partition struct {
	local collective.Comm
	rep   collective.Comm
}

func partitionJob(ctx context.Context, world collective.Comm, nodeID string) (*partition, error) {
	local, err := collective.SplitShared(ctx, world, nodeID)
	if err != nil {
		return nil, err
	}

	color := collective.Undefined
	if local.Rank() == 0 {
		color = 0
	}
	rep, err := world.Split(ctx, color, world.Rank())
	if err != nil {
		local.Free()
		return nil, err
	}
	return &partition{local: local, rep: rep}, nil
}

func (p *partition) free() {
	if p.local != nil {
		p.local.Free()
	}
	if p.rep != nil {
		p.rep.Free()
	}
}
