package collective

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"github.com/raskyld/nexus/pkg/wire"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldSplitColor protowire.Number = 1
	fieldSplitKey   protowire.Number = 2
)

// SplitShared groups the members of comm reporting the same nodeID. Each
// resulting communicator is keyed by the lowest rank of its node so colors
// are dense and deterministic.
func SplitShared(ctx context.Context, comm Comm, nodeID string) (Comm, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("%w: empty node id", ErrInvalidArg)
	}
	ids, err := comm.AllGather(ctx, []byte(nodeID))
	if err != nil {
		return nil, err
	}

	color := comm.Rank()
	for rank, id := range ids {
		if bytes.Equal(id, []byte(nodeID)) {
			color = rank
			break
		}
	}
	return comm.Split(ctx, color, comm.Rank())
}

type splitRequest struct {
	color int
	key   int
}

func encodeSplit(color, key int) []byte {
	var rec wire.Record
	rec.Int(fieldSplitColor, color).Int(fieldSplitKey, key)
	return rec.Encode()
}

func decodeSplit(buf []byte) (splitRequest, error) {
	req := splitRequest{color: Undefined}
	err := wire.Walk(buf, func(f wire.Field) error {
		switch f.Num {
		case fieldSplitColor:
			req.color = f.Int()
		case fieldSplitKey:
			req.key = f.Int()
		}
		return nil
	})
	return req, err
}

// splitPlan maps each color to the old ranks forming the new communicator,
// ordered by new rank.
type splitPlan map[int][]int

func planSplit(reqs []splitRequest) splitPlan {
	plan := make(splitPlan)
	for rank, req := range reqs {
		if req.color == Undefined {
			continue
		}
		plan[req.color] = append(plan[req.color], rank)
	}
	for _, members := range plan {
		slices.SortStableFunc(members, func(a, b int) int {
			return reqs[a].key - reqs[b].key
		})
	}
	return plan
}

// placement returns the color group of rank and its new rank within it.
func (p splitPlan) placement(color, rank int) ([]int, int) {
	members := p[color]
	return members, slices.Index(members, rank)
}

// colors in ascending order, so group identifiers can be assigned the same
// way on every run.
func (p splitPlan) colors() []int {
	colors := make([]int, 0, len(p))
	for color := range p {
		colors = append(colors, color)
	}
	slices.Sort(colors)
	return colors
}
