package registry

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"meshrpc/cluster"
)

var propertyKinds = []cluster.ServerKind{"room", "gate", "chat"}

// applyOp interprets one generated integer as a cache operation: the low
// bits pick the operation, the rest pick the id and kind.
func applyOp(c *cache, op int, rev int64) error {
	id := cluster.ServerID(fmt.Sprintf("sv-%d", (op>>2)%8))
	kind := propertyKinds[(op>>5)%len(propertyKinds)]
	switch op & 3 {
	case 0:
		c.put(cluster.NewServer(id, kind, "", false, nil), rev)
	case 1:
		c.remove(id, rev)
	case 2:
		servers := make([]*cluster.Server, 0, 3)
		for n := 0; n < (op>>7)%4; n++ {
			servers = append(servers, cluster.NewServer(cluster.ServerID(fmt.Sprintf("sv-%d", (int(id[3]-'0')+n)%8)), kind, "", false, nil))
		}
		return c.fill(kind, servers, rev)
	case 3:
		if (op>>7)%16 == 0 {
			c.reset(rev)
		}
	}
	return nil
}

func TestCacheConsistencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("byID and byKind stay consistent", prop.ForAll(
		func(ops []int) bool {
			c := newCache()
			for i, op := range ops {
				if err := applyOp(c, op, int64(i+1)); err != nil {
					return false
				}
				if err := consistencyError(c); err != nil {
					t.Log(err)
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1<<12)),
	))

	properties.Property("a fill older than the last event is rejected", prop.ForAll(
		func(ops []int, lag int64) bool {
			c := newCache()
			rev := int64(len(ops) + 10)
			for i, op := range ops {
				_ = applyOp(c, op, int64(i+1))
			}
			c.put(cluster.NewServer("latest", "room", "", false, nil), rev)
			before := c.len()
			err := c.fill("room", nil, rev-lag)
			return err == errStaleFill && c.len() == before
		},
		gen.SliceOf(gen.IntRange(0, 1<<12)),
		gen.Int64Range(1, 5),
	))

	properties.TestingRun(t)
}
