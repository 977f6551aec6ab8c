package collect

import (
	"testing"

	"honnef.co/go/opprof/mem"
)

func TestOpListCorrelationIDs(t *testing.T) {
	var l opList
	var ids []uint64
	for i := 0; i < 2*mem.BucketSize+1; i++ {
		_, id := l.grow()
		ids = append(ids, id)
	}

	for i := 1; i < len(ids); i++ {
		if i%mem.BucketSize == 0 {
			if (ids[i]-1)%mem.BucketSize != 0 {
				t.Errorf("block at %d starts at %d, which isn't aligned", i, ids[i])
			}
			continue
		}
		if ids[i] != ids[i-1]+1 {
			t.Errorf("IDs %d and %d within one block aren't consecutive", ids[i-1], ids[i])
		}
	}

	before := ids[len(ids)-1]
	l.reset()
	if l.len() != 0 {
		t.Fatalf("got %d events after reset", l.len())
	}
	if _, id := l.grow(); id <= before {
		t.Errorf("ID %d after reset reuses a block (last ID before was %d)", id, before)
	}
}

func TestOpListEventsDontMove(t *testing.T) {
	var l opList
	first, _ := l.grow()
	first.Name = "first"
	for i := 0; i < 10*mem.BucketSize; i++ {
		l.grow()
	}
	if l.at(0) != first || first.Name != "first" {
		t.Fatal("first event moved")
	}
	if first.start != unsetTime || first.end != unsetTime {
		t.Fatal("new events must start out unset")
	}
}
