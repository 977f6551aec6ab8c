package ptrace

import (
	"cmp"

	"golang.org/x/exp/slices"

	"honnef.co/go/opprof/container"
	"honnef.co/go/opprof/mem"
	"honnef.co/go/opprof/trace"
)

type storageID uint64

type storagePair struct {
	a, b storageID
}

type tensorStorage struct {
	// impl is the address of the tensor handle, or zero for allocation records.
	impl    uint64
	storage storageID
	// id is where the final identity gets written.
	id *container.Option[trace.TensorID]
}

// CalculateUniqueTensorIDs assigns buffer identities to the tensor inputs of operations and to allocation events.
// events must be sorted by start time.
//
// This is a connected components problem. We first cluster references with a greedy ID assignment by storage address,
// which separates reused addresses, and then merge clusters whose storage was swapped out from under the same tensor
// handle, which joins aliases.
func CalculateUniqueTensorIDs(events []*trace.Event) {
	tensors := clusterByAddress(events)
	pairs := sameGroupPairs(tensors)
	ids := coalesce(pairs)

	for _, t := range tensors {
		id, ok := ids[t.storage]
		if !ok {
			panic("tensor storage without an assigned ID")
		}
		t.id.Store(trace.TensorID(id))
	}
}

// clusterByAddress flattens all storage references and converts storage addresses to IDs. An address gets a new ID
// every time it becomes live, so reused addresses don't get merged.
func clusterByAddress(events []*trace.Event) []tensorStorage {
	var tensors []tensorStorage
	var currentID storageID
	live := map[uint64]storageID{}
	lookup := func(data uint64) storageID {
		if id, ok := live[data]; ok {
			return id
		}
		id := currentID
		live[data] = id
		currentID++
		return id
	}

	referenced := container.Set[storageID]{}
	for _, ev := range events {
		switch f := ev.Fields.(type) {
		case *trace.OpFields:
			for _, m := range f.Inputs.Tensors {
				if m != nil && m.Impl != 0 && m.Data != 0 {
					id := lookup(m.Data)
					referenced.Add(id)
					tensors = append(tensors, tensorStorage{impl: m.Impl, storage: id, id: &m.ID})
				}
			}
		case *trace.AllocationFields:
			// We don't know yet which allocations are for tensor storage; we filter after having seen all inputs.
			tensors = append(tensors, tensorStorage{storage: lookup(f.Ptr), id: &f.ID})
			if f.Free() {
				delete(live, f.Ptr)
			}
		}
	}

	// Drop allocations we can't prove are for tensor storage.
	out := tensors[:0]
	for _, t := range tensors {
		if referenced.Has(t.storage) {
			out = append(out, t)
		}
	}
	clear(tensors[len(out):])
	return out
}

// sameGroupPairs records which storage IDs were used by the same tensor handle over the course of the session.
func sameGroupPairs(tensors []tensorStorage) []storagePair {
	pairs := container.Set[storagePair]{}
	first := map[uint64]storageID{}
	for _, t := range tensors {
		// Allocations and frees don't have a tensor handle, and we don't want to merge all of them through zero.
		if t.impl == 0 {
			continue
		}
		id, ok := first[t.impl]
		if !ok {
			id = t.storage
			first[t.impl] = id
		}
		// Pairs are ordered for coalesce. Self-pairs make sure that every referenced storage gets an ID.
		if id < t.storage {
			pairs.Add(storagePair{id, t.storage})
		} else {
			pairs.Add(storagePair{t.storage, id})
		}
	}

	out := make([]storagePair, 0, len(pairs))
	for p := range pairs {
		out = append(out, p)
	}
	slices.SortFunc(out, func(x, y storagePair) int {
		if c := cmp.Compare(x.a, y.a); c != 0 {
			return c
		}
		return cmp.Compare(x.b, y.b)
	})
	return out
}

// coalesce merges the groups described by the sorted pairs and assigns compact IDs, in order of first appearance.
func coalesce(pairs []storagePair) map[storageID]uint64 {
	var parent []storageID
	find := func(x storageID) storageID {
		root := x
		for parent[root] != root {
			root = parent[root]
		}
		for parent[x] != root {
			parent[x], x = root, parent[x]
		}
		return root
	}

	for _, p := range pairs {
		if n := int(p.b) + 1; n > len(parent) {
			old := len(parent)
			parent = mem.EnsureLen(parent, n)
			for i := old; i < n; i++ {
				parent[i] = storageID(i)
			}
		}
		ra, rb := find(p.a), find(p.b)
		switch {
		case ra < rb:
			parent[rb] = ra
		case rb < ra:
			parent[ra] = rb
		}
	}

	ids := make(map[storageID]uint64, len(pairs))
	rootIDs := map[storageID]uint64{}
	var next uint64
	assign := func(x storageID) {
		if _, ok := ids[x]; ok {
			return
		}
		root := find(x)
		id, ok := rootIDs[root]
		if !ok {
			id = next
			next++
			rootIDs[root] = id
		}
		ids[x] = id
	}
	for _, p := range pairs {
		assign(p.a)
		assign(p.b)
	}
	return ids
}
