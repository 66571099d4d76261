package bbp

// Node is one live slot's externally visible shape, the minimum a
// consumer outside this package needs to draw the parent/view share
// graph or list the catalog without reaching into unexported slot
// fields.
type Node struct {
	ID       BATID
	Logical  string
	ParentID BATID
	Type     string
	Count    int64
	Status   Status
}

// Snapshot walks every allocated slab and returns one Node per
// non-empty slot, taking each slot's swap lock only long enough to
// copy its fields out. It does not fix/unfix anything and never
// touches a heap file, matching QuickDesc's "metadata only" contract.
func (p *Pool) Snapshot() []Node {
	var out []Node
	limit := p.slabs.limit
	for top := uint32(0); top*slabSize < limit; top++ {
		slab := p.slabs.top[top].Load()
		if slab == nil {
			continue
		}
		for i := range slab {
			s := &slab[i]
			id := BATID(top*slabSize + uint32(i))
			lk := p.swapLock(id)
			lk.Lock()
			if s.empty() {
				lk.Unlock()
				continue
			}
			n := Node{ID: id, Logical: s.logical, Status: s.status}
			if s.desc != nil {
				n.ParentID = s.desc.ParentID
				n.Type = s.desc.Type
				n.Count = s.desc.Count
			}
			lk.Unlock()
			out = append(out, n)
		}
	}
	return out
}
