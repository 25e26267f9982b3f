package txn

// version is one committed state of a key. ts 0 is the base version loaded
// from the store before the first tracked commit.
type version struct {
	ts      uint64
	value   []byte
	deleted bool
}

// chain holds committed versions of a key in ascending ts order.
type chain struct {
	versions []version
}

// at returns the newest version visible to a snapshot.
func (c *chain) at(snapshot uint64) version {
	for i := len(c.versions) - 1; i >= 0; i-- {
		if c.versions[i].ts <= snapshot {
			return c.versions[i]
		}
	}
	// Pruning always keeps the newest version at or below the oldest
	// active snapshot, so this is only reached for an empty chain.
	return version{deleted: true}
}

func (c *chain) latest() version {
	return c.versions[len(c.versions)-1]
}

func (c *chain) append(v version) {
	c.versions = append(c.versions, v)
}

// prune drops versions no snapshot >= oldest can observe.
func (c *chain) prune(oldest uint64) {
	keep := 0
	for i, v := range c.versions {
		if v.ts <= oldest {
			keep = i
		}
	}
	if keep > 0 {
		c.versions = append(c.versions[:0:0], c.versions[keep:]...)
	}
}
