package editorproto

// Path addresses a node by child indexes starting at the document root
type Path []int

// Equal reports whether both paths address the same node
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// IsAncestor reports whether p is a strict prefix of o
func (p Path) IsAncestor(o Path) bool {
	if len(p) >= len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Parent returns the path of the parent node. The root has no parent.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1].Clone()
}

// Last returns the index of the node inside its parent
func (p Path) Last() int {
	if len(p) == 0 {
		return -1
	}
	return p[len(p)-1]
}

// Next returns the path of the following sibling
func (p Path) Next() Path {
	n := p.Clone()
	if len(n) > 0 {
		n[len(n)-1]++
	}
	return n
}

// Previous returns the path of the preceding sibling
func (p Path) Previous() Path {
	n := p.Clone()
	if len(n) > 0 {
		n[len(n)-1]--
	}
	return n
}

func (p Path) Clone() Path {
	if p == nil {
		return nil
	}
	c := make(Path, len(p))
	copy(c, p)
	return c
}

// EndsBefore reports whether p is a strictly earlier sibling of o or of one of o's ancestors
func (p Path) EndsBefore(o Path) bool {
	i := len(p) - 1
	if i < 0 || len(o) <= i {
		return false
	}
	return Path(p[:i]).Equal(o[:i]) && p[i] < o[i]
}

// MoveTarget returns the location a node at from ends up at when moved to to.
// A destination inside a later sibling's subtree shifts down by one once from is taken out.
func MoveTarget(from, to Path) Path {
	t := to.Clone()
	if from.EndsBefore(to) && len(from) < len(to) {
		t[len(from)-1]--
	}
	return t
}
