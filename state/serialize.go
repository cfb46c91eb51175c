package state

import "strings"

func (n NodeId) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *NodeId) UnmarshalText(text []byte) error {
	v, err := ParseNodeId(strings.TrimPrefix(string(text), "0x"))
	if err != nil {
		return err
	}
	*n = v
	return nil
}
