package cluster

import "fmt"

// TopologyVersion is a monotonically increasing stamp identifying a cluster
// membership snapshot. Major increments on real membership changes,
// Minor on forced or dummy exchanges within the same membership.
type TopologyVersion struct {
	Major int64 `cbor:"maj" json:"major"`
	Minor int64 `cbor:"min" json:"minor"`
}

// ZeroVersion is the version before any exchange has happened.
var ZeroVersion = TopologyVersion{}

// Compare returns -1, 0 or 1 ordering v against other.
func (v TopologyVersion) Compare(other TopologyVersion) int {
	if v.Major != other.Major {
		if v.Major < other.Major {
			return -1
		}
		return 1
	}
	if v.Minor != other.Minor {
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether v is strictly newer than other.
func (v TopologyVersion) After(other TopologyVersion) bool {
	return v.Compare(other) > 0
}

// Equal reports whether the versions are identical.
func (v TopologyVersion) Equal(other TopologyVersion) bool {
	return v.Compare(other) == 0
}

func (v TopologyVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
