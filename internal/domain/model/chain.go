package model

// Layer identifies which chain of the rollup an observation came from.
type Layer string

const (
	LayerL1 Layer = "l1"
	LayerL2 Layer = "l2"
)

func (l Layer) String() string {
	return string(l)
}
