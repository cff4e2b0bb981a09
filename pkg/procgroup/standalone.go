package procgroup

import "fmt"

// Standalone is the single-process backend: size 1, rank 0, and every
// collective returns immediately since the sum of one term is the term
// itself.
type Standalone struct {
	state State
}

// NewStandalone creates a standalone group in the uninitialized state.
func NewStandalone() *Standalone {
	return &Standalone{}
}

func (g *Standalone) Initialize() error {
	if g.state == Finalized {
		return fmt.Errorf("procgroup: initialize after finalize")
	}
	g.state = Active
	return nil
}

func (g *Standalone) Finalize() error {
	if g.state != Active {
		return fmt.Errorf("procgroup: finalize in state %s", g.state)
	}
	g.state = Finalized
	return nil
}

func (g *Standalone) Wait() error {
	return g.checkActive()
}

func (g *Standalone) SumToAll(arr []float64) error {
	return g.checkActive()
}

func (g *Standalone) SumToRoot(arr []float64) error {
	return g.checkActive()
}

func (g *Standalone) checkActive() error {
	if g.state != Active {
		return fmt.Errorf("procgroup: collective in state %s", g.state)
	}
	return nil
}

func (g *Standalone) Size() int { return 1 }

func (g *Standalone) Rank() int { return 0 }

func (g *Standalone) IsRoot() bool { return true }

func (g *Standalone) IsMultiProc() bool { return false }
