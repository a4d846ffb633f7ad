package optim

import (
	"math"

	"github.com/chewxy/math32"
)

type group struct {
	params      []*Parameter
	weightDecay float64
	m           [][]float32
	v           [][]float32
}

// AdamW applies decoupled-weight-decay Adam updates over two parameter
// groups: the decayed weights and everything else.
type AdamW struct {
	cfg    Config
	groups []group
	step   int
}

func newAdamW(cfg Config, decay, noDecay []*Parameter) *AdamW {
	o := &AdamW{
		cfg: cfg,
		groups: []group{
			{params: decay, weightDecay: cfg.WeightDecay},
			{params: noDecay, weightDecay: 0},
		},
	}
	for gi := range o.groups {
		g := &o.groups[gi]
		g.m = make([][]float32, len(g.params))
		g.v = make([][]float32, len(g.params))
		for i, p := range g.params {
			g.m[i] = make([]float32, len(p.Data))
			g.v[i] = make([]float32, len(p.Data))
		}
	}
	return o
}

// Groups returns the decayed and non-decayed parameters, in the stable order
// updates are applied.
func (o *AdamW) Groups() (decay, noDecay []*Parameter) {
	return o.groups[0].params, o.groups[1].params
}

// Step applies one update from the gradients currently stored on the
// parameters. Parameters with nil gradients are skipped.
func (o *AdamW) Step() {
	o.step++
	c1 := 1 - math.Pow(o.cfg.Beta1, float64(o.step))
	c2 := 1 - math.Pow(o.cfg.Beta2, float64(o.step))
	lr := float32(o.cfg.LearningRate)
	b1 := float32(o.cfg.Beta1)
	b2 := float32(o.cfg.Beta2)
	eps := float32(o.cfg.Eps)

	for gi := range o.groups {
		g := &o.groups[gi]
		wd := float32(g.weightDecay)
		for i, p := range g.params {
			if p.Grad == nil {
				continue
			}
			m, v := g.m[i], g.v[i]
			if o.cfg.Fused {
				// Single pass, decay folded into the update.
				for j := range p.Data {
					gj := p.Grad[j]
					m[j] = b1*m[j] + (1-b1)*gj
					v[j] = b2*v[j] + (1-b2)*gj*gj
					mhat := m[j] / float32(c1)
					vhat := v[j] / float32(c2)
					p.Data[j] -= lr * (mhat/(math32.Sqrt(vhat)+eps) + wd*p.Data[j])
				}
				continue
			}
			if wd != 0 {
				for j := range p.Data {
					p.Data[j] -= lr * wd * p.Data[j]
				}
			}
			for j := range p.Data {
				gj := p.Grad[j]
				m[j] = b1*m[j] + (1-b1)*gj
				v[j] = b2*v[j] + (1-b2)*gj*gj
				mhat := m[j] / float32(c1)
				vhat := v[j] / float32(c2)
				p.Data[j] -= lr * mhat / (math32.Sqrt(vhat) + eps)
			}
		}
	}
}

// ZeroGrad clears every gradient in place.
func (o *AdamW) ZeroGrad() {
	for gi := range o.groups {
		for _, p := range o.groups[gi].params {
			clear(p.Grad)
		}
	}
}
