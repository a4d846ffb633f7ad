package env

import (
	"math"
	"math/rand"
)

// CartPole is the classic pole-balancing control task with the usual
// constants: push the cart left or right, keep the pole within ~12 degrees
// and the cart within +-2.4 units. Reward is 1 per surviving step.
type CartPole struct {
	rng   *rand.Rand
	state [4]float32 // x, x_dot, theta, theta_dot
	steps int
}

const (
	cartGravity   = 9.8
	cartMass      = 1.0
	poleMass      = 0.1
	poleHalfLen   = 0.5
	pushForce     = 10.0
	cartTau       = 0.02
	cartXLimit    = 2.4
	poleThetaLim  = 12 * 2 * math.Pi / 360
	cartStepLimit = 500
)

func NewCartPole(rng *rand.Rand) *CartPole {
	return &CartPole{rng: rng}
}

func (c *CartPole) Reset() []float32 {
	for i := range c.state {
		c.state[i] = float32(c.rng.Float64()*0.1 - 0.05)
	}
	c.steps = 0
	return c.observation()
}

func (c *CartPole) Step(action int) ([]float32, float64, bool) {
	x := float64(c.state[0])
	xDot := float64(c.state[1])
	theta := float64(c.state[2])
	thetaDot := float64(c.state[3])

	force := pushForce
	if action == 0 {
		force = -pushForce
	}
	cosTheta := math.Cos(theta)
	sinTheta := math.Sin(theta)
	totalMass := cartMass + poleMass
	poleMassLen := poleMass * poleHalfLen

	temp := (force + poleMassLen*thetaDot*thetaDot*sinTheta) / totalMass
	thetaAcc := (cartGravity*sinTheta - cosTheta*temp) /
		(poleHalfLen * (4.0/3.0 - poleMass*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLen*thetaAcc*cosTheta/totalMass

	x += cartTau * xDot
	xDot += cartTau * xAcc
	theta += cartTau * thetaDot
	thetaDot += cartTau * thetaAcc

	c.state = [4]float32{float32(x), float32(xDot), float32(theta), float32(thetaDot)}
	c.steps++

	done := x < -cartXLimit || x > cartXLimit ||
		theta < -poleThetaLim || theta > poleThetaLim ||
		c.steps >= cartStepLimit
	return c.observation(), 1.0, done
}

func (c *CartPole) ActionSpace() int { return 2 }
func (c *CartPole) ObsDim() int     { return 4 }

func (c *CartPole) observation() []float32 {
	out := make([]float32, 4)
	copy(out, c.state[:])
	return out
}
