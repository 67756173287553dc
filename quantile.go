package looping

import (
	"math"
	"slices"
)

// quantileEstimator tracks one quantile of a stream in constant space using
// the P-Square algorithm (Jain & Chlamtac, "The P² Algorithm for Dynamic
// Calculation of Quantiles and Histograms Without Storing Observations",
// CACM 28(10), 1985). Five markers straddle the target; each observation
// shifts marker positions, and a marker that drifts a full step off its
// ideal position has its height nudged along a fitted parabola.
//
// Not safe for concurrent use.
type quantileEstimator struct {
	target float64    // quantile in [0, 1]
	height [5]float64 // marker heights, ascending
	pos    [5]int     // actual marker positions in the stream
	want   [5]float64 // ideal marker positions
	step   [5]float64 // per-observation increment of want
	seed   [5]float64 // observations collected before the markers exist
	seen   int
}

// newQuantileEstimator returns an estimator for target, clamped to [0, 1].
func newQuantileEstimator(target float64) *quantileEstimator {
	target = math.Min(1, math.Max(0, target))
	return &quantileEstimator{
		target: target,
		step:   [5]float64{0, target / 2, target, (1 + target) / 2, 1},
	}
}

// Observe feeds one sample. O(1).
func (e *quantileEstimator) Observe(x float64) {
	if e.seen < 5 {
		e.seed[e.seen] = x
		e.seen++
		if e.seen == 5 {
			e.start()
		}
		return
	}
	e.seen++

	k := e.locate(x)
	for i := k + 1; i < 5; i++ {
		e.pos[i]++
	}
	for i := range e.want {
		e.want[i] += e.step[i]
	}
	for i := 1; i < 4; i++ {
		e.settle(i)
	}
}

// start orders the seed observations into the initial marker state.
func (e *quantileEstimator) start() {
	slices.Sort(e.seed[:])
	for i, v := range e.seed {
		e.height[i] = v
		e.pos[i] = i
	}
	p := e.target
	e.want = [5]float64{0, 2 * p, 4 * p, 2 + 2*p, 4}
}

// locate returns the marker cell holding x, widening the extremes in place
// when x falls outside them.
func (e *quantileEstimator) locate(x float64) int {
	switch {
	case x < e.height[0]:
		e.height[0] = x
		return 0
	case x >= e.height[4]:
		e.height[4] = x
		return 3
	}
	k := 0
	for k < 3 && x >= e.height[k+1] {
		k++
	}
	return k
}

// settle moves marker i one position toward its ideal when it has drifted a
// full step and the neighboring gap allows it, preferring the parabolic fit
// and falling back to linear interpolation when the parabola would break
// marker ordering.
func (e *quantileEstimator) settle(i int) {
	drift := e.want[i] - float64(e.pos[i])
	grow := drift >= 1 && e.pos[i+1]-e.pos[i] > 1
	shrink := drift <= -1 && e.pos[i-1]-e.pos[i] < -1
	if !grow && !shrink {
		return
	}
	dir := 1
	if drift < 0 {
		dir = -1
	}
	h := e.fitParabola(i, dir)
	if !(e.height[i-1] < h && h < e.height[i+1]) {
		h = e.fitLinear(i, dir)
	}
	e.height[i] = h
	e.pos[i] += dir
}

// fitParabola is the piecewise-parabolic height prediction for moving marker
// i by dir.
func (e *quantileEstimator) fitParabola(i, dir int) float64 {
	d := float64(dir)
	p0, p1, p2 := float64(e.pos[i-1]), float64(e.pos[i]), float64(e.pos[i+1])
	h0, h1, h2 := e.height[i-1], e.height[i], e.height[i+1]
	a := (p1 - p0 + d) * (h2 - h1) / (p2 - p1)
	b := (p2 - p1 - d) * (h1 - h0) / (p1 - p0)
	return h1 + d/(p2-p0)*(a+b)
}

// fitLinear interpolates toward the neighbor in the direction of travel.
func (e *quantileEstimator) fitLinear(i, dir int) float64 {
	j := i + dir
	return e.height[i] + float64(dir)*(e.height[j]-e.height[i])/float64(e.pos[j]-e.pos[i])
}

// Quantile returns the current estimate. Before the markers exist the exact
// order statistic of what has been seen is returned instead. O(1) once
// running.
func (e *quantileEstimator) Quantile() float64 {
	if e.seen == 0 {
		return 0
	}
	if e.seen < 5 {
		sorted := slices.Clone(e.seed[:e.seen])
		slices.Sort(sorted)
		return sorted[int(float64(e.seen-1)*e.target)]
	}
	return e.height[2]
}

// Count returns the number of observations fed so far.
func (e *quantileEstimator) Count() int { return e.seen }

// Max returns the largest observation, exact at any count, 0 when empty.
func (e *quantileEstimator) Max() float64 {
	switch {
	case e.seen == 0:
		return 0
	case e.seen < 5:
		return slices.Max(e.seed[:e.seen])
	}
	return e.height[4]
}

// quantileDigest aggregates several quantile targets over one stream,
// alongside exact count, sum, and max. Estimates cost O(targets) per
// observation and the whole digest is constant space.
//
// Not safe for concurrent use; Metrics guards its digest with a mutex.
type quantileDigest struct {
	targets []*quantileEstimator
	count   int
	sum     float64
	max     float64
}

// newQuantileDigest returns a digest estimating each of targets, every one
// clamped to [0, 1].
func newQuantileDigest(targets ...float64) *quantileDigest {
	d := &quantileDigest{
		targets: make([]*quantileEstimator, len(targets)),
		max:     math.Inf(-1),
	}
	for i, p := range targets {
		d.targets[i] = newQuantileEstimator(p)
	}
	return d
}

// Observe feeds one sample to every estimator.
func (d *quantileDigest) Observe(x float64) {
	d.count++
	d.sum += x
	if x > d.max {
		d.max = x
	}
	for _, e := range d.targets {
		e.Observe(x)
	}
}

// Quantile returns the estimate for the i-th target, 0 when out of range.
func (d *quantileDigest) Quantile(i int) float64 {
	if i < 0 || i >= len(d.targets) {
		return 0
	}
	return d.targets[i].Quantile()
}

// Count returns the number of observations fed so far.
func (d *quantileDigest) Count() int { return d.count }

// Sum returns the exact running sum.
func (d *quantileDigest) Sum() float64 { return d.sum }

// Max returns the exact maximum, 0 when empty.
func (d *quantileDigest) Max() float64 {
	if d.count == 0 {
		return 0
	}
	return d.max
}

// Mean returns the exact arithmetic mean, 0 when empty.
func (d *quantileDigest) Mean() float64 {
	if d.count == 0 {
		return 0
	}
	return d.sum / float64(d.count)
}

// Reset restores the zero-observation state, keeping the targets.
func (d *quantileDigest) Reset() {
	d.count = 0
	d.sum = 0
	d.max = math.Inf(-1)
	for i, e := range d.targets {
		d.targets[i] = newQuantileEstimator(e.target)
	}
}
