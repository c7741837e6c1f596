package optim

// LinearWarmup raises the learning rate linearly from 0 to the base rate over
// the warmup steps, then decays it linearly to 0 at the last step.
type LinearWarmup struct {
	opt    Optimizer
	base   float32
	warmup int
	total  int
	step   int
}

// NewLinearWarmup attaches a schedule to opt and sets its initial rate.
func NewLinearWarmup(opt Optimizer, base float32, warmup, total int) *LinearWarmup {
	s := &LinearWarmup{opt: opt, base: base, warmup: warmup, total: total}
	opt.SetLR(s.LR(0))
	return s
}

// LR returns the learning rate for step.
func (s *LinearWarmup) LR(step int) float32 {
	if step < s.warmup {
		return s.base * float32(step) / float32(max(1, s.warmup))
	}
	remaining := float32(s.total-step) / float32(max(1, s.total-s.warmup))
	return s.base * max(0, remaining)
}

// Step advances the schedule by one optimizer step.
func (s *LinearWarmup) Step() {
	s.step++
	s.opt.SetLR(s.LR(s.step))
}

// Current returns the number of steps taken.
func (s *LinearWarmup) Current() int { return s.step }
