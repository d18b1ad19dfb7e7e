package progress

import "sync"

type Update struct {
	Phase     string
	Completed int
	Total     int

	/* Overall progress over all steps, 0 to 100 */
	Percentage float64
}

type Sink interface {
	Report(u Update)
}

type Func func(u Update)

func (f Func) Report(u Update) {
	f(u)
}

type Step struct {
	Name   string
	Weight int
}

/* Tracker spreads the overall percentage over weighted steps */
type Tracker struct {
	mu sync.Mutex

	sink  Sink
	steps []Step
	sum   int

	current   int
	completed int
	total     int
	last      Update
}

func NewTracker(sink Sink, steps ...Step) *Tracker {
	t := &Tracker{
		sink:    sink,
		steps:   steps,
		current: -1,
	}
	for _, m := range steps {
		t.sum += m.Weight
	}
	return t
}

/* Begin moves to the named step. Skipped steps count as done. */
func (t *Tracker) Begin(name string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := t.current + 1; i < len(t.steps); i++ {
		if t.steps[i].Name == name {
			t.current = i
			break
		}
	}
	t.completed = 0
	t.total = total
	t.emit()
}

func (t *Tracker) Set(completed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed = completed
	t.emit()
}

func (t *Tracker) StepDone() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completed++
	t.emit()
}

/* Finish marks every step as complete */
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = len(t.steps) - 1
	t.completed = t.total
	if t.total == 0 {
		t.completed, t.total = 1, 1
	}
	t.emit()
}

func (t *Tracker) Last() Update {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.last
}

func (t *Tracker) percentage() float64 {
	if t.sum == 0 || t.current < 0 {
		return 0
	}

	done := 0
	for _, m := range t.steps[:t.current] {
		done += m.Weight
	}

	fraction := 1.0
	if t.total > 0 {
		fraction = float64(t.completed) / float64(t.total)
	}
	if fraction > 1 {
		fraction = 1
	}

	return 100 * (float64(done) + fraction*float64(t.steps[t.current].Weight)) / float64(t.sum)
}

func (t *Tracker) emit() {
	u := Update{
		Completed:  t.completed,
		Total:      t.total,
		Percentage: t.percentage(),
	}
	if t.current >= 0 {
		u.Phase = t.steps[t.current].Name
	}

	t.last = u
	if t.sink != nil {
		t.sink.Report(u)
	}
}
