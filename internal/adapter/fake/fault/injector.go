// Package fault injects errors into fake engine calls by named point. Points
// are engine method names such as "ContainerCreate".
package fault

import (
	"fmt"
	"strings"
	"sync"

	"converge/internal/check"
)

type Hook func(args ...any) error

type pointFault struct {
	queued    []error
	alwaysErr error
	hook      Hook
	hits      int
}

// Injector manages per-point fault injection for fake adapters.
// It supports queued failures, persistent failures, and argument-aware hooks.
type Injector struct {
	mu     sync.Mutex
	points map[string]*pointFault
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*pointFault)}
}

// FailOnce injects err for the next evaluation of point.
func (i *Injector) FailOnce(point string, err error) {
	i.FailTimes(point, 1, err)
}

// FailTimes injects err for the next n evaluations of point, then lets calls
// through. Useful for exercising retry of transient errors.
func (i *Injector) FailTimes(point string, n int, err error) {
	check.Assert(i != nil, "fault.Injector.FailTimes: receiver must not be nil")
	check.Assert(strings.TrimSpace(point) != "", "fault.Injector.FailTimes: point must not be empty")
	check.Assert(err != nil, "fault.Injector.FailTimes: err must not be nil")
	if i == nil || strings.TrimSpace(point) == "" || err == nil || n <= 0 {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	pf := i.ensurePoint(point)
	for range n {
		pf.queued = append(pf.queued, err)
	}
}

// FailAlways injects err on every evaluation of point.
func (i *Injector) FailAlways(point string, err error) {
	check.Assert(i != nil, "fault.Injector.FailAlways: receiver must not be nil")
	check.Assert(strings.TrimSpace(point) != "", "fault.Injector.FailAlways: point must not be empty")
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")
	if i == nil || strings.TrimSpace(point) == "" || err == nil {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.ensurePoint(point).alwaysErr = err
}

// SetHook sets an argument-aware hook for point.
func (i *Injector) SetHook(point string, hook Hook) {
	check.Assert(i != nil, "fault.Injector.SetHook: receiver must not be nil")
	check.Assert(hook != nil, "fault.Injector.SetHook: hook must not be nil")
	if i == nil || strings.TrimSpace(point) == "" || hook == nil {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.ensurePoint(point).hook = hook
}

// Hits returns how many evaluations of point returned an error.
func (i *Injector) Hits(point string) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	if pf := i.points[point]; pf != nil {
		return pf.hits
	}
	return 0
}

// Clear removes all faults for a single point.
func (i *Injector) Clear(point string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	delete(i.points, point)
}

// Reset removes all configured faults.
func (i *Injector) Reset() {
	i.mu.Lock()
	i.points = make(map[string]*pointFault)
	i.mu.Unlock()
}

// Eval evaluates whether point should fail for this call.
// Precedence: hook -> queued -> always. Returned errors wrap the injected
// error so errors.Is keeps working.
func (i *Injector) Eval(point string, args ...any) error {
	if i == nil {
		return nil
	}

	i.mu.Lock()
	pf := i.points[point]
	if pf == nil {
		i.mu.Unlock()
		return nil
	}
	hook := pf.hook
	i.mu.Unlock()

	// Hooks run unlocked; they may call back into the fake.
	if hook != nil {
		if err := hook(args...); err != nil {
			i.hit(point)
			return fmt.Errorf("fault %s (hook): %w", point, err)
		}
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if len(pf.queued) > 0 {
		err := pf.queued[0]
		pf.queued = pf.queued[1:]
		pf.hits++
		return fmt.Errorf("fault %s (queued): %w", point, err)
	}
	if pf.alwaysErr != nil {
		pf.hits++
		return fmt.Errorf("fault %s (always): %w", point, pf.alwaysErr)
	}
	return nil
}

func (i *Injector) hit(point string) {
	i.mu.Lock()
	if pf := i.points[point]; pf != nil {
		pf.hits++
	}
	i.mu.Unlock()
}

func (i *Injector) ensurePoint(point string) *pointFault {
	pf, ok := i.points[point]
	if !ok {
		pf = &pointFault{}
		i.points[point] = pf
	}
	return pf
}
