package health

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Component is a named dependency checked by a MultiChecker.
type Component struct {
	Name    string
	Checker Checker
}

// MultiChecker checks every component concurrently.
type MultiChecker struct {
	mu         sync.RWMutex
	components []Component
}

func NewMultiChecker(components ...Component) *MultiChecker {
	return &MultiChecker{
		components: components,
	}
}

func (mc *MultiChecker) Check() error {
	report := mc.Report()
	var result *multierror.Error
	for _, name := range mc.names() {
		if msg, ok := report[name]; ok && msg != healthy {
			result = multierror.Append(result, fmt.Errorf("%s: %s", name, msg))
		}
	}
	if result == nil {
		return nil
	}
	result.ErrorFormat = func(errs []error) string {
		lines := make([]string, len(errs))
		for i, err := range errs {
			lines[i] = err.Error()
		}
		return strings.Join(lines, "\n")
	}
	return result.ErrorOrNil()
}

// Report returns "ok" or the failure message of each component by name.
func (mc *MultiChecker) Report() map[string]string {
	mc.mu.RLock()
	components := append([]Component(nil), mc.components...)
	mc.mu.RUnlock()

	report := make(map[string]string, len(components))
	mu := sync.Mutex{}
	wg := sync.WaitGroup{}
	for _, component := range components {
		component := component
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := healthy
			if err := component.Checker.Check(); err != nil {
				msg = err.Error()
			}
			mu.Lock()
			report[component.Name] = msg
			mu.Unlock()
		}()
	}
	wg.Wait()
	return report
}

func (mc *MultiChecker) Add(name string, checker Checker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.components = append(mc.components, Component{Name: name, Checker: checker})
}

func (mc *MultiChecker) names() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	names := make([]string, len(mc.components))
	for i, component := range mc.components {
		names[i] = component.Name
	}
	return names
}
