package graph

import (
	"fmt"
	"slices"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/plan"
)

// Waves partitions the steps not in exclude into ordered layers. Wave i holds
// exactly the steps whose dependencies all lie in waves 0..i-1 or in exclude.
// Excluded steps (already verified work) are treated as scheduled and never
// appear in the result. Each wave is sorted ascending.
func (g *Graph) Waves(exclude map[int]bool) ([][]int, error) {
	scheduled := make(map[int]bool, len(g.Steps))
	remaining := 0
	for _, n := range g.Steps {
		if exclude[n] {
			scheduled[n] = true
		} else {
			remaining++
		}
	}

	var waves [][]int
	for remaining > 0 {
		var wave []int
		for _, n := range g.Steps {
			if scheduled[n] {
				continue
			}
			ready := true
			for _, dep := range g.Dependencies[n] {
				if !scheduled[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, n)
			}
		}

		if len(wave) == 0 {
			return nil, errors.NewPlanValidationError(
				fmt.Sprintf("%d steps can never become ready", remaining), errors.ErrDependencyCycle,
			)
		}

		for _, n := range wave {
			scheduled[n] = true
		}
		remaining -= len(wave)
		waves = append(waves, wave)
	}
	return waves, nil
}

// WaveOf returns the index of the wave containing n, or -1.
func WaveOf(waves [][]int, n int) int {
	for i, w := range waves {
		if slices.Contains(w, n) {
			return i
		}
	}
	return -1
}

// IdentifyExecutionWaves builds the graph for p and computes the waves over
// the steps not yet verified.
func IdentifyExecutionWaves(p *plan.Plan, verified map[int]bool) ([][]int, error) {
	g, err := Build(p)
	if err != nil {
		return nil, err
	}
	return g.Waves(verified)
}
