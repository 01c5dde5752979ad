package orchestrator

import "context"

// NarrativeSynthesizer turns a run report into human-readable prose.
// Implementations are external collaborators (typically a language model);
// their output never feeds back into scheduling or recovery decisions.
type NarrativeSynthesizer interface {
	Synthesize(ctx context.Context, report *Report) (string, error)
}

// NoopSynthesizer produces no narrative.
type NoopSynthesizer struct{}

// Synthesize implements NarrativeSynthesizer.
func (NoopSynthesizer) Synthesize(ctx context.Context, report *Report) (string, error) {
	return "", nil
}
