package config

import "fmt"

// Phase is the execution phase of a network.
type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseTest  Phase = "test"
)

// ParsePhase validates a phase name.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhaseTrain, PhaseTest:
		return Phase(s), nil
	}
	return "", fmt.Errorf("%w: invalid phase %q, expected %q or %q", ErrConfiguration, s, PhaseTrain, PhaseTest)
}

// Phase returns the configured "phase" key.
func (c *Config) Phase() (Phase, error) {
	s, err := c.String("phase")
	if err != nil {
		return "", err
	}
	return ParsePhase(s)
}
