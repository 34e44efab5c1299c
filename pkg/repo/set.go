package repo

import (
	"fmt"
	"os"
)

// Set bundles the repositories of one tenant instance, all rooted in the
// same data directory.
type Set struct {
	Situations   *SituationRepo
	Episodes     *EpisodeRepo
	Protocols    *ProtocolRepo
	Decisions    *DecisionRepo
	Contracts    *ContractRepo
	Observations *ObservationRepo
	Mandates     *MandateRepo
}

// OpenSet creates the data directory if needed and loads every repository.
func OpenSet(dir string) (*Set, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	situations, err := NewSituationRepo(dir)
	if err != nil {
		return nil, err
	}
	episodes, err := NewEpisodeRepo(dir)
	if err != nil {
		return nil, err
	}
	protocols, err := NewProtocolRepo(dir)
	if err != nil {
		return nil, err
	}
	decisions, err := NewDecisionRepo(dir)
	if err != nil {
		return nil, err
	}
	contracts, err := NewContractRepo(dir)
	if err != nil {
		return nil, err
	}
	observations, err := NewObservationRepo(dir)
	if err != nil {
		return nil, err
	}
	mandates, err := NewMandateRepo(dir)
	if err != nil {
		return nil, err
	}

	return &Set{
		Situations:   situations,
		Episodes:     episodes,
		Protocols:    protocols,
		Decisions:    decisions,
		Contracts:    contracts,
		Observations: observations,
		Mandates:     mandates,
	}, nil
}
