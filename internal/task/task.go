// Package task defines the unit-of-work descriptor and the fixed stage
// chain of the ingestion pipeline.
package task

import (
	"fmt"
	"sort"
	"strings"
)

// Stage identifies one of the four pipeline stages. The stages form a fixed
// chain; Load additionally joins over all Dedup outputs of a run.
type Stage int

const (
	// Decompress extracts the raw CSV members from one zip archive.
	Decompress Stage = iota
	// Clean parses and validates the extracted CSV files of one archive.
	Clean
	// Dedup removes duplicate position reports from one archive's clean files.
	Dedup
	// Load writes every deduplicated output of the run into the database.
	Load
)

var stageNames = map[Stage]string{
	Decompress: "decompress",
	Clean:      "clean",
	Dedup:      "dedup",
	Load:       "load",
}

// Stages lists all stages in chain order.
var Stages = []Stage{Decompress, Clean, Dedup, Load}

// String returns the lowercase stage name, or a placeholder for unknown values.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage converts a stage name back into a Stage.
func ParseStage(name string) (Stage, error) {
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Predecessor returns the stage this stage directly depends on. The first
// stage has no predecessor (ok == false).
func (s Stage) Predecessor() (Stage, bool) {
	if s == Decompress {
		return 0, false
	}
	return s - 1, true
}

// JoinsAllPredecessors reports whether the stage depends on every descriptor
// of the preceding stage rather than only the one sharing its key.
func (s Stage) JoinsAllPredecessors() bool {
	return s == Load
}

// Descriptor identifies one task instance: a stage applied to one input key.
// Two descriptors are equal iff stage and key match. Params carry
// stage-specific configuration and do not contribute to identity.
type Descriptor struct {
	Stage  Stage
	Key    string
	Params map[string]string
}

// ID returns the canonical "stage/key" identity string.
func (d Descriptor) ID() string {
	return d.Stage.String() + "/" + d.Key
}

// Param returns the named parameter, or fallback when it is absent.
func (d Descriptor) Param(name, fallback string) string {
	if v, ok := d.Params[name]; ok {
		return v
	}
	return fallback
}

// ParseID splits a canonical identity string back into stage and key.
func ParseID(id string) (Stage, string, error) {
	stageName, key, ok := strings.Cut(id, "/")
	if !ok {
		return 0, "", fmt.Errorf("malformed descriptor id %q", id)
	}
	stage, err := ParseStage(stageName)
	if err != nil {
		return 0, "", err
	}
	return stage, key, nil
}

// SortDescriptors orders descriptors by stage then key, for deterministic
// expansion and reporting.
func SortDescriptors(descs []Descriptor) {
	sort.Slice(descs, func(i, j int) bool {
		if descs[i].Stage != descs[j].Stage {
			return descs[i].Stage < descs[j].Stage
		}
		return descs[i].Key < descs[j].Key
	})
}
