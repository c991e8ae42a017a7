// Package version implements the on-disk format versioning and
// compatibility/migration rules, a major/minor/patch scheme over the
// database schema plus per-block-type format versions.
package version

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnsupportedVersion = errors.New("version: unsupported version")
	ErrMigrationRequired  = errors.New("version: migration required")
)

// Version is a major.minor.patch on-disk format version.
type Version struct {
	Major uint16
	Minor uint16
	Patch uint16
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		return cmp(v.Major, o.Major)
	}
	if v.Minor != o.Minor {
		return cmp(v.Minor, o.Minor)
	}
	return cmp(v.Patch, o.Patch)
}

func cmp(a, b uint16) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Current is the format version this build writes.
var Current = Version{Major: 1, Minor: 0, Patch: 0}

// Capability is a bit in the header's capability bitset; features beyond
// the declared set are rejected at call sites rather than failing open.
type Capability uint64

const (
	CapCompression Capability = 1 << iota
	CapEncryption
	CapHashChain
	CapSearchIndex
)

// Header is the logical content of the file's first block (BlockType
// Header).
type Header struct {
	Format             Version
	Capabilities       Capability
	BlockTypeVersions  map[uint8]uint16
}

func (h Header) HasCapability(c Capability) bool { return h.Capabilities&c != 0 }

// Compatibility describes the outcome of comparing a target version
// against the file's current on-disk version.
type Compatibility int

const (
	CompatSame Compatibility = iota
	CompatBackward
	CompatForwardInPlace
	CompatRequiresMigration
	CompatUnsupported
)

// Check implements the version compatibility decision table.
func Check(current, target Version) Compatibility {
	if current.Compare(target) == 0 {
		return CompatSame
	}
	if target.Major == current.Major {
		if target.Compare(current) <= 0 {
			return CompatBackward
		}
		return CompatForwardInPlace
	}
	if target.Major == current.Major+1 {
		return CompatRequiresMigration
	}
	return CompatUnsupported
}

// MigrationStep is one major-version upgrade step.
type MigrationStep struct {
	FromMajor, ToMajor uint16
	EstimatedDuration  string // human-readable estimate; precise timing depends on file size and disk speed
	RequiredDiskSpace  int64
	SubSteps           []string
}

// MigrationPlan is an ordered sequence of steps from current to target.
type MigrationPlan struct {
	Steps []MigrationStep
}

// Planner resolves a migration path by walking the registered step table
// one major version at a time.
type Planner struct {
	steps map[uint16]MigrationStep // keyed by FromMajor
}

func NewPlanner() *Planner { return &Planner{steps: make(map[uint16]MigrationStep)} }

// Register adds a step covering FromMajor -> ToMajor (ToMajor must be
// FromMajor+1; multi-major jumps are expressed as a chain of steps).
func (p *Planner) Register(step MigrationStep) error {
	if step.ToMajor != step.FromMajor+1 {
		return errors.Errorf("version: migration step must advance exactly one major version, got %d -> %d", step.FromMajor, step.ToMajor)
	}
	p.steps[step.FromMajor] = step
	return nil
}

// Plan builds the step sequence from current to target, failing
// MigrationRequired-adjacent errors if any intermediate step is missing.
// A target two or more majors ahead is planned as a chain of registered
// steps; a target on an older major fails UnsupportedVersion.
func (p *Planner) Plan(current, target Version) (MigrationPlan, error) {
	switch Check(current, target) {
	case CompatSame, CompatBackward, CompatForwardInPlace:
		return MigrationPlan{}, nil
	case CompatUnsupported:
		if target.Major < current.Major {
			return MigrationPlan{}, errors.Wrapf(ErrUnsupportedVersion, "from %s to %s", current, target)
		}
	}

	var steps []MigrationStep
	major := current.Major
	for major < target.Major {
		step, ok := p.steps[major]
		if !ok {
			return MigrationPlan{}, errors.Wrapf(ErrMigrationRequired, "no registered migration step from major %d", major)
		}
		steps = append(steps, step)
		major = step.ToMajor
	}
	return MigrationPlan{Steps: steps}, nil
}
