package promotion

import "fmt"

// Environment is the fixed deployment environment enum. Promotion only ever
// moves content upward through these.
type Environment string

const (
	EnvDev   Environment = "dev"
	EnvTest  Environment = "test"
	EnvStage Environment = "stage"
	EnvProd  Environment = "prod"
)

func (e Environment) Valid() bool {
	switch e {
	case EnvDev, EnvTest, EnvStage, EnvProd:
		return true
	}
	return false
}

// Path is an ordered (source, target) pair.
type Path struct {
	Source Environment
	Target Environment
}

func (p Path) String() string {
	return string(p.Source) + ":" + string(p.Target)
}

// DefaultAllowedPaths is the promotion graph used when none is configured.
func DefaultAllowedPaths() []Path {
	return []Path{
		{Source: EnvDev, Target: EnvStage},
		{Source: EnvStage, Target: EnvProd},
		{Source: EnvDev, Target: EnvProd},
	}
}

// PathValidator encodes the allowed promotion graph. Pure and deterministic:
// every input yields a result, never an error.
type PathValidator struct {
	enabled bool
	allowed map[Path]bool
}

func NewPathValidator(enabled bool, allowed []Path) PathValidator {
	if len(allowed) == 0 {
		allowed = DefaultAllowedPaths()
	}
	set := make(map[Path]bool, len(allowed))
	for _, p := range allowed {
		set[p] = true
	}
	return PathValidator{enabled: enabled, allowed: set}
}

// Validate checks, in order: both values belong to the environment enum,
// source differs from target, promotion is enabled, and the ordered pair is
// in the allow-list.
func (v PathValidator) Validate(source, target Environment) (bool, string) {
	if !source.Valid() {
		return false, fmt.Sprintf("unknown source environment %q", source)
	}
	if !target.Valid() {
		return false, fmt.Sprintf("unknown target environment %q", target)
	}
	if source == target {
		return false, "source and target environment are the same"
	}
	if !v.enabled {
		return false, "promotion is disabled by configuration"
	}
	if !v.allowed[Path{Source: source, Target: target}] {
		return false, fmt.Sprintf("promotion path %s -> %s is not allowed", source, target)
	}
	return true, ""
}
