package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the load pipeline.
var (
	// ErrManifestVersion is returned when manifestVersion is anything other
	// than the single supported literal.
	ErrManifestVersion = errors.New("unsupported manifest version")

	// ErrEntryNotFound is returned when the manifest's entry point does not
	// exist on disk at load time.
	ErrEntryNotFound = errors.New("plugin entry point not found")

	// ErrNoRegistrations is returned when a plugin initializes without
	// registering anything.
	ErrNoRegistrations = errors.New("plugin registered no tools, resources or prompts")
)

// SchemaViolation is one manifest schema failure: where and what.
type SchemaViolation struct {
	Path    string
	Message string
}

func (v SchemaViolation) String() string {
	if v.Path == "" || v.Path == "(root)" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// ValidationError reports every schema violation found in a manifest.
type ValidationError struct {
	Violations []SchemaViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("manifest validation failed: %s", strings.Join(parts, "; "))
}

// DependencyCycleError reports a cycle with its full participant path so the
// operator can see exactly which manifests to fix.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(append(append([]string{}, e.Cycle...), e.Cycle[0]), " -> "))
}

// MissingDependencyError reports a dependency named in a manifest with no
// manifest of its own in the load set.
type MissingDependencyError struct {
	Plugin     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin %s requires %s, which is not present", e.Plugin, e.Dependency)
}

// IntegrityError reports a dist hash mismatch with both values so the
// operator can diagnose which side is stale.
type IntegrityError struct {
	Plugin   string
	Declared string
	Computed string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("dist hash mismatch for %s: manifest declares %s, computed %s", e.Plugin, e.Declared, e.Computed)
}

// SignatureError reports a signature that could not be verified against any
// trusted key.
type SignatureError struct {
	Plugin string
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature verification failed for %s: %s", e.Plugin, e.Reason)
}

// PolicyError reports a manifest that is well-formed but disallowed by host
// policy (external dependencies, missing required signature).
type PolicyError struct {
	Plugin string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy violation in %s: %s", e.Plugin, e.Reason)
}

// CapabilityViolation is one scanner or broker hit: a capability-gated
// primitive used without the matching manifest flag.
type CapabilityViolation struct {
	File       string
	Line       int
	Primitive  string
	Permission PermissionFlag
}

func (v CapabilityViolation) String() string {
	if v.File == "" {
		return fmt.Sprintf("%s requires permission %q", v.Primitive, v.Permission)
	}
	return fmt.Sprintf("%s:%d: %s requires permission %q", v.File, v.Line, v.Primitive, v.Permission)
}

// CapabilityMismatchError reports undeclared capability use, either found
// statically by the scanner or attempted at load time through the broker.
type CapabilityMismatchError struct {
	Plugin     string
	Violations []CapabilityViolation
}

func (e *CapabilityMismatchError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("undeclared capability use in %s: %s", e.Plugin, strings.Join(parts, "; "))
}

// PermissionDeniedError reports a runtime capability call the manifest does
// not authorize.
type PermissionDeniedError struct {
	Plugin     string
	Permission PermissionFlag
	Action     string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("plugin %s denied %s: requires permission %q", e.Plugin, e.Action, e.Permission)
}
