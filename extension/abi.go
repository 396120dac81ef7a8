package extension

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/tetratelabs/wazero"

	"github.com/wippyai/exthost/errors"
)

// HostModule is the import namespace of the host functions.
const HostModule = "exthost"

// ABISection is the custom section holding the extension's ABI version.
const ABISection = "exthost-abi"

// DefaultABIConstraint accepts any 1.x extension.
const DefaultABIConstraint = "^1.0.0"

// Host function names.
const (
	fnResourceRegister = "resource_register"
	fnResourceAddRef   = "resource_addref"
	fnResourceRelease  = "resource_release"
	fnResourceRep      = "resource_rep"
	fnRefSet           = "ref_set"
	fnSetContext       = "set_context"
	fnLog              = "log"
)

// Optional guest exports.
const (
	exportDrop  = "exthost_drop"
	exportAlloc = "exthost_alloc"
	exportFree  = "exthost_free"
)

// reservedPrefix marks guest exports that are part of the ABI rather than
// callable functions.
const reservedPrefix = "exthost_"

// Status codes returned by host functions.
const (
	statusOK        = 0
	statusDestroyed = 1
	statusError     = -1
)

// checkABI verifies the extension's ABI section against constraint.
func checkABI(compiled wazero.CompiledModule, name, constraint string) (*semver.Version, error) {
	if constraint == "" {
		constraint = DefaultABIConstraint
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, errors.Fatal(errors.PhaseConfig, "invalid ABI constraint "+constraint, err)
	}

	var raw string
	found := false
	for _, sec := range compiled.CustomSections() {
		if sec.Name() == ABISection {
			raw = strings.TrimSpace(string(sec.Data()))
			found = true
			break
		}
	}
	if !found {
		return nil, errors.ABIMismatch(name, "none", constraint)
	}

	v, err := semver.NewVersion(raw)
	if err != nil {
		e := errors.ABIMismatch(name, raw, constraint)
		e.Cause = err
		return nil, e
	}
	if !c.Check(v) {
		return nil, errors.ABIMismatch(name, v.String(), constraint)
	}
	return v, nil
}
