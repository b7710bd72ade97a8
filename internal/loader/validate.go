// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loader

import (
	"runtime"
	"slices"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/harness/pkg/harness"
)

// hostArch is the ArchTag a descriptor must carry when it sets one.
var hostArch = runtime.GOOS + "/" + runtime.GOARCH

// checkABI verifies a descriptor's ABI version is compatible with the host:
// same major version, minor version no newer than the host's.
func checkABI(desc *harness.Descriptor) error {
	host := semver.MustParse(harness.ABIVersion)

	v, err := semver.NewVersion(desc.ABIVersion)
	if err != nil {
		return oops.In("loader").Code(CodeABIMismatch).
			With("plugin", desc.Name).
			With("abi_version", desc.ABIVersion).
			Wrapf(err, "plugin %s has an unparsable abi version", desc.Name)
	}
	if v.Major() != host.Major() || v.Minor() > host.Minor() {
		return oops.In("loader").Code(CodeABIMismatch).
			With("plugin", desc.Name).
			With("abi_version", desc.ABIVersion).
			With("host_abi_version", harness.ABIVersion).
			Errorf("plugin %s abi %s is incompatible with host abi %s", desc.Name, desc.ABIVersion, harness.ABIVersion)
	}
	return nil
}

// checkArch verifies a descriptor built for one platform runs on this one.
func checkArch(desc *harness.Descriptor) error {
	if desc.ArchTag == "" || desc.ArchTag == hostArch {
		return nil
	}
	return oops.In("loader").Code(CodeArchMismatch).
		With("plugin", desc.Name).
		With("arch", desc.ArchTag).
		With("host_arch", hostArch).
		Errorf("plugin %s built for %s, host is %s", desc.Name, desc.ArchTag, hostArch)
}

// checkDuplicates rejects two sections with the same (name, key).
func checkDuplicates(sections []harness.ConfigSection) error {
	seen := make(map[string]struct{}, len(sections))
	for _, s := range sections {
		id := s.ID()
		if _, ok := seen[id]; ok {
			return oops.In("loader").Code(CodeDuplicateInstance).
				With("plugin", id).
				Errorf("plugin %s configured more than once", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// checkConflicts rejects configurations holding two plugin types where one
// declares a conflict with the other.
func checkConflicts(names []string, descs map[string]*harness.Descriptor) error {
	for _, name := range names {
		for _, other := range descs[name].Conflicts {
			if _, ok := descs[other]; ok {
				return oops.In("loader").Code(CodeConflict).
					With("plugin", name).
					With("conflicts", other).
					Errorf("plugin %s conflicts with configured plugin %s", name, other)
			}
		}
	}
	return nil
}

// checkVersions verifies every versioned requirement against the loaded
// descriptor it names. Unconfigured requirements are left to Resolve.
func checkVersions(names []string, descs map[string]*harness.Descriptor, reqs map[string][]Requirement) error {
	for _, name := range names {
		for _, req := range reqs[name] {
			dep, ok := descs[req.Name]
			if !ok {
				continue
			}
			satisfied, err := req.Satisfied(dep.Version)
			if err != nil {
				return err
			}
			if !satisfied {
				return oops.In("loader").Code(CodeVersionMismatch).
					With("plugin", name).
					With("requirement", req.String()).
					With("version", dep.Version).
					Errorf("plugin %s requires %s, found version %s", name, req, dep.Version)
			}
		}
	}
	return nil
}

// optionMatcher checks section options against a descriptor's supported
// option patterns. Patterns use '.' as segment separator.
type optionMatcher struct {
	patterns []glob.Glob
}

func newOptionMatcher(desc *harness.Descriptor) (*optionMatcher, error) {
	m := &optionMatcher{}
	for _, p := range desc.SupportedOptions {
		g, err := glob.Compile(p, '.')
		if err != nil {
			return nil, oops.In("loader").Code(CodeInvalidDescriptor).
				With("plugin", desc.Name).
				With("pattern", p).
				Wrapf(err, "invalid supported option pattern")
		}
		m.patterns = append(m.patterns, g)
	}
	return m, nil
}

func (m *optionMatcher) accepts(option string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	return slices.ContainsFunc(m.patterns, func(g glob.Glob) bool {
		return g.Match(option)
	})
}

// checkOptions rejects options a plugin type does not declare support for.
func checkOptions(sections []harness.ConfigSection, descs map[string]*harness.Descriptor) error {
	matchers := make(map[string]*optionMatcher, len(descs))
	for _, s := range sections {
		m, ok := matchers[s.Name]
		if !ok {
			var err error
			m, err = newOptionMatcher(descs[s.Name])
			if err != nil {
				return err
			}
			matchers[s.Name] = m
		}
		for _, opt := range s.OptionNames() {
			if !m.accepts(opt) {
				return oops.In("loader").Code(CodeUnsupportedOption).
					With("plugin", s.ID()).
					With("option", opt).
					With("kind", harness.ConfigInvalidArgument.String()).
					Errorf("plugin %s does not support option %q", s.ID(), opt)
			}
		}
	}
	return nil
}
