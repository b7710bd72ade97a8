// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loader

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// Requirement is a parsed Descriptor.Requires entry.
type Requirement struct {
	Name       string
	Constraint *semver.Constraints // nil when the entry names no version
	raw        string
}

// String returns the entry as written.
func (r Requirement) String() string {
	return r.raw
}

// ParseRequirement parses "name" or "name (constraint)", for example
// "logger (>=1.0, <2.0)".
func ParseRequirement(entry string) (Requirement, error) {
	raw := strings.TrimSpace(entry)
	req := Requirement{raw: raw}

	open := strings.IndexByte(raw, '(')
	if open < 0 {
		req.Name = raw
	} else {
		if !strings.HasSuffix(raw, ")") {
			return Requirement{}, oops.In("loader").Code(CodeInvalidRequirement).
				With("requirement", entry).
				Errorf("unbalanced parenthesis in requirement %q", entry)
		}
		req.Name = strings.TrimSpace(raw[:open])

		expr := strings.TrimSpace(raw[open+1 : len(raw)-1])
		if expr != "" {
			c, err := semver.NewConstraint(expr)
			if err != nil {
				return Requirement{}, oops.In("loader").Code(CodeInvalidRequirement).
					With("requirement", entry).
					Wrapf(err, "invalid version constraint")
			}
			req.Constraint = c
		}
	}

	if req.Name == "" || strings.ContainsAny(req.Name, " \t") {
		return Requirement{}, oops.In("loader").Code(CodeInvalidRequirement).
			With("requirement", entry).
			Errorf("invalid plugin name in requirement %q", entry)
	}
	return req, nil
}

// Satisfied reports whether version meets the requirement's constraint.
// Requirements without a constraint accept any version, including none.
func (r Requirement) Satisfied(version string) (bool, error) {
	if r.Constraint == nil {
		return true, nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, oops.In("loader").Code(CodeVersionMismatch).
			With("requirement", r.raw).
			With("version", version).
			Wrapf(err, "plugin %s has invalid version %q", r.Name, version)
	}
	return r.Constraint.Check(v), nil
}

// parseRequirements parses every Requires entry of a descriptor.
func parseRequirements(entries []string) ([]Requirement, error) {
	reqs := make([]Requirement, 0, len(entries))
	for _, e := range entries {
		r, err := ParseRequirement(e)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}
