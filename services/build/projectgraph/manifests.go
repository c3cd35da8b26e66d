// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package projectgraph

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

// Package manifest file names read from each project root.
const (
	PackageJSONFile = "package.json"
	GoModFile       = "go.mod"
)

// External node name prefixes.
const (
	NPMPrefix = "npm:"
	GoPrefix  = "go:"
)

// PackageJSON is the subset of package.json the builder reads.
type PackageJSON struct {
	Name                 string            `json:"name"`
	Version              string            `json:"version"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
}

// ParsePackageJSON decodes package.json content.
func ParsePackageJSON(data []byte) (*PackageJSON, error) {
	var p PackageJSON
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse %s: %w", PackageJSONFile, err)
	}
	return &p, nil
}

// AllDependencies merges every dependency section. Earlier sections win:
// dependencies, then dev, peer, and optional.
func (p *PackageJSON) AllDependencies() map[string]string {
	out := make(map[string]string)
	for _, section := range []map[string]string{
		p.OptionalDependencies, p.PeerDependencies, p.DevDependencies, p.Dependencies,
	} {
		for name, version := range section {
			out[name] = version
		}
	}
	return out
}

// GoModule is the subset of go.mod the builder reads.
type GoModule struct {
	Path string
	// Requires maps module path to version, direct requirements only.
	Requires map[string]string
	// LocalReplaces maps module path to a replacement directory relative to
	// the go.mod directory.
	LocalReplaces map[string]string
}

// ParseGoMod decodes go.mod content.
func ParseGoMod(data []byte) (*GoModule, error) {
	f, err := modfile.Parse(GoModFile, data, nil)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", GoModFile, err)
	}
	m := &GoModule{
		Requires:      make(map[string]string),
		LocalReplaces: make(map[string]string),
	}
	if f.Module != nil {
		m.Path = f.Module.Mod.Path
	}
	for _, req := range f.Require {
		if req.Indirect {
			continue
		}
		m.Requires[req.Mod.Path] = req.Mod.Version
	}
	for _, rep := range f.Replace {
		if rep.New.Version == "" && modfile.IsDirectoryPath(rep.New.Path) {
			m.LocalReplaces[rep.Old.Path] = rep.New.Path
		}
	}
	return m, nil
}

// projectManifests holds the package manifests found in one project root.
type projectManifests struct {
	pkg *PackageJSON
	mod *GoModule
}

// readProjectManifests loads package.json and go.mod from a project root.
// Missing files are not errors.
func readProjectManifests(wsRoot, projectRoot string) (projectManifests, error) {
	var pm projectManifests

	data, err := os.ReadFile(filepath.Join(wsRoot, filepath.FromSlash(projectRoot), PackageJSONFile))
	switch {
	case err == nil:
		if pm.pkg, err = ParsePackageJSON(data); err != nil {
			return pm, fmt.Errorf("%s: %w", path.Join(projectRoot, PackageJSONFile), err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return pm, err
	}

	data, err = os.ReadFile(filepath.Join(wsRoot, filepath.FromSlash(projectRoot), GoModFile))
	switch {
	case err == nil:
		if pm.mod, err = ParseGoMod(data); err != nil {
			return pm, fmt.Errorf("%s: %w", path.Join(projectRoot, GoModFile), err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return pm, err
	}
	return pm, nil
}

// isManifestFile reports whether a workspace path is a package manifest.
func isManifestFile(p string) bool {
	base := path.Base(p)
	return base == PackageJSONFile || base == GoModFile
}

// ExternalName returns the node name for an external package.
func ExternalName(prefix, pkg string) string {
	return prefix + pkg
}

// IsExternalName reports whether name is a synthetic external node name.
func IsExternalName(name string) bool {
	return strings.HasPrefix(name, NPMPrefix) || strings.HasPrefix(name, GoPrefix)
}
