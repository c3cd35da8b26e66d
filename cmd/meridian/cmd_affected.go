// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AleutianAI/meridian/services/build/affected"
	"github.com/AleutianAI/meridian/services/build/graph"
	"github.com/AleutianAI/meridian/services/build/reporter"
)

// defaultBase is compared against when --affected is given alone.
const defaultBase = "main"

// touchedOptions selects the source of touched files.
type touchedOptions struct {
	affected    bool
	base        string
	head        string
	files       []string
	patch       string
	uncommitted bool
}

func (o *touchedOptions) addFlags(fs *pflag.FlagSet, withSwitch bool) {
	if withSwitch {
		fs.BoolVar(&o.affected, "affected", false, "restrict to affected projects (compares against "+defaultBase+" unless another source is given)")
	}
	fs.StringVar(&o.base, "base", "", "base git revision")
	fs.StringVar(&o.head, "head", "", "head git revision (default: working tree)")
	fs.StringSliceVar(&o.files, "files", nil, "changed files, comma separated")
	fs.StringVar(&o.patch, "patch", "", "unified diff file listing the changes")
	fs.BoolVar(&o.uncommitted, "uncommitted", false, "use staged, unstaged and untracked changes")
}

// enabled reports whether any source of touched files was selected.
func (o *touchedOptions) enabled() bool {
	return o.affected || o.base != "" || o.head != "" || len(o.files) > 0 || o.patch != "" || o.uncommitted
}

func (o *touchedOptions) validate() error {
	n := 0
	if len(o.files) > 0 {
		n++
	}
	if o.patch != "" {
		n++
	}
	if o.base != "" || o.head != "" || o.uncommitted {
		n++
	}
	if n > 1 {
		return errors.New("--files, --patch and git revisions are mutually exclusive")
	}
	if o.head != "" && o.base == "" {
		return errors.New("--head requires --base")
	}
	return nil
}

// collect reads the touched files from the selected source.
func (o *touchedOptions) collect(ctx context.Context, root string) ([]affected.TouchedFile, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	switch {
	case len(o.files) > 0:
		return affected.FilesFromList(root, o.files), nil
	case o.patch != "":
		f, err := os.Open(o.patch)
		if err != nil {
			return nil, fmt.Errorf("open patch: %w", err)
		}
		defer f.Close()
		return affected.FilesFromPatch(f)
	default:
		r := affected.GitRange{Base: o.base, Head: o.head, Uncommitted: o.uncommitted}
		if r.Base == "" && !r.Uncommitted {
			r.Base = defaultBase
		}
		return affected.FilesFromGit(ctx, root, r)
	}
}

// selectGraph returns the full project graph, or the affected subgraph
// when a touched file source was selected.
func (s *session) selectGraph(ctx context.Context, o *touchedOptions) (full, selected *graph.ProjectGraph, err error) {
	full, err = s.projectGraph(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !o.enabled() {
		return full, full, nil
	}
	touched, err := o.collect(ctx, s.ws.Root)
	if err != nil {
		return nil, nil, err
	}
	sub, err := affected.NewFilter(s.ws, affected.WithLogger(s.app.log())).FilterAffected(full, touched)
	if err != nil {
		return nil, nil, err
	}
	return full, sub, nil
}

// projectsWithTarget lists the workspace projects of g, optionally only
// those defining target.
func projectsWithTarget(g *graph.ProjectGraph, target string) []string {
	var out []string
	for _, name := range g.ProjectNames() {
		if target == "" || g.Nodes[name].HasTarget(target) {
			out = append(out, name)
		}
	}
	return out
}

func newAffectedCmd(a *app) *cobra.Command {
	var (
		touched touchedOptions
		target  string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "affected",
		Short: "List the projects affected by a change",
		Long: `List the projects affected by a set of touched files.

Touched files come from --files, --patch, or git (--base/--head,
--uncommitted). Without a source the working tree is compared against ` + defaultBase + `.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(0)
			if err != nil {
				return err
			}
			defer s.Close()

			touched.affected = true
			_, sub, err := s.selectGraph(cmd.Context(), &touched)
			if err != nil {
				return err
			}
			names := projectsWithTarget(sub, target)
			if asJSON {
				if names == nil {
					names = []string{}
				}
				return reporter.WriteJSON(a.stdout, names)
			}
			for _, n := range names {
				fmt.Fprintln(a.stdout, n)
			}
			return nil
		},
	}
	touched.addFlags(cmd.Flags(), false)
	cmd.Flags().StringVarP(&target, "target", "t", "", "only list projects defining this target")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON array")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	show := &cobra.Command{
		Use:   "show",
		Short: "Show workspace information",
	}

	var (
		touched touchedOptions
		target  string
		asJSON  bool
	)
	projects := &cobra.Command{
		Use:   "projects",
		Short: "List workspace projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(0)
			if err != nil {
				return err
			}
			defer s.Close()

			_, sub, err := s.selectGraph(cmd.Context(), &touched)
			if err != nil {
				return err
			}
			names := projectsWithTarget(sub, target)
			if asJSON {
				if names == nil {
					names = []string{}
				}
				return reporter.WriteJSON(a.stdout, names)
			}
			title := "Projects"
			if touched.enabled() {
				title = "Affected projects"
			}
			reporter.NewText(a.stdout, reporter.OutputNone, reporter.IsTerminal(a.stdout)).List(title, names)
			return nil
		},
	}
	touched.addFlags(projects.Flags(), true)
	projects.Flags().StringVarP(&target, "target", "t", "", "only list projects defining this target")
	projects.Flags().BoolVar(&asJSON, "json", false, "print a JSON array")

	show.AddCommand(projects)
	return show
}
