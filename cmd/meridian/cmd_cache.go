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
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/meridian/services/build/cache"
)

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the task cache",
	}

	var (
		maxAge  time.Duration
		maxSize string
	)
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Evict old entries until the cache fits its limits",
		Long: `Evict entries unused for longer than the maximum age, then the least
recently used entries until the cache fits the maximum size. Flags
override the limits from meridian.yaml. Entries in use are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(0)
			if err != nil {
				return err
			}
			defer s.Close()

			if cmd.Flags().Changed("max-age") {
				s.ws.Config.Cache.MaxAge = maxAge
			}
			if cmd.Flags().Changed("max-size") {
				s.ws.Config.Cache.MaxSize = maxSize
			}
			c, err := s.openCache(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := c.RemoveOldCacheRecords(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Pruned cache: %s\n", stats)
			return nil
		},
	}
	prune.Flags().DurationVar(&maxAge, "max-age", 0, "remove entries unused for longer than this, e.g. 168h")
	prune.Flags().StringVar(&maxSize, "max-size", "", "shrink the cache below this size, e.g. 5GB")

	info := &cobra.Command{
		Use:   "info",
		Short: "Print the cache location and size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(0)
			if err != nil {
				return err
			}
			defer s.Close()
			c, err := cache.New(s.ws.CacheDir(), s.ws.Root, cache.WithLogger(a.log()))
			if err != nil {
				return err
			}
			n, size, err := c.Size()
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s\n  %d entries, %s\n", c.Dir(), n, humanize.Bytes(size))
			return nil
		},
	}

	cmd.AddCommand(prune, info)
	return cmd
}

func newResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the task cache and the stored project graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openSession(0)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.reset(cmd.Context())
		},
	}
}

// reset clears the task cache and the graph snapshot. Run history is kept.
func (s *session) reset(ctx context.Context) error {
	c, err := cache.New(s.ws.CacheDir(), s.ws.Root, cache.WithLogger(s.app.log()))
	if err != nil {
		return err
	}
	if err := c.Clear(); err != nil {
		return err
	}
	if s.store == nil {
		return fmt.Errorf("graph store %s is in use by another process", filepath.Join(s.ws.CacheDir(), graphDir))
	}
	if err := s.store.Reset(); err != nil {
		return fmt.Errorf("reset graph store: %w", err)
	}
	s.app.log().InfoContext(ctx, "workspace cache reset")
	fmt.Fprintf(s.app.stdout, "Cleared %s\n", s.ws.CacheDir())
	return nil
}
