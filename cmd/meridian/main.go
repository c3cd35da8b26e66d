// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command meridian builds, tests and lints the projects of a monorepo.
//
// Usage:
//
//	meridian run -t build
//	meridian run -t test -p app,lib --parallel 8
//	meridian affected -t test --base main --head HEAD
//	meridian graph --targets build --file graph.json
//	meridian hash app:build
//	meridian cache prune --max-age 72h
//	meridian history --limit 10
//	meridian watch -t build
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
