// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package imports

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specifiers(imps []Import) map[string]Kind {
	out := make(map[string]Kind, len(imps))
	for _, imp := range imps {
		out[imp.Specifier] = imp.Kind
	}
	return out
}

func TestExtract_TypeScript(t *testing.T) {
	src := `import { a } from '@ws/lib-a';
import type { B } from "@ws/lib-b";
export * from './local';
import fs = require('fs');

const routes = [
  { path: 'admin', loadChildren: () => import('@ws/feature-admin').then(m => m.AdminModule) },
];

async function later(name: string) {
  const mod = await import(` + "`./plugins/${name}`" + `);
  return import(` + "`@ws/static-template`" + `);
}
`
	imps, err := Extract(context.Background(), "apps/web/src/main.ts", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, map[string]Kind{
		"@ws/lib-a":           KindStatic,
		"@ws/lib-b":           KindStatic,
		"./local":             KindStatic,
		"fs":                  KindStatic,
		"@ws/feature-admin":   KindDynamic,
		"@ws/static-template": KindDynamic,
	}, specifiers(imps))
	assert.Equal(t, 1, imps[0].Line)
}

func TestExtract_JavaScriptRequire(t *testing.T) {
	src := "const x = require('@ws/util');\nmodule.exports = () => import('./lazy.js');\n"
	imps, err := Extract(context.Background(), "tools/build.cjs", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, []Import{
		{Specifier: "@ws/util", Kind: KindStatic, Line: 1},
		{Specifier: "./lazy.js", Kind: KindDynamic, Line: 2},
	}, imps)
}

func TestExtract_TSX(t *testing.T) {
	src := "import React from 'react';\nexport const App = () => <div />;\n"
	imps, err := Extract(context.Background(), "App.tsx", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, map[string]Kind{"react": KindStatic}, specifiers(imps))
}

func TestExtract_Go(t *testing.T) {
	src := "package main\n\nimport (\n\t\"fmt\"\n\tlib \"example.com/ws/libs/lib1\"\n)\n\nimport _ \"embed\"\n"
	imps, err := Extract(context.Background(), "cmd/main.go", []byte(src))
	require.NoError(t, err)
	assert.Equal(t, []Import{
		{Specifier: "fmt", Kind: KindStatic, Line: 4},
		{Specifier: "example.com/ws/libs/lib1", Kind: KindStatic, Line: 5},
		{Specifier: "embed", Kind: KindStatic, Line: 8},
	}, imps)
}

func TestExtract_Unsupported(t *testing.T) {
	imps, err := Extract(context.Background(), "README.md", []byte("import x from 'y'"))
	require.NoError(t, err)
	assert.Nil(t, imps)
	assert.False(t, Supported("README.md"))
	assert.True(t, Supported("index.MJS"))
}

func TestExtract_InvalidUTF8(t *testing.T) {
	_, err := Extract(context.Background(), "bad.ts", []byte{0xff, 0xfe})
	assert.True(t, errors.Is(err, ErrInvalidContent))
}
