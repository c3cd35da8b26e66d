// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package imports extracts module specifiers from source files.
//
// JavaScript, TypeScript (including TSX), and Go are parsed with
// tree-sitter. An import is dynamic when it is an `import(...)` call, which
// only loads the module when evaluated. Top level import and re-export
// statements, `require(...)` calls, TypeScript `import x = require(...)`,
// and Go import specs are static.
package imports

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// ErrInvalidContent is returned for content that is not valid UTF-8.
var ErrInvalidContent = errors.New("invalid source content")

// Kind classifies how a module is loaded.
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
)

// Import is one module specifier found in a file.
type Import struct {
	Specifier string
	Kind      Kind
	// Line is 1-based.
	Line int
}

// Supported reports whether files with this path can be parsed.
func Supported(path string) bool {
	return languageFor(path) != nil
}

func languageFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		return typescript.GetLanguage()
	case ".tsx":
		return tsx.GetLanguage()
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage()
	case ".go":
		return golang.GetLanguage()
	default:
		return nil
	}
}

// Extract parses content and returns its imports in source order.
//
// Description:
//
//	The language is chosen from the file extension. Unsupported files yield
//	no imports and no error. A new tree-sitter parser is created per call so
//	Extract is safe for concurrent use. Syntax errors do not fail the call;
//	whatever the error-tolerant tree contains is reported.
//
// Inputs:
//
//	ctx - Cancels the parse.
//	path - File path, used for language selection.
//	content - File content.
//
// Outputs:
//
//	[]Import - Imports in source order.
//	error - ErrInvalidContent, or a parse or context error.
func Extract(ctx context.Context, path string, content []byte) ([]Import, error) {
	lang := languageFor(path)
	if lang == nil {
		return nil, nil
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidContent, path)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, nil
	}

	var out []Import
	if strings.EqualFold(filepath.Ext(path), ".go") {
		walk(root, func(n *sitter.Node) bool {
			if n.Type() == "import_spec" {
				if p := n.ChildByFieldName("path"); p != nil {
					out = appendImport(out, p, content, KindStatic)
				}
				return false
			}
			return true
		})
		return out, nil
	}

	walk(root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "import_statement":
			if src := n.ChildByFieldName("source"); src != nil {
				out = appendImport(out, src, content, KindStatic)
				return false
			}
			// import x = require("y")
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				if c.Type() == "import_require_clause" {
					if src := c.ChildByFieldName("source"); src != nil {
						out = appendImport(out, src, content, KindStatic)
					}
				}
			}
			return false
		case "export_statement":
			if src := n.ChildByFieldName("source"); src != nil {
				out = appendImport(out, src, content, KindStatic)
			}
			return true
		case "call_expression":
			fn := n.ChildByFieldName("function")
			args := n.ChildByFieldName("arguments")
			if fn == nil || args == nil || args.NamedChildCount() == 0 {
				return true
			}
			first := args.NamedChild(0)
			switch {
			case fn.Type() == "import":
				out = appendImport(out, first, content, KindDynamic)
			case fn.Type() == "identifier" && fn.Content(content) == "require":
				out = appendImport(out, first, content, KindStatic)
			}
			return true
		}
		return true
	})
	return out, nil
}

// walk visits nodes depth first in source order. visit returns false to
// skip a node's children.
func walk(root *sitter.Node, visit func(*sitter.Node) bool) {
	stack := []*sitter.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(n) {
			continue
		}
		for i := int(n.NamedChildCount()) - 1; i >= 0; i-- {
			stack = append(stack, n.NamedChild(i))
		}
	}
}

// appendImport adds the specifier held by a string literal node. Template
// strings with substitutions are not static specifiers and are skipped.
func appendImport(out []Import, lit *sitter.Node, content []byte, kind Kind) []Import {
	switch lit.Type() {
	case "string", "interpreted_string_literal", "raw_string_literal":
	case "template_string":
		for i := 0; i < int(lit.NamedChildCount()); i++ {
			if lit.NamedChild(i).Type() == "template_substitution" {
				return out
			}
		}
	default:
		return out
	}
	spec := strings.Trim(lit.Content(content), "\"'`")
	if spec == "" {
		return out
	}
	return append(out, Import{
		Specifier: spec,
		Kind:      kind,
		Line:      int(lit.StartPoint().Row) + 1,
	})
}
