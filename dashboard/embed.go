// Package dashboard provides the embedded session listing page.
//
// The page is an html/template rendered by the server package at
// "/requests/". Embedding keeps the binary self-contained.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the listing template.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - session listing with reserve, start and finish forms
//
//go:embed assets/*
var Assets embed.FS
