package gramai

import "embed"

// TemplateFS contains the embedded HTML templates used to export a session's history as a standalone
// page.
//
//go:embed templates/*
var TemplateFS embed.FS
