// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package render renders the HTML bodies of bounces and notification mail
// with pongo2. Built-in templates are embedded; a directory of same-named
// files overrides them.
package render

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/flosch/pongo2/v6"
)

// Template names used by the gateway.
const (
	BounceCatchall      = "bounce_catchall"
	BounceAliasContact  = "bounce_alias_contact"
	BounceAliasMissing  = "bounce_alias_missing"
	BounceLoop          = "bounce_loop"
	NotificationLayout  = "notification_layout"
	templateFileSuffix  = ".html"
	embeddedTemplateDir = "templates"
)

//go:embed templates/*.html
var builtin embed.FS

// Renderer renders named templates with a context map.
type Renderer struct {
	set *pongo2.TemplateSet
}

// New creates a renderer. When dir is non-empty, templates found there take
// precedence over the built-in ones.
func New(dir string) (*Renderer, error) {
	sub, err := fs.Sub(builtin, embeddedTemplateDir)
	if err != nil {
		return nil, fmt.Errorf("open built-in templates: %w", err)
	}

	var loaders []pongo2.TemplateLoader
	if dir != "" {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("template directory not found: %w", err)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve template directory: %w", err)
		}
		local, err := pongo2.NewLocalFileSystemLoader(abs)
		if err != nil {
			return nil, fmt.Errorf("template loader: %w", err)
		}
		loaders = append(loaders, local)
		slog.Info("template overrides enabled", "dir", abs)
	}
	loaders = append(loaders, pongo2.NewFSLoader(sub))

	return &Renderer{set: pongo2.NewSet("mailgate", loaders...)}, nil
}

// Render executes the named template. The name may omit the .html suffix.
func (r *Renderer) Render(name string, data map[string]any) (string, error) {
	if !strings.HasSuffix(name, templateFileSuffix) {
		name += templateFileSuffix
	}
	tpl, err := r.set.FromCache(name)
	if err != nil {
		return "", fmt.Errorf("load template %s: %w", name, err)
	}
	out, err := tpl.Execute(pongo2.Context(data))
	if err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return strings.TrimSpace(out), nil
}

// RenderString executes an ad-hoc template, such as an alias's custom
// bounce message.
func (r *Renderer) RenderString(tpl string, data map[string]any) (string, error) {
	out, err := r.set.RenderTemplateString(tpl, pongo2.Context(data))
	if err != nil {
		return "", fmt.Errorf("render inline template: %w", err)
	}
	return out, nil
}
