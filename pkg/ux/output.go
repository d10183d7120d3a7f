// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides styled terminal output for the diagramgate CLI.
//
// Colors are chosen by lipgloss from the destination writer: a terminal gets
// the brand palette, pipes and buffers get plain text, and NO_COLOR is
// honoured.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Borders
	ColorSlate       = lipgloss.Color("#2C4A54") // Muted text

	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// fieldWidth is the label column width used by Field.
const fieldWidth = 12

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// Styles holds the styles bound to one renderer.
type Styles struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
		Bold:    r.NewStyle().Bold(true),
		Muted:   r.NewStyle().Foreground(ColorSlate),
		Success: r.NewStyle().Foreground(ColorTealBright),
		Warning: r.NewStyle().Foreground(ColorWarning),
		Error:   r.NewStyle().Foreground(ColorError),
		Box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorTealDeep).
			Padding(0, 1),
	}
}

// Printer writes styled lines to one destination.
//
// # Thread Safety
//
// Not safe for concurrent use; CLI commands own their printer.
type Printer struct {
	w      io.Writer
	styles Styles
}

// NewPrinter creates a Printer whose color profile is detected from w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, styles: newStyles(lipgloss.NewRenderer(w))}
}

// Styles returns the printer's styles for composing custom lines.
func (p *Printer) Styles() Styles {
	return p.styles
}

// Render returns the icon styled for its meaning.
func (p *Printer) Render(i Icon) string {
	switch i {
	case IconSuccess:
		return p.styles.Success.Render(string(i))
	case IconWarning:
		return p.styles.Warning.Render(string(i))
	case IconError:
		return p.styles.Error.Render(string(i))
	default:
		return p.styles.Muted.Render(string(i))
	}
}

// Title prints a styled heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.w, p.styles.Title.Render(text))
}

// Success prints a message with a check mark.
func (p *Printer) Success(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Render(IconSuccess), p.styles.Success.Render(text))
}

// Warning prints a message with a warning sign.
func (p *Printer) Warning(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Render(IconWarning), p.styles.Warning.Render(text))
}

// Error prints a message with a cross.
func (p *Printer) Error(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.Render(IconError), p.styles.Error.Render(text))
}

// Field prints an aligned "label: value" line.
func (p *Printer) Field(label string, value any) {
	pad := max(fieldWidth-len(label)-1, 0)
	fmt.Fprintf(p.w, "  %s%s %v\n", p.styles.Muted.Render(label+":"), strings.Repeat(" ", pad), value)
}

// Item prints an indented status line with an optional muted detail.
func (p *Printer) Item(icon Icon, text, detail string) {
	if detail == "" {
		fmt.Fprintf(p.w, "  %s %s\n", p.Render(icon), text)
		return
	}
	fmt.Fprintf(p.w, "  %s %s %s\n", p.Render(icon), text, p.styles.Muted.Render(detail))
}

// Muted prints secondary text.
func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.w, p.styles.Muted.Render(text))
}

// Box prints a titled block in a rounded border.
func (p *Printer) Box(title, content string) {
	fmt.Fprintln(p.w, p.styles.Box.Width(60).Render(p.styles.Title.Render(title)+"\n"+content))
}
