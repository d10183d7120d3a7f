// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifact checks that engine output is what was negotiated.
//
// Validation is signature based: the vector format must open with an SVG
// root (directly or after an XML declaration, doctype or comment), and the
// binary formats must start with their magic bytes. An optional deep check
// decodes raster headers and bounds their pixel count.
package artifact

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"mime"

	"github.com/ssmirnovpro/diagramV2-sub001/pkg/apierrors"
	"github.com/ssmirnovpro/diagramV2-sub001/services/gateway/formats"
)

// CauseInvalidOutput matches render.CauseInvalidOutput.
const CauseInvalidOutput = "invalid_upstream_output"

// svgSearchWindow is how far past a prolog the <svg root may start.
const svgSearchWindow = 4096

// DefaultMaxPixels bounds decoded raster size when deep checks are on.
const DefaultMaxPixels = 64 << 20

var (
	utf8BOM = []byte{0xEF, 0xBB, 0xBF}

	signatures = map[formats.Format][]byte{
		formats.PNG:  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
		formats.JPEG: {0xFF, 0xD8, 0xFF},
		formats.PDF:  []byte("%PDF-"),
	}

	decoderNames = map[formats.Format]string{
		formats.PNG:  "png",
		formats.JPEG: "jpeg",
	}
)

// Config controls optional checks.
type Config struct {
	// DeepCheck decodes raster headers in addition to the signature check.
	DeepCheck bool

	// MaxPixels bounds width*height in deep checks.
	MaxPixels int64
}

// Validator checks artifacts. The zero value performs signature checks only.
type Validator struct {
	cfg Config
}

// NewValidator creates a Validator.
func NewValidator(cfg Config) *Validator {
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	return &Validator{cfg: cfg}
}

// Validate returns nil if payload is plausibly an artifact of format, and
// an UpstreamInvalidOutput error otherwise.
func (v *Validator) Validate(format formats.Format, payload []byte) error {
	if len(payload) == 0 {
		return invalid(format, fmt.Errorf("empty payload"))
	}

	switch format {
	case formats.SVG:
		if !looksLikeSVG(payload) {
			return invalid(format, fmt.Errorf("no svg root, payload starts with %x", head(payload)))
		}
		return nil
	case formats.PNG, formats.JPEG, formats.PDF:
		if !bytes.HasPrefix(payload, signatures[format]) {
			return invalid(format, fmt.Errorf("signature mismatch, payload starts with %x", head(payload)))
		}
	default:
		return apierrors.Internal("artifact.Validate", fmt.Errorf("no signature for format %q", format))
	}

	if v.cfg.DeepCheck && format.IsRaster() {
		return v.deepCheck(format, payload)
	}
	return nil
}

func (v *Validator) deepCheck(format formats.Format, payload []byte) error {
	cfg, name, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return invalid(format, fmt.Errorf("decode header: %w", err))
	}
	if name != decoderNames[format] {
		return invalid(format, fmt.Errorf("decoded as %s", name))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return invalid(format, fmt.Errorf("empty image %dx%d", cfg.Width, cfg.Height))
	}
	if int64(cfg.Width)*int64(cfg.Height) > v.cfg.MaxPixels {
		return invalid(format, fmt.Errorf("image %dx%d exceeds %d pixels", cfg.Width, cfg.Height, v.cfg.MaxPixels))
	}
	return nil
}

// looksLikeSVG accepts "<svg" at the start, or after an XML declaration,
// SVG doctype or comment within the first svgSearchWindow bytes. A BOM and
// leading whitespace are skipped.
func looksLikeSVG(payload []byte) bool {
	b := bytes.TrimPrefix(payload, utf8BOM)
	b = bytes.TrimLeft(b, " \t\r\n")

	if isSVGRoot(b) {
		return true
	}
	if !bytes.HasPrefix(b, []byte("<?xml")) &&
		!hasPrefixFold(b, []byte("<!DOCTYPE svg")) &&
		!bytes.HasPrefix(b, []byte("<!--")) {
		return false
	}

	window := b[:min(len(b), svgSearchWindow)]
	for i := 0; ; {
		j := bytes.Index(window[i:], []byte("<svg"))
		if j < 0 {
			return false
		}
		if isSVGRoot(window[i+j:]) {
			return true
		}
		i += j + 1
	}
}

// isSVGRoot reports whether b starts with an <svg element tag.
func isSVGRoot(b []byte) bool {
	if !bytes.HasPrefix(b, []byte("<svg")) {
		return false
	}
	if len(b) == 4 {
		return true
	}
	switch b[4] {
	case ' ', '\t', '\r', '\n', '>', '/':
		return true
	}
	return false
}

func hasPrefixFold(b, prefix []byte) bool {
	return len(b) >= len(prefix) && bytes.EqualFold(b[:len(prefix)], prefix)
}

func head(b []byte) []byte {
	return b[:min(len(b), 16)]
}

func invalid(format formats.Format, err error) error {
	return apierrors.Wrap(err, apierrors.KindUpstreamInvalidOutput, "artifact.Validate",
		fmt.Sprintf("rendering engine returned an invalid %s artifact", format)).WithCause(CauseInvalidOutput)
}

// DeclaredTypeMatches reports whether the engine's Content-Type agrees with
// the negotiated format. Parameters such as charset are ignored; an empty
// declaration matches.
func DeclaredTypeMatches(format formats.Format, declared string) bool {
	if declared == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return false
	}
	return mediaType == format.MIME()
}
