// Package css extracts typography settings from user stylesheets.
package css

import (
	"bytes"
	"strconv"
	"strings"

	parse "github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
	"go.uber.org/zap"
)

// Typography holds values pulled from a stylesheet. Zero values mean the
// stylesheet does not set the property.
type Typography struct {
	FontSize   float64 // px
	LineHeight float64 // multiplier
	FontFamily string
}

// ExtractTypography parses a stylesheet and pulls font-size, line-height
// and font-family from document-level rules (html, body, :root). Later
// rules win. Declarations that cannot be interpreted are logged and
// skipped.
func ExtractTypography(data []byte, log *zap.Logger) Typography {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("css")

	var out Typography

	input := parse.NewInput(bytes.NewReader(data))
	parser := css.NewParser(input, false)

	relevant := false
	for {
		gt, _, tok := parser.Next()
		switch gt {
		case css.ErrorGrammar:
			if err := parser.Err(); err != nil && err.Error() != "EOF" {
				log.Debug("Stylesheet parse stopped", zap.Error(err))
			}
			return out

		case css.BeginRulesetGrammar, css.QualifiedRuleGrammar:
			relevant = documentSelector(selectorText(tok, parser.Values()))

		case css.EndRulesetGrammar:
			relevant = false

		case css.DeclarationGrammar:
			if !relevant {
				continue
			}
			applyDeclaration(&out, string(tok), parser.Values(), log)
		}
	}
}

func selectorText(data []byte, values []css.Token) string {
	var sb strings.Builder
	sb.Write(data)
	for _, v := range values {
		sb.Write(v.Data)
	}
	return sb.String()
}

// documentSelector reports whether any selector in the comma list targets
// the document itself.
func documentSelector(sel string) bool {
	for _, s := range strings.Split(sel, ",") {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "body", "html", ":root", "html body":
			return true
		}
	}
	return false
}

func applyDeclaration(out *Typography, prop string, values []css.Token, log *zap.Logger) {
	raw := strings.TrimSpace(tokensText(values))
	switch strings.ToLower(prop) {
	case "font-size":
		px, ok := parseSizePx(raw)
		if !ok {
			log.Debug("Skipping font-size declaration", zap.String("value", raw))
			return
		}
		out.FontSize = px
	case "line-height":
		mult, ok := parseLineHeight(raw, out.FontSize)
		if !ok {
			log.Debug("Skipping line-height declaration", zap.String("value", raw))
			return
		}
		out.LineHeight = mult
	case "font-family":
		fam := firstFamily(raw)
		if fam == "" {
			log.Debug("Skipping font-family declaration", zap.String("value", raw))
			return
		}
		out.FontFamily = fam
	}
}

func tokensText(values []css.Token) string {
	var sb strings.Builder
	for _, v := range values {
		sb.Write(v.Data)
	}
	return sb.String()
}

// parseSizePx understands px and pt lengths. Relative units depend on a
// context the extractor does not have.
func parseSizePx(s string) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasSuffix(s, "px"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "px"), 64)
		return v, err == nil && v > 0
	case strings.HasSuffix(s, "pt"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "pt"), 64)
		return v * 96 / 72, err == nil && v > 0
	}
	return 0, false
}

// parseLineHeight accepts a unitless multiplier, or a px length when the
// font size is already known.
func parseLineHeight(s string, fontSize float64) (float64, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "normal" {
		return 0, false
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, v > 0
	}
	if px, ok := parseSizePx(s); ok && fontSize > 0 {
		return px / fontSize, true
	}
	return 0, false
}

func firstFamily(s string) string {
	first, _, _ := strings.Cut(s, ",")
	first = strings.TrimSpace(first)
	first = strings.Trim(first, `"'`)
	return strings.TrimSpace(first)
}
