// Package template renders broadcast content with the Liquid template
// language. Rendering is a pure function of (content, variables): no I/O,
// no clock dependence beyond the variables passed in.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"

	"github.com/trustline/broadcast-engine/internal/domain"
)

// Mode determines how the renderer handles missing variables.
type Mode int

const (
	// ModeLax renders missing variables as empty strings (production sends).
	ModeLax Mode = iota
	// ModeStrict reports missing variables as errors (preview/validation).
	ModeStrict
)

// ValidationError describes one undefined variable found in strict mode.
type ValidationError struct {
	Variable string `json:"variable"`
	Message  string `json:"message"`
}

// Rendered is the output of rendering one channel's content.
type Rendered struct {
	Subject  string            `json:"subject,omitempty"`
	Body     string            `json:"body"`
	MediaRef string            `json:"media_ref,omitempty"`
	Warnings []ValidationError `json:"warnings,omitempty"`
}

// Renderer substitutes variables into channel content bodies and appends
// the mandated compliance footer per channel. Parsed templates are cached.
type Renderer struct {
	engine  *liquid.Engine
	cache   sync.Map // template source -> *liquid.Template
	footers map[domain.Channel]string
}

// NewRenderer creates a renderer with the agency's custom filters.
// footers maps channel → compliance footer text (may be empty).
func NewRenderer(footers map[domain.Channel]string) *Renderer {
	r := &Renderer{
		engine:  liquid.NewEngine(),
		footers: footers,
	}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// {{ first_name | default: "Valued Client" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	// {{ annual_premium | currency }} → "₹12,500.00"
	r.engine.RegisterFilter("currency", func(value interface{}) string {
		var f float64
		switch v := value.(type) {
		case float64:
			f = v
		case float32:
			f = float64(v)
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		case string:
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return v
			}
			f = parsed
		default:
			return fmt.Sprintf("%v", value)
		}
		return "₹" + groupDigits(fmt.Sprintf("%.2f", f))
	})

	// {{ renewal_date | date_format: "2 Jan 2006" }}
	r.engine.RegisterFilter("date_format", func(value interface{}, layout string) string {
		var ts time.Time
		switch v := value.(type) {
		case time.Time:
			ts = v
		case *time.Time:
			if v == nil {
				return ""
			}
			ts = *v
		case string:
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return v
			}
			ts = parsed
		default:
			return fmt.Sprintf("%v", value)
		}
		return ts.Format(layout)
	})

	// {{ name | capitalize }}
	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})
}

// groupDigits inserts thousands separators into the integer part of a
// formatted decimal.
func groupDigits(s string) string {
	intPart, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteRune(',')
		}
		b.WriteRune(c)
	}
	if frac != "" {
		b.WriteString("." + frac)
	}
	return b.String()
}

// Render renders the content for one channel. In strict mode undefined
// variables are returned as warnings and an error; in lax mode they
// render empty.
func (r *Renderer) Render(ch domain.Channel, content domain.ChannelContent, vars map[string]interface{}, mode Mode) (Rendered, error) {
	out := Rendered{MediaRef: content.MediaRef}

	if mode == ModeStrict {
		out.Warnings = append(r.validate(content.Subject, vars), r.validate(content.Body, vars)...)
		if len(out.Warnings) > 0 {
			return out, fmt.Errorf("template references %d undefined variable(s)", len(out.Warnings))
		}
	}

	subject, err := r.renderOne(content.Subject, vars)
	if err != nil {
		return out, fmt.Errorf("render subject: %w", err)
	}
	body, err := r.renderOne(content.Body, vars)
	if err != nil {
		return out, fmt.Errorf("render body: %w", err)
	}

	if footer := r.footers[ch]; footer != "" {
		body = body + "\n" + footer
	}

	out.Subject = subject
	out.Body = body
	return out, nil
}

func (r *Renderer) renderOne(src string, vars map[string]interface{}) (string, error) {
	if src == "" {
		return "", nil
	}
	var tpl *liquid.Template
	if cached, ok := r.cache.Load(src); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		r.cache.Store(src, parsed)
		tpl = parsed
	}
	return tpl.RenderString(vars)
}

var varPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*?)(?:\s*\||\s*\}\})`)

// validate reports template variables absent from the binding context.
func (r *Renderer) validate(src string, vars map[string]interface{}) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool)

	for _, match := range varPattern.FindAllStringSubmatch(src, -1) {
		name := strings.TrimSpace(match[1])
		if seen[name] || isLiquidKeyword(name) {
			continue
		}
		seen[name] = true
		if !pathExists(name, vars) {
			errs = append(errs, ValidationError{
				Variable: name,
				Message:  fmt.Sprintf("variable %q is not defined for this audience", name),
			})
		}
	}
	return errs
}

func pathExists(path string, vars map[string]interface{}) bool {
	var current interface{} = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return false
		}
		current, ok = m[part]
		if !ok {
			return false
		}
	}
	return true
}

func isLiquidKeyword(name string) bool {
	switch strings.ToLower(name) {
	case "if", "elsif", "else", "endif", "unless", "endunless",
		"case", "when", "endcase", "for", "endfor", "break", "continue",
		"assign", "capture", "endcapture", "forloop",
		"true", "false", "nil", "null", "empty", "blank",
		"and", "or", "not", "contains", "in":
		return true
	}
	return false
}

// Vars builds the binding context for a recipient. Policy fields come
// from the recipient's first active policy when present.
func Vars(rec domain.Recipient) map[string]interface{} {
	vars := map[string]interface{}{
		"full_name":  rec.FullName,
		"first_name": firstName(rec.FullName),
		"city":       rec.City,
		"state":      rec.State,
		"tier":       string(rec.Tier),
	}
	if rec.Birthday != nil {
		vars["birthday"] = *rec.Birthday
	}
	if rec.Anniversary != nil {
		vars["anniversary"] = *rec.Anniversary
	}
	for _, p := range rec.Policies {
		if p.Status == "active" {
			vars["policy_type"] = p.Type
			vars["annual_premium"] = p.AnnualPremium
			if p.RenewalDate != nil {
				vars["renewal_date"] = *p.RenewalDate
			}
			break
		}
	}
	return vars
}

func firstName(full string) string {
	name, _, _ := strings.Cut(strings.TrimSpace(full), " ")
	return name
}
