// Package template renders notification subject/HTML/text bodies from
// named, database-stored templates using the Liquid template language.
package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/clubops/mailroom/internal/pkg/logger"
)

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrTemplateInactive = errors.New("template inactive")
)

// Rendered is the final content of one notification.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer loads named templates from the message_templates table and
// renders them with a variable context. Parsed templates are cached until
// the template row changes (cache key includes updated_at).
type Renderer struct {
	db     *sql.DB
	engine *liquid.Engine
	cache  sync.Map // cacheKey → *liquid.Template
}

// NewRenderer creates a renderer with club-specific Liquid filters.
func NewRenderer(db *sql.DB) *Renderer {
	r := &Renderer{
		db:     db,
		engine: liquid.NewEngine(),
	}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// Fallback value: {{ first_name | default: "member" }}
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

	// Capitalize first letter: {{ name | capitalize }}
	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + s[1:]
	})

	// Extract domain from email: {{ email | email_domain }}
	r.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})
}

type templateRow struct {
	Subject   string
	HTML      string
	Text      string
	Active    bool
	UpdatedAt sql.NullTime
}

func (r *Renderer) load(ctx context.Context, name string) (*templateRow, error) {
	var row templateRow
	err := r.db.QueryRowContext(ctx, `
		SELECT subject, html_body, COALESCE(text_body, ''), active, updated_at
		FROM message_templates
		WHERE name = $1
	`, name).Scan(&row.Subject, &row.HTML, &row.Text, &row.Active, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", name, err)
	}
	if !row.Active {
		return nil, fmt.Errorf("%w: %s", ErrTemplateInactive, name)
	}
	return &row, nil
}

// Render produces the final subject, HTML, and text for a named template.
// The caller supplies consent URLs in vars (unsubscribe_url,
// remove_account_url); templates that omit the placeholders get a standard
// consent footer appended to the HTML body.
func (r *Renderer) Render(ctx context.Context, name string, vars map[string]interface{}) (*Rendered, error) {
	row, err := r.load(ctx, name)
	if err != nil {
		return nil, err
	}

	cachePrefix := name
	if row.UpdatedAt.Valid {
		cachePrefix = fmt.Sprintf("%s@%d", name, row.UpdatedAt.Time.Unix())
	}

	subject, err := r.renderPart(cachePrefix+":subject", row.Subject, vars)
	if err != nil {
		return nil, fmt.Errorf("render subject of %s: %w", name, err)
	}
	html, err := r.renderPart(cachePrefix+":html", row.HTML, vars)
	if err != nil {
		return nil, fmt.Errorf("render html of %s: %w", name, err)
	}
	text, err := r.renderPart(cachePrefix+":text", row.Text, vars)
	if err != nil {
		return nil, fmt.Errorf("render text of %s: %w", name, err)
	}

	html = ensureConsentFooter(html, vars)

	return &Rendered{Subject: subject, HTML: html, Text: text}, nil
}

// RenderInline renders raw template strings without a database row, used by
// campaigns that carry their own subject/body.
func (r *Renderer) RenderInline(subjectTpl, htmlTpl, textTpl string, vars map[string]interface{}) (*Rendered, error) {
	subject, err := r.renderPart("", subjectTpl, vars)
	if err != nil {
		return nil, fmt.Errorf("render inline subject: %w", err)
	}
	html, err := r.renderPart("", htmlTpl, vars)
	if err != nil {
		return nil, fmt.Errorf("render inline html: %w", err)
	}
	text, err := r.renderPart("", textTpl, vars)
	if err != nil {
		return nil, fmt.Errorf("render inline text: %w", err)
	}
	html = ensureConsentFooter(html, vars)
	return &Rendered{Subject: subject, HTML: html, Text: text}, nil
}

func (r *Renderer) renderPart(cacheKey, src string, vars map[string]interface{}) (string, error) {
	if src == "" {
		return "", nil
	}

	var tpl *liquid.Template
	if cacheKey != "" {
		if cached, ok := r.cache.Load(cacheKey); ok {
			tpl = cached.(*liquid.Template)
		}
	}
	if tpl == nil {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		tpl = parsed
		if cacheKey != "" {
			r.cache.Store(cacheKey, tpl)
		}
	}

	out, err := tpl.RenderString(vars)
	if err != nil {
		logger.Warn("template render failed", "cache_key", cacheKey, "error", err.Error())
		return "", err
	}
	return out, nil
}

// ClearCache drops all parsed templates, used after bulk template edits.
func (r *Renderer) ClearCache() {
	r.cache = sync.Map{}
}

// ensureConsentFooter appends a minimal consent block when the rendered HTML
// carries neither consent link. Active members get both links; non-members
// get only the delete-account link (the vars simply omit unsubscribe_url).
func ensureConsentFooter(html string, vars map[string]interface{}) string {
	if html == "" {
		return html
	}

	unsubURL, _ := vars["unsubscribe_url"].(string)
	removeURL, _ := vars["remove_account_url"].(string)
	if unsubURL == "" && removeURL == "" {
		return html
	}
	if strings.Contains(html, unsubURL) && unsubURL != "" {
		return html
	}
	if unsubURL == "" && removeURL != "" && strings.Contains(html, removeURL) {
		return html
	}

	var b strings.Builder
	b.WriteString(`<div style="font-size:11px;color:#999999;margin-top:24px;">`)
	if unsubURL != "" {
		fmt.Fprintf(&b, `<a href="%s">Unsubscribe from these emails</a>`, unsubURL)
	}
	if removeURL != "" {
		if unsubURL != "" {
			b.WriteString(" &middot; ")
		}
		fmt.Fprintf(&b, `<a href="%s">Remove my account</a>`, removeURL)
	}
	b.WriteString(`</div>`)
	footer := b.String()

	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + footer + html[idx:]
	}
	return html + footer
}
