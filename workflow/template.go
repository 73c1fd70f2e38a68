package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"text/template"
)

var errNoCatalog = errors.New("catalog not configured")

// funcMap binds the catalog-backed template functions to ctx. The parse-time
// map only declares the names.
func (i *Interpreter) funcMap(ctx context.Context) template.FuncMap {
	return template.FuncMap{
		"brl": FormatBRL,
		"price": func(code string) (string, error) {
			if i.catalog == nil {
				return "", errNoCatalog
			}
			p, err := i.catalog.Procedure(ctx, code)
			if err != nil {
				return "", err
			}
			return FormatBRL(p.Price), nil
		},
		"coverage": func(insurance, procedure string) (string, error) {
			if i.catalog == nil {
				return "", errNoCatalog
			}
			pct, err := i.catalog.CoveragePercent(ctx, insurance, procedure)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%.0f%%", pct), nil
		},
		"clinic": func(code string) (string, error) {
			if i.catalog == nil {
				return "", errNoCatalog
			}
			c, err := i.catalog.Clinic(ctx, code)
			if err != nil {
				return "", err
			}
			if c.Address == "" {
				return c.Name, nil
			}
			return c.Name + " - " + c.Address, nil
		},
	}
}

func (i *Interpreter) template(text string) (*template.Template, error) {
	i.tmplMu.RLock()
	t, ok := i.templates[text]
	i.tmplMu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := template.New("node").Funcs(i.funcMap(context.Background())).Parse(text)
	if err != nil {
		return nil, err
	}
	i.tmplMu.Lock()
	i.templates[text] = t
	i.tmplMu.Unlock()
	return t, nil
}

// render executes text as a template over userData plus address and
// message. On failure the raw text is used so the pass still replies.
func (i *Interpreter) render(ctx context.Context, text string, ec *ExecContext) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	t, err := i.template(text)
	if err == nil {
		t, err = t.Clone()
	}
	if err != nil {
		i.logger.Warn("invalid template", "conversation_id", ec.ConversationID, "node_id", ec.CurrentNodeID, "err", err)
		return text
	}
	t.Funcs(i.funcMap(ctx))

	data := publicData(ec.UserData)
	data["address"] = ec.Address
	data["message"] = ec.Message

	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		i.logger.Warn("template rendering failed", "conversation_id", ec.ConversationID, "node_id", ec.CurrentNodeID, "err", err)
		return text
	}
	return b.String()
}

// FormatBRL formats an amount as Brazilian reais, e.g. "R$ 1.234,50".
func FormatBRL(amount float64) string {
	cents := int64(math.Round(amount * 100))
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	whole := fmt.Sprintf("%d", cents/100)
	var b strings.Builder
	for j, r := range whole {
		if j > 0 && (len(whole)-j)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("%sR$ %s,%02d", sign, b.String(), cents%100)
}
