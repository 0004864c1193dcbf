package certificate

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"certificate-pipeline/pkg/errutil"

	"github.com/PuerkitoBio/goquery"
	nethtml "golang.org/x/net/html"
)

var (
	ErrEmptyTemplate      = errors.New("certificate template is empty")
	ErrUnbalancedTemplate = errors.New("certificate template has unbalanced placeholder braces")
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)
	styleBlockPattern  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	htmlTagPattern     = regexp.MustCompile(`(?i)<html[\s>]`)
	importPattern      = regexp.MustCompile(`(?i)@import\s+(url\()?[^;]+;`)
	remoteFontPattern  = regexp.MustCompile(`(?is)@font-face\s*\{[^}]*url\(\s*['"]?(https?:)?//[^}]*\}`)
)

// Variables are the values substituted into a certificate template.
type Variables struct {
	LearnerName       string
	CourseName        string
	CompletionDate    string
	Organization      string
	LearnerEmail      string
	CertificateNumber string
}

func (v Variables) lookup() map[string]string {
	return map[string]string{
		"learner_name":       v.LearnerName,
		"course_name":        v.CourseName,
		"completion_date":    v.CompletionDate,
		"organization":       v.Organization,
		"organization_name":  v.Organization,
		"learner_email":      v.LearnerEmail,
		"certificate_number": v.CertificateNumber,

		"learnerName":       v.LearnerName,
		"courseName":        v.CourseName,
		"completionDate":    v.CompletionDate,
		"organizationName":  v.Organization,
		"learnerEmail":      v.LearnerEmail,
		"certificateNumber": v.CertificateNumber,
	}
}

// single-brace forms kept for templates authored for the old editor
var camelPlaceholders = []string{
	"learnerName", "courseName", "completionDate", "organizationName", "learnerEmail", "certificateNumber",
}

type Renderer struct{}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render sanitizes tmpl, substitutes vars and returns a complete HTML
// document. Unknown placeholders render empty.
func (r *Renderer) Render(tmpl string, vars Variables) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		return "", errutil.Template("render", ErrEmptyTemplate)
	}
	if err := checkBalanced(tmpl); err != nil {
		return "", errutil.Template("render", err)
	}

	doc, err := sanitize(tmpl)
	if err != nil {
		return "", errutil.Template("parse", err)
	}

	values := vars.lookup()
	out := placeholderPattern.ReplaceAllStringFunc(doc, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		return html.EscapeString(values[name])
	})
	for _, name := range camelPlaceholders {
		out = strings.ReplaceAll(out, "{"+name+"}", html.EscapeString(values[name]))
	}

	return out, nil
}

// checkBalanced ignores style blocks, where nested braces are legal CSS.
func checkBalanced(tmpl string) error {
	body := styleBlockPattern.ReplaceAllString(tmpl, "")
	body = placeholderPattern.ReplaceAllString(body, "")
	if strings.Contains(body, "{{") || strings.Contains(body, "}}") {
		return ErrUnbalancedTemplate
	}
	return nil
}

func sanitize(tmpl string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(tmpl))
	if err != nil {
		return "", err
	}

	doc.Find("script, iframe, object, embed").Remove()
	doc.Find("link").FilterFunction(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		return isRemote(href)
	}).Remove()
	doc.Find("img").FilterFunction(func(_ int, s *goquery.Selection) bool {
		src, _ := s.Attr("src")
		return isRemote(src)
	}).Remove()

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == nethtml.TextNode {
					c.Data = importPattern.ReplaceAllString(c.Data, "")
					c.Data = remoteFontPattern.ReplaceAllString(c.Data, "")
				}
			}
		}
	})

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			attrs := n.Attr[:0]
			for _, a := range n.Attr {
				if strings.HasPrefix(strings.ToLower(a.Key), "on") {
					continue
				}
				attrs = append(attrs, a)
			}
			n.Attr = attrs
		}
	})

	if htmlTagPattern.MatchString(tmpl) {
		out, err := doc.Html()
		if err != nil {
			return "", err
		}
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(out)), "<!doctype") {
			out = "<!DOCTYPE html>" + out
		}
		return out, nil
	}

	// fragments: styles end up in head, markup in body
	var styles strings.Builder
	doc.Find("head style").Each(func(_ int, s *goquery.Selection) {
		if h, err := goquery.OuterHtml(s); err == nil {
			styles.WriteString(h)
		}
	})
	body, err := doc.Find("body").Html()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(documentShell, styles.String(), body), nil
}

func isRemote(ref string) bool {
	ref = strings.ToLower(strings.TrimSpace(ref))
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") || strings.HasPrefix(ref, "//")
}

const documentShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>Certificate</title>
<style>
@page { size: A4 landscape; margin: 0; }
body { font-family: Arial, sans-serif; margin: 0; padding: 20px; }
.certificate-page { width: 257mm; min-height: 170mm; margin: 0 auto; padding: 10mm; background-color: white; }
</style>
%s
</head>
<body>
<div class="certificate-page">
%s
</div>
</body>
</html>`
