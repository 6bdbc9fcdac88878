package errors

import (
	"bytes"
	"errors"
	"text/template"

	"golang.org/x/text/language"
)

// Catalog maps error codes to user-facing message templates for one locale.
type Catalog struct {
	locale   language.Tag
	messages map[Code]string
}

var (
	englishCatalog = NewCatalog(language.AmericanEnglish, map[Code]string{
		CodeUnknown:               "an unexpected error occurred",
		CodeInvalidArgument:       "invalid request",
		CodeValidation:            "{{if .Reason}}{{.Reason}}{{else}}invalid input{{end}}",
		CodeAuthenticationFailure: "{{if .Reason}}{{.Reason}}{{else}}authentication required{{end}}",
		CodeNotConnected:          "user is not connected",
		CodeTransport:             "connection error",
		CodeDelivery:              "message could not be delivered",
		CodeRateLimited:           "rate limit exceeded",
		CodeNotFound:              "not found",
		CodeAlreadyExists:         "{{if .Field}}{{.Field}} already taken{{else}}already exists{{end}}",
	})
	portugueseCatalog = NewCatalog(language.BrazilianPortuguese, map[Code]string{
		CodeUnknown:               "ocorreu um erro inesperado",
		CodeInvalidArgument:       "requisição inválida",
		CodeValidation:            "{{if .Reason}}{{.Reason}}{{else}}entrada inválida{{end}}",
		CodeAuthenticationFailure: "{{if .Reason}}{{.Reason}}{{else}}autenticação necessária{{end}}",
		CodeNotConnected:          "usuário não está conectado",
		CodeTransport:             "erro de conexão",
		CodeDelivery:              "não foi possível entregar a mensagem",
		CodeRateLimited:           "limite de mensagens excedido",
		CodeNotFound:              "não encontrado",
		CodeAlreadyExists:         "{{if .Field}}{{.Field}} já está em uso{{else}}já existe{{end}}",
	})

	catalogs       = []*Catalog{englishCatalog, portugueseCatalog}
	catalogMatcher = language.NewMatcher([]language.Tag{englishCatalog.locale, portugueseCatalog.locale})
)

// NewCatalog creates a catalog with a copy of messages.
func NewCatalog(locale language.Tag, messages map[Code]string) *Catalog {
	cloned := make(map[Code]string, len(messages))
	for key, value := range messages {
		cloned[key] = value
	}
	return &Catalog{locale: locale, messages: cloned}
}

// DefaultCatalog returns the en-US catalog.
func DefaultCatalog() *Catalog {
	return englishCatalog
}

// CatalogFor picks the catalog that best matches an Accept-Language header.
// Falls back to en-US when the header is empty or unparseable.
func CatalogFor(acceptLanguage string) *Catalog {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return englishCatalog
	}
	_, index, _ := catalogMatcher.Match(tags...)
	if index < 0 || index >= len(catalogs) {
		return englishCatalog
	}
	return catalogs[index]
}

// Locale returns the BCP 47 tag of this catalog.
func (c *Catalog) Locale() string {
	return c.locale.String()
}

// Format renders the message template with the given metadata.
// Falls back to the code itself if no template is found.
func (c *Catalog) Format(code Code, metadata map[string]string) string {
	tmpl, ok := c.messages[code]
	if !ok {
		return string(code)
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	t, err := template.New("msg").Parse(tmpl)
	if err != nil {
		return tmpl
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, metadata); err != nil {
		return tmpl
	}
	return buf.String()
}

// Message renders err for this catalog's locale.
func (c *Catalog) Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return c.Format(e.Code, e.Metadata)
	}
	return c.Format(CodeUnknown, nil)
}
