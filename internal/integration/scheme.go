package integration

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// schemeBuilder injects credentials into an outbound request for one auth
// scheme variant. Adding a scheme means adding one variant constant and one
// builder here; the proxy never branches per integration.
type schemeBuilder func(scheme model.AuthScheme, creds map[string]string, header http.Header, query url.Values) error

var schemeBuilders = map[model.AuthSchemeType]schemeBuilder{
	model.AuthSchemeBearer:       buildBearer,
	model.AuthSchemeBasic:        buildBasic,
	model.AuthSchemeAPIKeyHeader: buildAPIKeyHeader,
	model.AuthSchemeAPIKeyQuery:  buildAPIKeyQuery,
}

func buildBearer(scheme model.AuthScheme, creds map[string]string, header http.Header, _ url.Values) error {
	token, ok := creds[scheme.TokenField]
	if !ok || token == "" {
		return fmt.Errorf("%w: field %q", ErrMissingCredentials, scheme.TokenField)
	}
	header.Set("Authorization", "Bearer "+token)
	return nil
}

func buildBasic(scheme model.AuthScheme, creds map[string]string, header http.Header, _ url.Values) error {
	user, userOK := creds[scheme.UserField]
	pass, passOK := creds[scheme.PassField]
	if !userOK || !passOK {
		return fmt.Errorf("%w: fields %q/%q", ErrMissingCredentials, scheme.UserField, scheme.PassField)
	}
	// Same encoding net/http uses for Request.SetBasicAuth
	header.Set("Authorization", "Basic "+basicAuth(user, pass))
	return nil
}

func buildAPIKeyHeader(scheme model.AuthScheme, creds map[string]string, header http.Header, _ url.Values) error {
	key, ok := creds[scheme.KeyField]
	if !ok || key == "" {
		return fmt.Errorf("%w: field %q", ErrMissingCredentials, scheme.KeyField)
	}
	header.Set(scheme.HeaderName, key)
	return nil
}

func buildAPIKeyQuery(scheme model.AuthScheme, creds map[string]string, _ http.Header, query url.Values) error {
	key, ok := creds[scheme.KeyField]
	if !ok || key == "" {
		return fmt.Errorf("%w: field %q", ErrMissingCredentials, scheme.KeyField)
	}
	query.Set(scheme.ParamName, key)
	return nil
}

// applyExtraHeaders adds scheme extra_headers with {field} placeholders
// substituted from credential values. Headers with unresolved placeholders
// are skipped rather than leaking a template upstream.
func applyExtraHeaders(scheme model.AuthScheme, creds map[string]string, header http.Header) {
	for name, template := range scheme.ExtraHeaders {
		value := template
		for field, v := range creds {
			value = strings.ReplaceAll(value, "{"+field+"}", v)
		}
		if strings.Contains(value, "{") {
			continue
		}
		header.Set(name, value)
	}
}

// ValidateScheme checks the auth scheme variant and that every credential
// field it references is declared in auth_fields.
func ValidateScheme(scheme model.AuthScheme, fields []model.AuthField) error {
	declared := make(map[string]bool, len(fields))
	for _, f := range fields {
		declared[f.Name] = true
	}

	requireField := func(name, label string) error {
		if name == "" {
			return fmt.Errorf("%w: %s is required for type %q", ErrInvalidScheme, label, scheme.Type)
		}
		if !declared[name] {
			return fmt.Errorf("%w: %s %q not declared in auth_fields", ErrInvalidScheme, label, name)
		}
		return nil
	}

	switch scheme.Type {
	case model.AuthSchemeBearer:
		return requireField(scheme.TokenField, "token_field")
	case model.AuthSchemeBasic:
		if err := requireField(scheme.UserField, "user_field"); err != nil {
			return err
		}
		return requireField(scheme.PassField, "pass_field")
	case model.AuthSchemeAPIKeyHeader:
		if scheme.HeaderName == "" {
			return fmt.Errorf("%w: header_name is required for type %q", ErrInvalidScheme, scheme.Type)
		}
		return requireField(scheme.KeyField, "key_field")
	case model.AuthSchemeAPIKeyQuery:
		if scheme.ParamName == "" {
			return fmt.Errorf("%w: param_name is required for type %q", ErrInvalidScheme, scheme.Type)
		}
		return requireField(scheme.KeyField, "key_field")
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidScheme, scheme.Type)
	}
}
