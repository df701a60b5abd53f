package model

import "time"

// AuthSchemeType identifies how credentials are injected into proxied requests
type AuthSchemeType string

const (
	AuthSchemeBearer       AuthSchemeType = "bearer"
	AuthSchemeBasic        AuthSchemeType = "basic"
	AuthSchemeAPIKeyHeader AuthSchemeType = "api_key_header"
	AuthSchemeAPIKeyQuery  AuthSchemeType = "api_key_query"
)

func (t AuthSchemeType) Valid() bool {
	switch t {
	case AuthSchemeBearer, AuthSchemeBasic, AuthSchemeAPIKeyHeader, AuthSchemeAPIKeyQuery:
		return true
	}
	return false
}

// AuthScheme is a tagged variant describing credential injection. Which fields
// are meaningful depends on Type:
//
//	bearer         -> token_field
//	basic          -> user_field, pass_field
//	api_key_header -> header_name, key_field
//	api_key_query  -> param_name, key_field
//
// ExtraHeaders are added verbatim with {field} placeholders substituted from
// the stored credential values.
type AuthScheme struct {
	Type         AuthSchemeType    `json:"type"`
	TokenField   string            `json:"token_field,omitempty"`
	UserField    string            `json:"user_field,omitempty"`
	PassField    string            `json:"pass_field,omitempty"`
	HeaderName   string            `json:"header_name,omitempty"`
	ParamName    string            `json:"param_name,omitempty"`
	KeyField     string            `json:"key_field,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
}

// AuthField describes one credential field an agent must supply on assignment
type AuthField struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// Endpoint documents one known path of an integration's API
type Endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Integration is a registered third-party API reachable through the proxy
type Integration struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Type              string      `json:"type"`
	BaseURL           string      `json:"base_url"`
	AuthScheme        AuthScheme  `json:"auth_scheme"`
	AuthFields        []AuthField `json:"auth_fields"`
	Endpoints         []Endpoint  `json:"endpoints,omitempty"`
	UsageInstructions string      `json:"usage_instructions,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}
