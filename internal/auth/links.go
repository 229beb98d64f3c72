package auth

import (
	"fmt"
	"net/url"
	"strings"
)

// LinkBuilder produces the public URLs embedded in notifications.
type LinkBuilder struct {
	base *url.URL
}

// NewLinkBuilder parses the public base URL of the UI.
func NewLinkBuilder(baseURL string) (LinkBuilder, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return LinkBuilder{}, fmt.Errorf("%w: public base url %q", ErrInvalidInput, baseURL)
	}
	return LinkBuilder{base: u}, nil
}

func (l LinkBuilder) Activation(rawToken string) string {
	return l.build("/accept-invitation", rawToken)
}

func (l LinkBuilder) PasswordReset(rawToken string) string {
	return l.build("/reset-password", rawToken)
}

func (l LinkBuilder) build(path, rawToken string) string {
	u := *l.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = url.Values{"token": {rawToken}}.Encode()
	return u.String()
}
