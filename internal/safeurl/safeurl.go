// Package safeurl vets URLs taken from client-supplied settings before the
// service will post to them.
package safeurl

import (
	"errors"
	"fmt"
	"net/url"
)

var errNotHTTP = errors.New("webhook url must be an absolute http or https URL")

// CheckWebhook decides whether raw may be stored as a notification webhook.
// Only absolute http or https URLs with a host pass. file:, javascript: and
// scheme-relative forms are rejected, so a stored setting can never point the
// notifier at the local filesystem or an arbitrary scheme handler.
func CheckWebhook(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("webhook url: %v", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return errNotHTTP
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", raw)
	}
	return nil
}
