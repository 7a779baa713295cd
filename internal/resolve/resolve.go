package resolve

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tanq16/vidrelay/internal/retry"
	"github.com/tanq16/vidrelay/internal/utils"
)

const (
	Placeholder = "{id}"
	maxBody     = 64 * 1024
)

// URLFor substitutes the escaped id into template.
func URLFor(template, id string) (string, error) {
	if !strings.Contains(template, Placeholder) {
		return "", fmt.Errorf("template %q has no %s placeholder", template, Placeholder)
	}
	return strings.ReplaceAll(template, Placeholder, url.PathEscape(id)), nil
}

// HTTPLookup resolves an id by fetching template with the id filled in. The
// first non-empty line of a 200 response is the value; an empty body means
// the value is not available yet.
func HTTPLookup(client utils.HTTPDoer, template string) retry.Lookup[string, string] {
	return func(ctx context.Context, id string) (string, bool, error) {
		target, err := URLFor(template, id)
		if err != nil {
			return "", false, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return "", false, fmt.Errorf("error creating request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", false, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", false, &retry.StatusError{Code: resp.StatusCode, URL: target}
		}
		scanner := bufio.NewScanner(io.LimitReader(resp.Body, maxBody))
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				return line, true, nil
			}
		}
		if err := scanner.Err(); err != nil {
			return "", false, fmt.Errorf("error reading response: %w", err)
		}
		return "", false, nil
	}
}
