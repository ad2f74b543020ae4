package webhook

import (
	"fmt"
	"strconv"
	"strings"
)

// Catalog maps a price or pack identifier to a token amount.
type Catalog map[string]int64

// ParseCatalog reads "id=tokens" entries separated by commas.
func ParseCatalog(raw string) (Catalog, error) {
	catalog := make(Catalog)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		identifier, amount, found := strings.Cut(entry, "=")
		identifier = strings.TrimSpace(identifier)
		if !found || identifier == "" {
			return nil, fmt.Errorf("catalog entry %q: expected id=tokens", entry)
		}
		tokens, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil || tokens < 0 {
			return nil, fmt.Errorf("catalog entry %q: tokens must be a non-negative integer", entry)
		}
		catalog[identifier] = tokens
	}
	return catalog, nil
}

// Lookup returns the tokens for the first identifier present in the catalog.
func (catalog Catalog) Lookup(identifiers ...string) (int64, string, bool) {
	for _, identifier := range identifiers {
		if identifier == "" {
			continue
		}
		if tokens, ok := catalog[identifier]; ok {
			return tokens, identifier, true
		}
	}
	return 0, "", false
}
