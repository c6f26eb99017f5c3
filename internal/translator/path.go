// Package translator turns decisions and denials into ext_authz responses.
package translator

import (
	"net/url"
	"sort"
	"strings"
)

// RebuildPath applies query parameter changes to a request path. It
// returns original when there is nothing to change. Remaining parameters
// keep their order and added ones follow in key order.
func RebuildPath(original string, remove map[string]struct{}, add map[string]string, removeAll bool) string {
	if len(remove) == 0 && len(add) == 0 && !removeAll {
		return original
	}

	base, query, _ := strings.Cut(original, "?")
	if removeAll {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	sep := byte('?')
	write := func(pair string) {
		b.WriteByte(sep)
		b.WriteString(pair)
		sep = '&'
	}

	if query != "" {
		for _, pair := range strings.Split(query, "&") {
			if pair == "" {
				continue
			}
			if _, drop := remove[paramName(pair)]; drop {
				continue
			}
			write(pair)
		}
	}

	keys := make([]string, 0, len(add))
	for k := range add {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(url.QueryEscape(k) + "=" + url.QueryEscape(add[k]))
	}
	return b.String()
}

// StripQuery returns path without its query string.
func StripQuery(path string) string {
	base, _, _ := strings.Cut(path, "?")
	return base
}

func paramName(pair string) string {
	name, _, _ := strings.Cut(pair, "=")
	if unescaped, err := url.QueryUnescape(name); err == nil {
		return unescaped
	}
	return name
}
