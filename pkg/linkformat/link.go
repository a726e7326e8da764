// pkg/linkformat/link.go
package linkformat

import (
	"fmt"
	"strconv"
	"strings"
)

// Link is one entry of an application/link-format document.
type Link struct {
	URI           string
	Title         string
	ContentFormat int // -1 when absent
	Observable    bool
}

// Encode renders links as a .well-known/core payload.
func Encode(links []Link) []byte {
	var sb strings.Builder
	for i, l := range links {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('<')
		if !strings.HasPrefix(l.URI, "/") {
			sb.WriteByte('/')
		}
		sb.WriteString(l.URI)
		sb.WriteByte('>')
		if l.Title != "" {
			fmt.Fprintf(&sb, ";title=%q", l.Title)
		}
		if l.ContentFormat >= 0 {
			fmt.Fprintf(&sb, ";ct=%d", l.ContentFormat)
		}
		if l.Observable {
			sb.WriteString(";obs")
		}
	}
	return []byte(sb.String())
}

// Parse reads a complete link-format document. Unknown attributes are
// ignored.
func Parse(doc []byte) ([]Link, error) {
	var links []Link
	for _, entry := range splitOutsideQuotes(string(doc), ',') {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.HasPrefix(entry, "<") {
			return nil, fmt.Errorf("link entry %q does not start with '<'", entry)
		}
		end := strings.IndexByte(entry, '>')
		if end < 0 {
			return nil, fmt.Errorf("link entry %q has no closing '>'", entry)
		}

		link := Link{URI: entry[1:end], ContentFormat: -1}
		for _, attr := range splitOutsideQuotes(entry[end+1:], ';') {
			key, value, _ := strings.Cut(strings.TrimSpace(attr), "=")
			switch key {
			case "title":
				if unq, err := strconv.Unquote(value); err == nil {
					value = unq
				}
				link.Title = value
			case "ct":
				ct, err := strconv.Atoi(value)
				if err != nil {
					return nil, fmt.Errorf("invalid ct attribute %q: %w", value, err)
				}
				link.ContentFormat = ct
			case "obs":
				link.Observable = true
			}
		}
		links = append(links, link)
	}
	return links, nil
}

func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	quoted := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case sep:
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
