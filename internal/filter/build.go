package filter

import "strings"

// IDs matches any of the given record ids: id==@a or id==@b.
func IDs(ids []string) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		parts = append(parts, RefEquals("id", id))
	}
	return strings.Join(parts, " or ")
}

// RefEquals builds tag==@id, accepting ids with or without the leading '@'.
func RefEquals(tag, id string) string {
	return tag + "==@" + strings.TrimPrefix(id, "@")
}

// And joins the non-empty parts, parenthesizing each one.
func And(parts ...string) string {
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, "("+p+")")
	}
	if len(out) == 1 {
		return strings.TrimSuffix(strings.TrimPrefix(out[0], "("), ")")
	}
	return strings.Join(out, " and ")
}

// Not negates a tag path: not acked.
func Not(path string) string {
	return "not " + strings.TrimSpace(path)
}
