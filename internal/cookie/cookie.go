// Package cookie parses and serializes credential strings: semicolon-
// separated key=value pairs, cookie style. The serialized form is the only
// state the application persists, so String must round-trip what Parse
// accepted, preserving pair order.
package cookie

import "strings"

type pair struct {
	key   string
	value string
}

// Jar is an ordered set of credential pairs.
type Jar struct {
	pairs []pair
}

// Parse builds a Jar from a credential string. Empty segments are skipped.
func Parse(s string) *Jar {
	j := &Jar{}
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, _ := strings.Cut(item, "=")
		j.pairs = append(j.pairs, pair{key: strings.TrimSpace(key), value: strings.TrimSpace(value)})
	}
	return j
}

// String serializes the jar back into "k=v; k2=v2" form.
func (j *Jar) String() string {
	parts := make([]string, len(j.pairs))
	for i, p := range j.pairs {
		parts[i] = p.key + "=" + p.value
	}
	return strings.Join(parts, "; ")
}

// Get returns the value of the first pair with the given key.
func (j *Jar) Get(key string) string {
	for _, p := range j.pairs {
		if p.key == key {
			return p.value
		}
	}
	return ""
}

// Has reports whether the key is present.
func (j *Jar) Has(key string) bool {
	for _, p := range j.pairs {
		if p.key == key {
			return true
		}
	}
	return false
}

// Set replaces the value of key, appending the pair if absent.
func (j *Jar) Set(key, value string) {
	for i, p := range j.pairs {
		if p.key == key {
			j.pairs[i].value = value
			return
		}
	}
	j.pairs = append(j.pairs, pair{key: key, value: value})
}

// Append merges the pairs of another serialized credential string into the
// jar, overwriting existing keys.
func (j *Jar) Append(s string) {
	for _, p := range Parse(s).pairs {
		j.Set(p.key, p.value)
	}
}

// Len returns the number of pairs.
func (j *Jar) Len() int { return len(j.pairs) }
