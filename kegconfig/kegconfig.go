// Package kegconfig implements the "key = value [value ...]" configuration
// format used for build/CDN/product configs and for keg.conf itself.
// Comments ('#'-prefixed) and blank lines are ignored. A config document's
// identity is the MD5 of its raw bytes.
package kegconfig

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"keg/key"
)

// Doc is a parsed config document, preserving insertion order so an
// unrecognized key survives a round trip unchanged.
type Doc struct {
	keys   []string
	values map[string][]string
	raw    []byte
}

// Parse reads a config document and records its MD5 identity.
func Parse(r io.Reader) (*Doc, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	d := &Doc{values: make(map[string][]string), raw: raw}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		fields := strings.Fields(v)
		if _, exists := d.values[k]; !exists {
			d.keys = append(d.keys, k)
		}
		d.values[k] = fields
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// Key returns the MD5 identity of the raw document bytes.
func (d *Doc) Key() key.Key { return key.Sum(d.raw) }

// Raw returns the original bytes as parsed.
func (d *Doc) Raw() []byte { return d.raw }

// Values returns the whitespace-separated values for k, or nil if absent.
func (d *Doc) Values(k string) []string { return d.values[k] }

// Value returns the first value for k, or "" if absent.
func (d *Doc) Value(k string) string {
	vs := d.values[k]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Has reports whether k is present.
func (d *Doc) Has(k string) bool {
	_, ok := d.values[k]
	return ok
}

// Set assigns values for k, preserving k's original position if it already
// existed, appending otherwise. Used when rewriting keg.conf.
func (d *Doc) Set(k string, values ...string) {
	if _, exists := d.values[k]; !exists {
		d.keys = append(d.keys, k)
	}
	d.values[k] = values
}

// Keys returns the keys in their original (or append) order.
func (d *Doc) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Encode writes the document back out as "key = value value ..." lines, in
// key order, so unknown keys are preserved verbatim on rewrite.
func Encode(w io.Writer, d *Doc) error {
	bw := bufio.NewWriter(w)
	for _, k := range d.keys {
		if _, err := bw.WriteString(k); err != nil {
			return err
		}
		if _, err := bw.WriteString(" = "); err != nil {
			return err
		}
		if _, err := bw.WriteString(strings.Join(d.values[k], " ")); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}
