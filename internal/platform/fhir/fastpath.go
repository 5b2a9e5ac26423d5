package fhir

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// FastpathEntry is one raw, already-stored resource body to splice into a
// searchset Bundle. Resource is trusted to be valid FHIR JSON — validated
// once at write time, never re-validated or re-parsed here.
type FastpathEntry struct {
	FullURL    string
	Resource   []byte
	SearchMode string // "match" or "include"
}

// FastpathBundleParams carries the metadata around the entry list that the
// assembler cannot get from the raw bytes themselves.
type FastpathBundleParams struct {
	Total  int
	Links  []BundleLink
}

var (
	fastpathEntrySep  = []byte(`,`)
	fastpathFullURLLo = []byte(`{"fullUrl":`)
	fastpathResLo     = []byte(`,"resource":`)
	fastpathSearchLo  = []byte(`,"search":{"mode":"`)
	fastpathEntryHi   = []byte(`"}}`)
)

// AssembleSearchBundleFastpath builds a searchset Bundle by concatenating
// already-stored JSON bytes rather than unmarshaling and re-marshaling each
// resource. It writes the fixed prefix, one entry object per primary/include
// in order, and the fixed suffix. The only parsing it performs is of the
// small, fixed scaffolding (total, links) — resource bodies pass through as
// opaque byte slices.
//
// Callers must route requests carrying _summary, _elements, or an
// unsupported chain/search shape to the fallback path (NewSearchBundleWithLinks
// plus manual json.Marshal) instead of calling this function; the fastpath
// has no knowledge of those projections.
func AssembleSearchBundleFastpath(entries []FastpathEntry, params FastpathBundleParams) []byte {
	var buf bytes.Buffer
	buf.WriteString(`{"resourceType":"Bundle","type":"searchset","total":`)
	buf.WriteString(strconv.Itoa(params.Total))

	buf.WriteString(`,"link":[`)
	for i, l := range params.Links {
		if i > 0 {
			buf.Write(fastpathEntrySep)
		}
		buf.WriteString(`{"relation":`)
		writeJSONString(&buf, l.Relation)
		buf.WriteString(`,"url":`)
		writeJSONString(&buf, l.URL)
		buf.WriteByte('}')
	}
	buf.WriteString(`]`)

	buf.WriteString(`,"entry":[`)
	for i, e := range entries {
		if i > 0 {
			buf.Write(fastpathEntrySep)
		}
		buf.Write(fastpathFullURLLo)
		writeJSONString(&buf, e.FullURL)
		buf.Write(fastpathResLo)
		buf.Write(e.Resource)
		buf.Write(fastpathSearchLo)
		buf.WriteString(e.SearchMode)
		buf.Write(fastpathEntryHi)
	}
	buf.WriteString(`]}`)

	return buf.Bytes()
}

// writeJSONString writes s as a properly escaped JSON string literal
// (including the surrounding quotes) into buf, using json.Marshal for the
// escaping.
func writeJSONString(buf *bytes.Buffer, s string) {
	data, _ := json.Marshal(s)
	buf.Write(data)
}

// CanUseFastpath reports whether a search request's query parameters are
// covered by the fastpath assembler. _summary, _elements, and chained
// parameters (containing a ".") force the fallback, parse-based path.
func CanUseFastpath(queryParams map[string][]string) bool {
	if _, ok := queryParams["_summary"]; ok {
		return false
	}
	if _, ok := queryParams["_elements"]; ok {
		return false
	}
	for key := range queryParams {
		for _, r := range key {
			if r == '.' {
				return false
			}
		}
	}
	return true
}
