package kb

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/autokb/faultmatch/internal/errors"
)

// Load reads the knowledge base at path. The format is sniffed from the
// first bytes: a JSON array, a CSV file with an id/text header, or JSONL
// (the default). A UTF-8 BOM is tolerated. Records without id or text are
// dropped; duplicate ids keep the first occurrence.
func Load(path string) ([]*FaultCase, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.ErrCodeDataNotFound, fmt.Sprintf("data file not found: %s", path), err)
		}
		return nil, errors.Wrap(errors.ErrCodeDataCorrupt, err)
	}
	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})

	head := bytes.TrimLeft(raw, " \t\r\n")
	var cases []*FaultCase
	switch {
	case len(head) > 0 && head[0] == '[':
		cases, err = parseJSONArray(raw)
	case len(head) > 0 && head[0] == '{':
		cases, err = parseJSONL(path, raw)
	case looksLikeCSV(head):
		cases, err = parseCSV(raw)
	default:
		cases, err = parseJSONL(path, raw)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(cases))
	out := cases[:0]
	for _, c := range cases {
		if !c.Retrievable() {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, errors.New(errors.ErrCodeDataCorrupt, fmt.Sprintf("no retrievable cases in %s", path), nil)
	}
	return out, nil
}

func parseJSONArray(raw []byte) ([]*FaultCase, error) {
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDataCorrupt, err)
	}
	cases := make([]*FaultCase, 0, len(rows))
	for _, row := range rows {
		cases = append(cases, caseFromMap(row))
	}
	return cases, nil
}

func parseJSONL(path string, raw []byte) ([]*FaultCase, error) {
	var cases []*FaultCase
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, errors.New(errors.ErrCodeDataCorrupt,
				fmt.Sprintf("%s:%d is not valid JSON: %v", path, lineno, err), err)
		}
		cases = append(cases, caseFromMap(row))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeDataCorrupt, err)
	}
	return cases, nil
}

// looksLikeCSV checks the first line for a comma plus an id/text header.
// Only consulted once JSON shapes are ruled out; a JSONL line would
// otherwise match on its quoted field names.
func looksLikeCSV(raw []byte) bool {
	idx := bytes.IndexByte(raw, '\n')
	first := raw
	if idx >= 0 {
		first = raw[:idx]
	}
	line := strings.ToLower(string(first))
	return strings.Contains(line, ",") &&
		(strings.Contains(line, "id") || strings.Contains(line, "text") ||
			strings.Contains(line, "编号") || strings.Contains(line, "故障现象"))
}

func parseCSV(raw []byte) ([]*FaultCase, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDataCorrupt, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	get := func(rec []string, names ...string) string {
		for _, n := range names {
			if i, ok := cols[n]; ok && i < len(rec) {
				if v := strings.TrimSpace(rec[i]); v != "" {
					return v
				}
			}
		}
		return ""
	}

	var cases []*FaultCase
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeDataCorrupt, err)
		}
		pop, _ := strconv.ParseFloat(get(rec, "popularity", "热度"), 64)
		var tags []string
		for _, t := range strings.Split(get(rec, "tags"), "|") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		cases = append(cases, &FaultCase{
			ID:          get(rec, "id", "编号"),
			Text:        get(rec, "text", "故障现象", "描述"),
			System:      get(rec, "system", "系统"),
			Part:        get(rec, "part", "部件"),
			Tags:        tags,
			VehicleType: get(rec, "vehicletype", "车型"),
			FaultCode:   get(rec, "faultcode", "fault_code", "故障码"),
			Popularity:  pop,
		})
	}
	return cases, nil
}

// caseFromMap builds a FaultCase from a decoded JSON object, preserving
// unrecognized fields in Extra.
func caseFromMap(row map[string]any) *FaultCase {
	c := &FaultCase{
		ID:          asString(row["id"]),
		Text:        asString(row["text"]),
		System:      asString(row["system"]),
		Part:        asString(row["part"]),
		VehicleType: asString(row["vehicletype"]),
		FaultCode:   asString(row["faultcode"]),
		Popularity:  asFloat(row["popularity"]),
	}
	if tags, ok := row["tags"].([]any); ok {
		for _, t := range tags {
			if s := strings.TrimSpace(asString(t)); s != "" {
				c.Tags = append(c.Tags, s)
			}
		}
	}
	known := map[string]struct{}{
		"id": {}, "text": {}, "system": {}, "part": {},
		"tags": {}, "vehicletype": {}, "faultcode": {}, "popularity": {},
	}
	for k, v := range row {
		if _, ok := known[k]; ok {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[k] = v
	}
	return c
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}

func asFloat(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case string:
		out, _ := strconv.ParseFloat(strings.TrimSpace(f), 64)
		return out
	default:
		return 0
	}
}
