package memory

import (
	"fmt"
	"strconv"
	"strings"
)

// memQuery is the parsed form of the query subset the memory engine
// executes: SELECT * FROM ns [WHERE field = value] [LIMIT n] and
// DELETE FROM ns [WHERE field = value].
type memQuery struct {
	ns    string
	del   bool
	where *cond
	limit int
}

type cond struct {
	field string
	value any // string, float64 or bool
}

func parseQuery(text string) (*memQuery, error) {
	toks, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty query")
	}

	q := &memQuery{}
	i := 0
	switch strings.ToUpper(toks[i]) {
	case "SELECT":
		if len(toks) < 4 || toks[1] != "*" || !strings.EqualFold(toks[2], "FROM") {
			return nil, fmt.Errorf("expected SELECT * FROM <ns>")
		}
		q.ns = toks[3]
		i = 4
	case "DELETE":
		if len(toks) < 3 || !strings.EqualFold(toks[1], "FROM") {
			return nil, fmt.Errorf("expected DELETE FROM <ns>")
		}
		q.del = true
		q.ns = toks[2]
		i = 3
	default:
		return nil, fmt.Errorf("unsupported query verb %q", toks[0])
	}

	for i < len(toks) {
		switch strings.ToUpper(toks[i]) {
		case "WHERE":
			if i+3 >= len(toks) || toks[i+2] != "=" {
				return nil, fmt.Errorf("expected WHERE <field> = <value>")
			}
			q.where = &cond{field: toks[i+1], value: parseValue(toks[i+3])}
			i += 4
		case "LIMIT":
			if i+1 >= len(toks) {
				return nil, fmt.Errorf("LIMIT needs a count")
			}
			n, err := strconv.Atoi(toks[i+1])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("bad LIMIT %q", toks[i+1])
			}
			q.limit = n
			i += 2
		default:
			return nil, fmt.Errorf("unexpected token %q", toks[i])
		}
	}
	return q, nil
}

// tokenize splits on whitespace and around '=', keeping quoted strings
// intact. Quoted tokens keep a leading quote byte so parseValue can tell
// 'text' from bare words.
func tokenize(text string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '=':
			toks = append(toks, "=")
			i++
		case c == '\'' || c == '"':
			j := strings.IndexByte(text[i+1:], c)
			if j < 0 {
				return nil, fmt.Errorf("unterminated string at byte %d", i)
			}
			toks = append(toks, text[i:i+1+j])
			i += j + 2
		default:
			j := i
			for j < len(text) && !strings.ContainsRune(" \t\n\r=", rune(text[j])) {
				j++
			}
			toks = append(toks, text[i:j])
			i = j
		}
	}
	return toks, nil
}

func parseValue(tok string) any {
	if len(tok) > 0 && (tok[0] == '\'' || tok[0] == '"') {
		return tok[1:]
	}
	if tok == "true" {
		return true
	}
	if tok == "false" {
		return false
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f
	}
	return tok
}

func (q *memQuery) matches(d *document) bool {
	if q.where == nil {
		return true
	}
	if d.fields == nil {
		// Raw documents have no addressable fields.
		return false
	}
	got, ok := d.fields[q.where.field]
	if !ok {
		return false
	}
	switch want := q.where.value.(type) {
	case float64:
		f, ok := got.(float64)
		return ok && f == want
	case bool:
		b, ok := got.(bool)
		return ok && b == want
	case string:
		s, ok := got.(string)
		return ok && s == want
	}
	return false
}
