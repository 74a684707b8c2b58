package attr

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// SyntaxError reports a malformed line in an encoded record.
type SyntaxError struct {
	Line int
	Text string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("attr: line %d: malformed entry %q", e.Line, e.Text)
}

const maxLine = 1 << 20

// Encode writes r as newline-delimited key=value lines. Backslashes,
// newlines and carriage returns in values are escaped.
func (r *Record) Encode(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, k := range r.keys {
		if _, err := bw.WriteString(k); err != nil {
			return err
		}
		if err := bw.WriteByte('='); err != nil {
			return err
		}
		if _, err := bw.WriteString(escape(r.vals[k])); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// String returns the encoded form of r.
func (r *Record) String() string {
	var sb strings.Builder
	_ = r.Encode(&sb)
	return sb.String()
}

// Decode parses key=value lines. Blank lines and lines starting with '#'
// are ignored; a later duplicate key overwrites an earlier one.
func Decode(rd io.Reader) (*Record, error) {
	r := New()
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			return nil, &SyntaxError{Line: n, Text: line}
		}
		key := strings.TrimSpace(line[:idx])
		if key == "" {
			return nil, &SyntaxError{Line: n, Text: line}
		}
		r.Set(key, unescape(line[idx+1:]))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return r, nil
}

var escaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)

func escape(s string) string {
	return escaper.Replace(s)
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
