package logger

import (
	"io"
	"regexp"
)

const redactedMarker = "[REDACTED]"

var defaultSecretPatterns = []string{
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-(proj-)?[a-zA-Z0-9_-]{20,}`,
	`(?i)bearer\s+[a-zA-Z0-9._~+/-]+=*`,
	`(?i)(api[_-]?key|secret|password|token)("?\s*[:=]\s*"?)[^\s",}]+`,
	`AKIA[0-9A-Z]{16}`,
}

// Redactor masks credentials before log lines reach any writer.
type Redactor struct {
	patterns []*regexp.Regexp
}

func NewRedactor() *Redactor {
	r := &Redactor{}
	for _, p := range defaultSecretPatterns {
		r.patterns = append(r.patterns, regexp.MustCompile(p))
	}
	return r
}

// AddPattern registers an extra expression to mask.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		if re.NumSubexp() >= 2 {
			s = re.ReplaceAllString(s, "${1}${2}"+redactedMarker)
			continue
		}
		s = re.ReplaceAllString(s, redactedMarker)
	}
	return s
}

// Wrap returns a writer that redacts every write before forwarding it.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return redactingWriter{w: w, r: r}
}

type redactingWriter struct {
	w io.Writer
	r *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted line as a short write.
func (rw redactingWriter) Write(p []byte) (int, error) {
	if _, err := rw.w.Write([]byte(rw.r.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
