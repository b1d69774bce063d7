package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler writes one line per record:
//
//	<ts> <LEVEL> <component>: [<subject>] <message> [file:line] key=value ...
//
// The subject is built from the job and harvest fields, which are then left
// out of the trailing key/value list. Debug records keep every field.
type consoleHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     *slog.LevelVar
	bound     []field
	groups    []string
	addSource bool
}

type field struct {
	key   string
	value slog.Value
}

// subjectKeys are lifted into the line header, in display order.
var subjectKeys = []string{FieldQueue, FieldJobID, FieldHarvestID, FieldPath}

func newConsoleHandler(w io.Writer, level *slog.LevelVar, addSource bool) slog.Handler {
	return &consoleHandler{mu: &sync.Mutex{}, w: w, level: level, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make([]field, 0, len(h.bound)+record.NumAttrs())
	fields = append(fields, h.bound...)
	record.Attrs(func(attr slog.Attr) bool {
		fields = appendAttr(fields, h.groups, attr)
		return true
	})

	component, subject, rest := splitHeaderFields(fields, record.Level < slog.LevelInfo)

	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	var buf bytes.Buffer
	buf.WriteString(ts.UTC().Format(time.RFC3339))
	buf.WriteByte(' ')
	buf.WriteString(levelLabel(record.Level))
	buf.WriteByte(' ')
	if component != "" {
		buf.WriteString(component)
		buf.WriteString(": ")
	}
	if subject != "" {
		buf.WriteByte('[')
		buf.WriteString(subject)
		buf.WriteString("] ")
	}
	if msg := strings.TrimSpace(record.Message); msg != "" {
		buf.WriteString(msg)
	} else {
		buf.WriteString("(no message)")
	}
	if h.addSource {
		if src := record.Source(); src != nil && src.File != "" {
			fmt.Fprintf(&buf, " [%s:%d]", filepath.Base(src.File), src.Line)
		}
	}
	for _, f := range rest {
		buf.WriteByte(' ')
		buf.WriteString(f.key)
		buf.WriteByte('=')
		buf.WriteString(formatValue(f.value))
	}
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

// splitHeaderFields pulls the component and subject out of fields. The first
// value of a repeated key wins. keepSubject leaves the subject fields in rest.
func splitHeaderFields(fields []field, keepSubject bool) (component, subject string, rest []field) {
	values := make(map[string]string, len(subjectKeys))
	seen := make(map[string]struct{}, len(fields))
	rest = make([]field, 0, len(fields))
	for _, f := range fields {
		if f.key == "" {
			continue
		}
		if _, dup := seen[f.key]; dup {
			continue
		}
		seen[f.key] = struct{}{}
		if f.key == FieldComponent {
			component = valueString(f.value)
			continue
		}
		if isSubjectKey(f.key) {
			values[f.key] = valueString(f.value)
			if !keepSubject {
				continue
			}
		}
		rest = append(rest, f)
	}
	return component, composeSubject(values), rest
}

func isSubjectKey(key string) bool {
	for _, k := range subjectKeys {
		if k == key {
			return true
		}
	}
	return false
}

// composeSubject renders "<queue> <job id> · <harvest id>/<path>", skipping
// whatever is missing.
func composeSubject(values map[string]string) string {
	var job []string
	for _, key := range []string{FieldQueue, FieldJobID} {
		if v := strings.TrimSpace(values[key]); v != "" {
			job = append(job, v)
		}
	}
	harvest := strings.TrimSpace(values[FieldHarvestID])
	if p := strings.TrimSpace(values[FieldPath]); p != "" {
		if harvest != "" {
			harvest += "/" + p
		} else {
			harvest = p
		}
	}
	parts := make([]string, 0, 2)
	if len(job) > 0 {
		parts = append(parts, strings.Join(job, " "))
	}
	if harvest != "" {
		parts = append(parts, harvest)
	}
	return strings.Join(parts, " · ")
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.bound = append([]field(nil), h.bound...)
	for _, attr := range attrs {
		next.bound = appendAttr(next.bound, h.groups, attr)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string(nil), h.groups...), name)
	return &next
}

// appendAttr flattens attr into dotted keys under groups.
func appendAttr(dst []field, groups []string, attr slog.Attr) []field {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return dst
	}
	if attr.Value.Kind() == slog.KindGroup {
		inner := groups
		if attr.Key != "" {
			inner = append(append([]string(nil), groups...), attr.Key)
		}
		for _, a := range attr.Value.Group() {
			dst = appendAttr(dst, inner, a)
		}
		return dst
	}
	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	return append(dst, field{key: key, value: attr.Value})
}

// valueString is the unquoted form used in the header.
func valueString(v slog.Value) string {
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return fmt.Sprint(v.Any())
	}
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return formatValue(v)
}

func formatValue(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		s = valueString(v)
	default:
		s = v.String()
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
