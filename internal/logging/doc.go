// Package logging builds the slog loggers used by the daemon and CLI.
//
// Console output is one line per record with the queue, job id and harvest
// path lifted into a bracketed subject after the component name; JSON output
// uses short keys (ts, level, msg). Both sit behind a handler that copies job,
// queue, harvest and request ids from the context, so code that passes ctx to
// *Context calls gets tagged lines without extra plumbing. NewNop serves tests
// and optional loggers.
package logging
