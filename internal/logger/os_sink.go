package logger

import (
	"fmt"
	"io"
	"time"
)

// osSink is the default LogSink, writing one line per message to an
// underlying io.Writer such as os.Stderr.
type osSink struct {
	w io.Writer
}

func newOSSink(w io.Writer) *osSink {
	return &osSink{w: w}
}

func (s *osSink) Info(level int, msg string, keysAndValues ...interface{}) {
	fmt.Fprintf(s.w, "%s\tlevel=%d\t%s", time.Now().Format(time.RFC3339Nano), level, msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fmt.Fprintf(s.w, "\t%v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	fmt.Fprintln(s.w)
}
