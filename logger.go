package ircsky

// Logger is the minimal logging contract used throughout the bridge. It is
// satisfied by *log.Logger from the standard library.
type Logger interface {
	Print(v ...interface{})
	Printf(format string, v ...interface{})
}

// prefixLogger decorates every line written through it with a fixed prefix,
// so that log output stays attributable to the component (a session, the
// ingestor, a directory lookup) that produced it.
type prefixLogger struct {
	logger Logger
	prefix string
}

var _ Logger = (*prefixLogger)(nil)

func newPrefixLogger(logger Logger, prefix string) *prefixLogger {
	return &prefixLogger{logger: logger, prefix: prefix}
}

func (l *prefixLogger) Print(v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Print(v...)
}

func (l *prefixLogger) Printf(format string, v ...interface{}) {
	v = append([]interface{}{l.prefix}, v...)
	l.logger.Printf("%v"+format, v...)
}
